package ploop

import (
	"os"

	"golang.org/x/sys/unix"
)

// descriptorLockSuffix names the lock file sibling to a descriptor, per
// §4.8: "a per-descriptor exclusive lock file (sibling of the descriptor)".
const descriptorLockSuffix = ".lck"

// DescriptorLock is the advisory, file-lock-backed exclusive lock taken
// around every operation that mutates a descriptor or the running device
// it describes. An unclean process exit releases it, because it is backed
// by flock(2) on an fd the kernel reclaims on process death.
type DescriptorLock struct {
	file *os.File
}

// LockDescriptor opens (creating if necessary) and exclusively locks the
// lock file sibling to descPath. The caller must call Unlock to release it.
func LockDescriptor(descPath string) (*DescriptorLock, error) {
	lockPath := descPath + descriptorLockSuffix
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, newError(CodeLock, "LockDescriptor", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, newError(CodeLock, "LockDescriptor", err)
	}

	logger.WithField("path", lockPath).Debug("descriptor lock acquired")
	return &DescriptorLock{file: f}, nil
}

// Unlock releases the lock and closes the underlying file descriptor.
func (l *DescriptorLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return newError(CodeLock, "Unlock", err)
	}
	if closeErr != nil {
		return newError(CodeLock, "Unlock", closeErr)
	}
	return nil
}
