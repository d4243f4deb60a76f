package ploop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// BalloonFileName is the well-known name of the balloon file inside a
// mounted image's filesystem (§3.3, GLOSSARY). Discovering its inode is
// the crux of the two-step mount (§4.5).
const BalloonFileName = ".balloon-xxxxxxxx.img"

// MountOptions configures mount_fs (§4.5).
type MountOptions struct {
	Device    string // e.g. /dev/ploop0p1
	Target    string // mountpoint
	ReadOnly  bool
	Fsck      bool
	Quota     bool
	MountData string // extra comma-separated mount options
}

// Commander runs external filesystem tools (fsck, partition, mkfs). The
// real implementations shell out; tests substitute a fake that records
// invocations instead of running them, the same seam the mender project
// uses for its StatCommander abstraction.
type Commander interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// execCommander runs commands via os/exec.
type execCommander struct{}

func (execCommander) Run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	return cmd.Run()
}

func (execCommander) Output(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	return cmd.Output()
}

// DefaultCommander is the Commander used when callers don't supply one.
var DefaultCommander Commander = execCommander{}

// MountFS performs the two-step mount of §4.5: mount read-only, stat the
// balloon file to learn its inode, then remount with balloon_ino=<inode>
// (plus quota options) at the caller's requested read-only/read-write
// mode.
func MountFS(cmd Commander, opts MountOptions) error {
	forcePartitionRescan(opts.Device)

	partDev := partitionDeviceName(opts.Device)

	if opts.Fsck {
		if isExtFamily(partDev, cmd) {
			if err := cmd.Run("e2fsck", "-p", partDev); err != nil {
				if exitCode(err) > 1 {
					return newError(CodeFsck, "MountFS", err)
				}
			}
		}
	}

	if err := os.MkdirAll(opts.Target, 0755); err != nil {
		return newError(CodeMkdir, "MountFS", err)
	}

	if err := unix.Mount(partDev, opts.Target, "ext4", unix.MS_RDONLY, ""); err != nil {
		return newError(CodeMount, "MountFS", err)
	}

	balloonIno, haveBalloon, err := statBalloonInode(opts.Target)
	if err != nil {
		unix.Unmount(opts.Target, 0)
		return err
	}

	var data string
	if haveBalloon {
		data = fmt.Sprintf("balloon_ino=%d", balloonIno)
	}
	if opts.Quota {
		data = appendMountData(data, "usrquota,grpquota")
	}
	if opts.MountData != "" {
		data = appendMountData(data, opts.MountData)
	}

	remountFlags := uintptr(unix.MS_REMOUNT)
	if opts.ReadOnly {
		remountFlags |= unix.MS_RDONLY
	}
	if err := unix.Mount(partDev, opts.Target, "ext4", remountFlags, data); err != nil {
		unix.Unmount(opts.Target, 0)
		return newError(CodeMount, "MountFS", err)
	}

	if !opts.ReadOnly && !skipExtentsCheck() {
		if err := checkExtentsFlag(opts.Target); err != nil {
			unix.Unmount(opts.Target, 0)
			return err
		}
	}

	logger.WithFields(logrus.Fields{"device": partDev, "target": opts.Target}).Debug("filesystem mounted")
	return nil
}

// UmountFS calls umount(2), retrying on EBUSY up to UmountRetryPolicy,
// printing open-file diagnostics at increasing verbosity between
// attempts (§4.5).
func UmountFS(target string) error {
	attempt := 0
	err := retry(UmountRetryPolicy, func(err error) bool {
		return err == unix.EBUSY
	}, func() error {
		attempt++
		err := unix.Unmount(target, 0)
		if err == unix.EBUSY {
			logger.WithFields(logrus.Fields{"target": target, "attempt": attempt}).Warn(umountDiagnostics(target, attempt))
		}
		return err
	})
	if err != nil {
		return newError(CodeUmount, "UmountFS", err)
	}
	return nil
}

func umountDiagnostics(target string, attempt int) string {
	if attempt < 3 {
		return fmt.Sprintf("umount %s busy, retrying", target)
	}
	return fmt.Sprintf("umount %s still busy after %d attempts; open files may remain", target, attempt)
}

func forcePartitionRescan(device string) {
	f, err := os.Open(device)
	if err != nil {
		return
	}
	defer f.Close()
	unix.IoctlSetInt(int(f.Fd()), unix.BLKRRPART, 0)
}

func partitionDeviceName(device string) string {
	return device + "p1"
}

func isExtFamily(partDev string, cmd Commander) bool {
	out, err := cmd.Output("blkid", "-o", "value", "-s", "TYPE", partDev)
	if err != nil {
		return false
	}
	t := strings.TrimSpace(string(out))
	return t == "ext2" || t == "ext3" || t == "ext4"
}

// checkExtentsFlag refuses bases on host ext3/ext4 without the extents
// inode flag, unless PLOOP_SKIP_EXT4_EXTENTS_CHECK is set (§4.5, §6.4).
func checkExtentsFlag(target string) error {
	balloonPath := filepath.Join(target, BalloonFileName)
	out, err := DefaultCommander.Output("lsattr", balloonPath)
	if err != nil {
		return newError(CodeFsck, "checkExtentsFlag", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 || !strings.Contains(fields[0], "e") {
		return newError(CodeFsck, "checkExtentsFlag", ErrNoExtents)
	}
	return nil
}

// statBalloonInode discovers the balloon file's inode number, the value
// the second mount pass needs to pass via balloon_ino=. A missing balloon
// file is not an error: the original's ploop_mount_fs treats it the same
// way, since a brand new image formatted by formatNewImage hasn't created
// one yet at the time of its first mount.
func statBalloonInode(target string) (ino uint64, ok bool, err error) {
	path := filepath.Join(target, BalloonFileName)
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, newError(CodeFstat, "statBalloonInode", err)
	}
	return st.Ino, true, nil
}

func appendMountData(data, extra string) string {
	if data == "" {
		return extra
	}
	return data + "," + extra
}

// fifreeze and fithaw are the FIFREEZE/FITHAW ioctl request numbers
// (linux/fs.h, _IOWR('X', 119/120, int)). golang.org/x/sys/unix does not
// export them since they are filesystem ioctls rather than generic
// syscall constants.
const (
	fifreeze = 0xC0045877
	fithaw   = 0xC0045878
)

// syncfsTarget calls syncfs(2) on the filesystem mounted at target, used by
// live-copy before freezing it (§4.7 step 8).
func syncfsTarget(target string) error {
	f, err := os.Open(target)
	if err != nil {
		return newError(CodeSysFS, "syncfsTarget", err)
	}
	defer f.Close()
	if err := unix.Syncfs(int(f.Fd())); err != nil {
		return newError(CodeSysFS, "syncfsTarget", err)
	}
	return nil
}

// freezeFS and thawFS wrap FIFREEZE/FITHAW, quiescing writers to the
// mounted filesystem for the live-copy frozen drain (§4.7 steps 8-9).
func freezeFS(target string) error {
	f, err := os.Open(target)
	if err != nil {
		return newError(CodeSysFS, "freezeFS", err)
	}
	defer f.Close()
	if err := unix.IoctlSetInt(int(f.Fd()), fifreeze, 0); err != nil {
		return newError(CodeSysFS, "freezeFS", err)
	}
	return nil
}

func thawFS(target string) error {
	f, err := os.Open(target)
	if err != nil {
		return newError(CodeSysFS, "thawFS", err)
	}
	defer f.Close()
	if err := unix.IoctlSetInt(int(f.Fd()), fithaw, 0); err != nil {
		return newError(CodeSysFS, "thawFS", err)
	}
	return nil
}

func exitCode(err error) int {
	if ee, ok := err.(*exec.ExitError); ok {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			return ws.ExitStatus()
		}
	}
	return -1
}
