package ploop

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Code is the fixed numeric error taxonomy of §6.5. Names are drawn
// directly from the spec; semantics are fixed, ABI values are not (no host
// program depends on these numbers).
type Code int

const (
	CodeParam Code = iota + 1
	CodeCreat
	CodeOpen
	CodeRead
	CodeWrite
	CodeFsync
	CodeFstat
	CodeMount
	CodeUmount
	CodeFsck
	CodeDevice
	CodeDevIoc
	CodeSysFS
	CodeProtocol
	CodeRename
	CodeMalloc
	CodeLock
	CodeUnlink
	CodeFtruncate
	CodeSys
	CodeLoop
	CodeDiskDescr
	CodeDevNotMounted
	CodeMkdir
	CodeMknod
	CodeAbort // internal: cancellation / generic corruption guard, mapped below
)

func (c Code) String() string {
	switch c {
	case CodeParam:
		return "PARAM"
	case CodeCreat:
		return "CREAT"
	case CodeOpen:
		return "OPEN"
	case CodeRead:
		return "READ"
	case CodeWrite:
		return "WRITE"
	case CodeFsync:
		return "FSYNC"
	case CodeFstat:
		return "FSTAT"
	case CodeMount:
		return "MOUNT"
	case CodeUmount:
		return "UMOUNT"
	case CodeFsck:
		return "FSCK"
	case CodeDevice:
		return "DEVICE"
	case CodeDevIoc:
		return "DEVIOC"
	case CodeSysFS:
		return "SYSFS"
	case CodeProtocol:
		return "PROTOCOL"
	case CodeRename:
		return "RENAME"
	case CodeMalloc:
		return "MALLOC"
	case CodeLock:
		return "LOCK"
	case CodeUnlink:
		return "UNLINK"
	case CodeFtruncate:
		return "FTRUNCATE"
	case CodeSys:
		return "SYS"
	case CodeLoop:
		return "LOOP"
	case CodeDiskDescr:
		return "DISKDESCR"
	case CodeDevNotMounted:
		return "DEV_NOT_MOUNTED"
	case CodeMkdir:
		return "MKDIR"
	case CodeMknod:
		return "MKNOD"
	default:
		return "ABORT"
	}
}

// Error carries a single §6.5 code, the operation that raised it, and the
// underlying cause. It is the one error type every public API returns, so
// callers can always recover a Code via errors.As.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ploop: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("ploop: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an *Error and logs the failing operation with its cause,
// so no failing syscall is silently swallowed (§7).
func newError(code Code, op string, err error) *Error {
	e := &Error{Code: code, Op: op, Err: err}
	logger.WithFields(logrus.Fields{"op": op, "code": code.String()}).Warn(e.Error())
	return e
}

// Sentinel causes wrapped by Error.Err, named after the invariant each one
// guards (§3, §8).
var (
	ErrInvalidMagic       = errors.New("ploop: invalid delta magic")
	ErrUnsupportedVersion = errors.New("ploop: unsupported on-disk version")
	ErrCorrupt            = errors.New("ploop: delta index corruption detected")
	ErrV1Overflow         = errors.New("ploop: v1 index entry exceeds 32 bits")
	ErrIOShort            = errors.New("ploop: short read or write")
	ErrInconsistentChain  = errors.New("ploop: delta chain walk did not reach base")
	ErrMixedVersions      = errors.New("ploop: mixed v1/v2 deltas in one chain")
	ErrDirty              = errors.New("ploop: delta is marked dirty, needs repair")
	ErrConverting         = errors.New("ploop: delta is mid version-conversion")
	ErrNoExtents          = errors.New("ploop: base filesystem lacks the extents feature")
	ErrHasChildren        = errors.New("ploop: snapshot has children")
	ErrTooManyChildren    = errors.New("ploop: snapshot has more than one child")
	ErrIsBase             = errors.New("ploop: refusing to operate on the base snapshot")
	ErrIsTop              = errors.New("ploop: refusing to operate on the active top")
	ErrTooManySnapshots   = errors.New("ploop: snapshot count would exceed the stack limit")
	ErrUnknownGUID        = errors.New("ploop: guid not found in descriptor")
	ErrDuplicateGUID      = errors.New("ploop: guid collision")
	ErrNotRunning         = errors.New("ploop: device is not running")
	ErrAlreadyRunning     = errors.New("ploop: device is already running")
	ErrBusy               = errors.New("ploop: device or descriptor is busy")
	ErrShrinkBelowUsed    = errors.New("ploop: new size is smaller than the used filesystem size")
	ErrNotConverging      = errors.New("ploop: live-copy iteration did not converge")
	ErrBadMarker          = errors.New("ploop: wire frame marker mismatch")
	ErrCancelled          = errors.New("ploop: operation cancelled")
	ErrUnsupportedMode    = errors.New("ploop: unsupported mode conversion")
	ErrTTYInput           = errors.New("ploop: live-copy receiver refuses a terminal as input")
	ErrNoPloopDriver      = errors.New("ploop: ploop driver not registered in /proc/devices")
)

func isRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}
