package ploop

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// maxSnapshots is the 128-level device stack limit minus the base and one
// reserved level (§4.6.5 step 1, §8 boundary "Creating the 128th stacked
// delta is rejected").
const maxSnapshots = 126

// Engine is the lifecycle engine (C6): every public operation below
// acquires the descriptor lock, validates, does the work, and releases
// the lock (§4.6). When a device is running the engine drives it through
// a DeviceController; otherwise it operates on delta files directly.
type Engine struct {
	Ctrl      DeviceController
	Commander Commander
	Cancel    *CancelFlag
}

// NewEngine builds an Engine with the given device controller. A nil
// Commander defaults to DefaultCommander; opts may override Commander or
// the cancellation token (see Option).
func NewEngine(ctrl DeviceController, opts ...Option) *Engine {
	e := &Engine{Ctrl: ctrl, Commander: DefaultCommander}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// withLock locks descPath's sibling lock file, loads and validates the
// descriptor, and runs fn; the lock is always released afterward.
func (e *Engine) withLock(descPath string, fn func(*Descriptor) error) error {
	lock, err := LockDescriptor(descPath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	desc, err := LoadDescriptor(descPath)
	if err != nil {
		return err
	}

	return fn(desc)
}

func descPathFor(dir string) string {
	return filepath.Join(dir, "DiskDescriptor.xml")
}

func abs(dir, file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(dir, file)
}

func logOp(op string, fields logrus.Fields) {
	logger.WithFields(fields).Debug(op)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
