package ploop

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ploopDeviceMajor looks up the ploop block driver's major number from
// /proc/devices rather than hardcoding one, since dynamic majors shift
// across kernel builds.
func ploopDeviceMajor() (uint32, error) {
	f, err := os.Open("/proc/devices")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[1] == "ploop" {
			major, err := strconv.ParseUint(fields[0], 10, 32)
			if err != nil {
				return 0, err
			}
			return uint32(major), nil
		}
	}
	return 0, ErrNoPloopDriver
}

// DeltaFormat names the on-disk format a stacked delta is pushed with
// (§4.4 ADD_DELTA's format argument).
type DeltaFormat int

const (
	FormatRaw DeltaFormat = iota
	FormatPloop1
)

// AddDeltaFlags carries read/write mode and an optional cookie for
// ADD_DELTA (§4.4).
type AddDeltaFlags struct {
	ReadOnly bool
	Cookie   [64]byte
}

// DeviceAttrs mirrors the attributes §3.4 says are readable from a
// running device.
type DeviceAttrs struct {
	Top        int
	BlockSize  uint32
	FmtVersion Version
	Running    bool
	Size       uint64
}

// DeviceController wraps the host block-device control surface (§4.4,
// §6.2). The real opcodes are host ioctls against /dev/ploopcontrol and a
// per-device minor; this type collects them behind an interface so the
// lifecycle and live-copy engines never talk ioctls directly, and so
// tests can substitute a fake.
type DeviceController interface {
	AllocateMinor() (minor int, lockFile *os.File, err error)
	AddDelta(minor int, fd uintptr, flags AddDeltaFlags, clusterLog uint32, format DeltaFormat) error
	Start(minor int) error
	Stop(minor int) error
	Clear(minor int) error
	DelDelta(minor int, level int) error
	Grow(minor int, newSize uint64) error
	Discard(minor int, start, end uint64) error
	Sync(minor int) error
	Snapshot(minor int, fd uintptr, syncFS bool) error
	TrackInit(minor int) (start, end uint64, err error)
	TrackSetPos(minor int, pos uint64) error
	TrackRead(minor int) (extentStart, extentEnd uint64, ok bool, err error)
	TrackStop(minor int) error
	TrackAbort(minor int) error
	Attrs(minor int) (DeviceAttrs, error)
}

// Device is a running block device: a minor number, the controller that
// drives it, and the stack of deltas it was started with.
type Device struct {
	Minor      int
	ctrl       DeviceController
	lockFile   *os.File
	deltaCount int
}

// StartDevice runs the cold-start sequence of §4.4: allocate a minor,
// create device nodes if missing, push each of the chain's already-open
// deltas with ADD_DELTA (only the top read-write), then START. The deltas
// keep the open flags the chain was built with; StartDevice does not
// reopen them with O_DIRECT. Any failure pops already-added deltas in
// reverse and CLEARs.
func StartDevice(ctrl DeviceController, chain *Chain, format DeltaFormat) (*Device, error) {
	minor, lockFile, err := ctrl.AllocateMinor()
	if err != nil {
		return nil, newError(CodeDevice, "StartDevice", err)
	}

	if err := ensureDeviceNodesFn(minor); err != nil {
		lockFile.Close()
		return nil, err
	}

	dev := &Device{Minor: minor, ctrl: ctrl, lockFile: lockFile}

	deltas := chain.deltasSnapshot()
	for i, d := range deltas {
		flags := AddDeltaFlags{ReadOnly: i < len(deltas)-1}
		fd := d.file.Fd()
		clusterLog := clusterLog2(d.Blocksize())
		if err := ctrl.AddDelta(minor, fd, flags, clusterLog, format); err != nil {
			dev.rollback(i)
			lockFile.Close()
			return nil, newError(CodeDevIoc, "StartDevice", err)
		}
		dev.deltaCount = i + 1
	}

	if err := retry(BusyRetryPolicy, nil, func() error { return ctrl.Start(minor) }); err != nil {
		dev.rollback(dev.deltaCount)
		lockFile.Close()
		return nil, newError(CodeDevIoc, "StartDevice", err)
	}

	logger.WithFields(logrus.Fields{"minor": minor, "deltas": len(deltas)}).Debug("device started")
	return dev, nil
}

func (dev *Device) rollback(count int) {
	for i := count - 1; i >= 0; i-- {
		dev.ctrl.DelDelta(dev.Minor, i)
	}
	dev.ctrl.Clear(dev.Minor)
}

func clusterLog2(blocksize uint32) uint32 {
	var log uint32
	for v := blocksize; v > 1; v >>= 1 {
		log++
	}
	return log
}

// ploopMinorsPerDevice mirrors the driver's partition-minor spacing: the
// whole-disk node gets minor*16, its first (and only) partition minor*16+1.
const ploopMinorsPerDevice = 16

// ensureDeviceNodesFn creates the ploopN/ploopNp1 nodes a real StartDevice
// call needs. It is a package variable for the same reason DefaultCommander
// in mount.go is: tests substitute a stub instead of exercising mknod(2)
// against real /dev paths, which needs root and a registered driver.
var ensureDeviceNodesFn = createPloopDeviceNodes

func createPloopDeviceNodes(minor int) error {
	devPath := fmt.Sprintf("/dev/ploop%d", minor)
	partPath := fmt.Sprintf("/dev/ploop%dp1", minor)
	return ensureDeviceNodesAt(devPath, partPath, minor)
}

// ensureDeviceNodesAt creates devPath and partPath as block-device nodes if
// missing, §4.4's Start precondition. udev normally beats this to it on a
// running system; mknod here is what covers a bare chroot or container
// without udev running.
func ensureDeviceNodesAt(devPath, partPath string, minor int) error {
	nodes := []struct {
		path     string
		devMinor int
	}{
		{devPath, minor * ploopMinorsPerDevice},
		{partPath, minor*ploopMinorsPerDevice + 1},
	}

	var major uint32
	haveMajor := false

	for _, n := range nodes {
		if _, err := os.Stat(n.path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return newError(CodeMknod, "ensureDeviceNodes", err)
		}

		if !haveMajor {
			m, err := ploopDeviceMajor()
			if err != nil {
				return newError(CodeMknod, "ensureDeviceNodes", err)
			}
			major, haveMajor = m, true
		}

		dev := unix.Mkdev(major, uint32(n.devMinor))
		if err := unix.Mknod(n.path, unix.S_IFBLK|0660, int(dev)); err != nil {
			return newError(CodeMknod, "ensureDeviceNodes", err)
		}
		logger.WithField("node", n.path).Debug("created device node")
	}
	return nil
}

// Stop deactivates the device (§4.4 STOP).
func (dev *Device) Stop() error {
	if err := ctrlRetry(dev, func() error { return dev.ctrl.Stop(dev.Minor) }); err != nil {
		return newError(CodeDevIoc, "Stop", err)
	}
	return nil
}

// Clear forgets the stacked deltas without requiring STOP to have run.
func (dev *Device) Clear() error {
	if err := dev.ctrl.Clear(dev.Minor); err != nil {
		return newError(CodeDevIoc, "Clear", err)
	}
	return nil
}

// Grow extends the device's virtual size (§4.6.3).
func (dev *Device) Grow(newSize uint64) error {
	if err := dev.ctrl.Grow(dev.Minor, newSize); err != nil {
		return newError(CodeDevIoc, "Grow", err)
	}
	return nil
}

// Discard punches a hole for the cluster range [start, end) at the block
// layer, turning a filesystem-level free extent into a real hole in the
// underlying delta (§4.6.4 online shrink).
func (dev *Device) Discard(start, end uint64) error {
	if err := dev.ctrl.Discard(dev.Minor, start, end); err != nil {
		return newError(CodeDevIoc, "Discard", err)
	}
	return nil
}

// Sync flushes dirty driver data to storage.
func (dev *Device) Sync() error {
	if err := dev.ctrl.Sync(dev.Minor); err != nil {
		return newError(CodeDevIoc, "Sync", err)
	}
	return nil
}

// PushSnapshot atomically pushes a fresh empty top delta over the running
// device (§4.6.5 step 4, §4.4 SNAPSHOT).
func (dev *Device) PushSnapshot(top *Delta, syncFS bool) error {
	if err := dev.ctrl.Snapshot(dev.Minor, top.file.Fd(), syncFS); err != nil {
		return newError(CodeDevIoc, "PushSnapshot", err)
	}
	dev.deltaCount++
	return nil
}

// Attrs returns the device's currently readable attributes (§3.4).
func (dev *Device) Attrs() (DeviceAttrs, error) {
	a, err := dev.ctrl.Attrs(dev.Minor)
	if err != nil {
		return DeviceAttrs{}, newError(CodeDevice, "Attrs", err)
	}
	return a, nil
}

// TrackInit turns on write tracking for live-copy (§4.7 step 3) and
// returns the dirty range [start, end) to be bulk-copied first.
func (dev *Device) TrackInit() (start, end uint64, err error) {
	start, end, err = dev.ctrl.TrackInit(dev.Minor)
	if err != nil {
		return 0, 0, newError(CodeDevIoc, "TrackInit", err)
	}
	return start, end, nil
}

// TrackSetPos tells the driver which cluster live-copy is about to read,
// so a concurrent write to it is recorded as dirty again (§4.7 step 5).
func (dev *Device) TrackSetPos(pos uint64) error {
	if err := dev.ctrl.TrackSetPos(dev.Minor, pos); err != nil {
		return newError(CodeDevIoc, "TrackSetPos", err)
	}
	return nil
}

// TrackRead drains the next extent of clusters dirtied since tracking
// began, or since the last TrackRead (§4.7 step 6). ok is false once
// nothing more is pending.
func (dev *Device) TrackRead() (extentStart, extentEnd uint64, ok bool, err error) {
	extentStart, extentEnd, ok, err = dev.ctrl.TrackRead(dev.Minor)
	if err != nil {
		return 0, 0, false, newError(CodeDevIoc, "TrackRead", err)
	}
	return extentStart, extentEnd, ok, nil
}

// TrackStop turns off write tracking at the end of a successful live-copy
// (§4.7 step 11).
func (dev *Device) TrackStop() error {
	if err := dev.ctrl.TrackStop(dev.Minor); err != nil {
		return newError(CodeDevIoc, "TrackStop", err)
	}
	return nil
}

// TrackAbort turns off write tracking on any live-copy failure path
// (§4.7 step 12); callers invoke it unconditionally in cleanup when
// TrackStop was never reached.
func (dev *Device) TrackAbort() error {
	if err := dev.ctrl.TrackAbort(dev.Minor); err != nil {
		return newError(CodeDevIoc, "TrackAbort", err)
	}
	return nil
}

func ctrlRetry(dev *Device, fn func() error) error {
	return retry(BusyRetryPolicy, nil, fn)
}

func (c *Chain) deltasSnapshot() []*Delta {
	out := make([]*Delta, len(c.deltas))
	copy(out, c.deltas)
	return out
}
