package ploop

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// MountRequest parameters the lifecycle Mount operation (§4.6.2).
type MountRequest struct {
	DescPath string
	GUID     string // snapshot to mount; "" means desc.TopGUID
	Target   string // mountpoint; "" mounts the device but not a filesystem
	ReadOnly bool
	Fsck     bool
	Quota    bool
	Format   DeltaFormat
}

// MountedImage is a running device plus the chain and (optional)
// filesystem mount backing it, returned by Engine.Mount and consumed by
// Engine.Unmount.
type MountedImage struct {
	Device *Device
	Chain  *Chain
	Target string
}

// Mount implements §4.6.2: resolve the target snapshot, refuse a
// read-write mount of a snapshot with children, build and validate the
// chain, start the device, and optionally mount a filesystem on it. Any
// failure after START stops the device before returning.
func (e *Engine) Mount(req MountRequest) (*MountedImage, error) {
	var mounted *MountedImage

	err := e.withLock(req.DescPath, func(desc *Descriptor) error {
		guid := req.GUID
		if guid == "" {
			guid = desc.TopGUID
		}

		if !req.ReadOnly {
			if _, ok := desc.FindSnapshotByGUID(guid); !ok {
				return newError(CodeDiskDescr, "Mount", ErrUnknownGUID)
			}
			if desc.ChildCount(guid) > 0 {
				return newError(CodeParam, "Mount", ErrHasChildren)
			}
		}

		relPaths, err := desc.ImagesList(guid, false)
		if err != nil {
			return err
		}
		paths := make([]string, len(relPaths))
		for i, p := range relPaths {
			paths[i] = abs(desc.Dir(), p)
		}

		flags := OpenFlags(0)
		if req.ReadOnly {
			flags = OpenReadOnly
		}
		chain, err := OpenChain(paths, flags)
		if err != nil {
			return err
		}

		dev, err := StartDevice(e.Ctrl, chain, req.Format)
		if err != nil {
			chain.Close()
			return err
		}

		if req.Target != "" {
			if err := MountFS(e.Commander, MountOptions{
				Device:   deviceNodePath(dev.Minor),
				Target:   req.Target,
				ReadOnly: req.ReadOnly,
				Fsck:     req.Fsck,
				Quota:    req.Quota,
			}); err != nil {
				dev.Stop()
				chain.Close()
				return err
			}
		}

		mounted = &MountedImage{Device: dev, Chain: chain, Target: req.Target}
		logger.WithFields(logrus.Fields{"guid": guid, "minor": dev.Minor}).Debug("image mounted")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mounted, nil
}

// Unmount reverses Mount: unmount the filesystem if one was mounted,
// stop the device, close the chain.
func (e *Engine) Unmount(m *MountedImage) error {
	if m.Target != "" {
		if err := UmountFS(m.Target); err != nil {
			return err
		}
	}
	if err := m.Device.Stop(); err != nil {
		return err
	}
	return m.Chain.Close()
}

func deviceNodePath(minor int) string {
	return fmt.Sprintf("/dev/ploop%d", minor)
}
