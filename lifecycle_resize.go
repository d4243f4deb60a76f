package ploop

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// GrowRequest parameters the lifecycle Grow operation (§4.6.3).
type GrowRequest struct {
	DescPath string
	NewSize  uint64 // sectors
	Mounted  *MountedImage // nil if offline
}

// Grow implements §4.6.3: validate new_size against the version's
// addressable maximum, then either issue a device GROW (rounded to a
// cluster) if mounted, or grow the top delta in place offline.
func (e *Engine) Grow(req GrowRequest) error {
	return e.withLock(req.DescPath, func(desc *Descriptor) error {
		if req.NewSize < desc.Size {
			return newError(CodeParam, "Grow", ErrShrinkBelowUsed)
		}
		if req.NewSize == desc.Size {
			return nil
		}
		max := maxSectorsForVersion(desc.Version, desc.Blocksize)
		if req.NewSize > max {
			return newError(CodeParam, "Grow", ErrV1Overflow)
		}

		rounded := roundUpSectors(req.NewSize, desc.Blocksize)

		if req.Mounted != nil {
			if err := req.Mounted.Device.Grow(rounded); err != nil {
				return err
			}
		} else {
			top, _ := desc.TopImage()
			path := abs(desc.Dir(), top.File)
			d, err := OpenDelta(path, 0)
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Grow(rounded); err != nil {
				return err
			}
		}

		desc.Size = rounded
		if err := desc.StoreAtomic(); err != nil {
			desc.Abort()
			return err
		}

		logger.WithFields(logrus.Fields{"desc": req.DescPath, "newSize": rounded}).Debug("image grown")
		return nil
	})
}

// ResizeFSRequest parameters the lifecycle Resize operation (§4.6.4),
// which orchestrates filesystem-level resize (growing or shrinking the
// guest filesystem) and, for a shrink, discards the tail the filesystem
// no longer uses.
type ResizeFSRequest struct {
	DescPath string
	NewSize  uint64 // sectors
	Mounted  *MountedImage
}

// ResizeFS implements §4.6.4. The mounted case orchestrates the balloon
// file and the live filesystem resize: shrinking first inflates the
// balloon to reserve the tail being given back (so the guest filesystem
// never writes into it), then discards that tail from the device and
// shrinks it; growing grows the device first, then deflates the balloon
// to hand the new space back to the guest filesystem, mirroring
// ploop_resize_image's balloon dance. The offline case runs e2fsck and
// resize2fs, then discards (Expanded/Preallocated) or truncates (Raw) the
// now-unused tail.
func (e *Engine) ResizeFS(cmd Commander, req ResizeFSRequest) error {
	return e.withLock(req.DescPath, func(desc *Descriptor) error {
		if cmd == nil {
			cmd = DefaultCommander
		}

		if req.Mounted != nil {
			return e.resizeMounted(cmd, req, desc)
		}
		return e.resizeOffline(cmd, req, desc)
	})
}

func (e *Engine) resizeMounted(cmd Commander, req ResizeFSRequest, desc *Descriptor) error {
	devPath := deviceNodePath(req.Mounted.Device.Minor)
	partDev := partitionDeviceName(devPath)
	rounded := roundUpSectors(req.NewSize, desc.Blocksize)

	switch {
	case req.NewSize < desc.Size:
		deltaBytes := int64(desc.Size-req.NewSize) * SectorSize
		if req.Mounted.Target != "" {
			if err := withBalloonFile(req.Mounted.Target, func(f *os.File) error {
				return inflateBalloon(f, deltaBytes)
			}); err != nil {
				return err
			}
		}
		if err := cmd.Run("resize2fs", partDev); err != nil {
			return newError(CodeFsck, "ResizeFS", err)
		}
		fromCluster := rounded / uint64(desc.Blocksize)
		toCluster := roundUpSectors(desc.Size, desc.Blocksize) / uint64(desc.Blocksize)
		if err := req.Mounted.Device.Discard(fromCluster, toCluster); err != nil {
			return err
		}
		if err := req.Mounted.Device.Grow(rounded); err != nil {
			return err
		}

	case req.NewSize > desc.Size:
		if err := req.Mounted.Device.Grow(rounded); err != nil {
			return err
		}
		if err := cmd.Run("resize2fs", partDev); err != nil {
			return newError(CodeFsck, "ResizeFS", err)
		}
		deltaBytes := int64(req.NewSize-desc.Size) * SectorSize
		if req.Mounted.Target != "" {
			if err := withBalloonFile(req.Mounted.Target, func(f *os.File) error {
				return deflateBalloon(f, deltaBytes)
			}); err != nil {
				return err
			}
		}
	}

	desc.Size = req.NewSize
	return commitDescriptor(desc)
}

func (e *Engine) resizeOffline(cmd Commander, req ResizeFSRequest, desc *Descriptor) error {
	top, _ := desc.TopImage()
	path := abs(desc.Dir(), top.File)

	if err := cmd.Run("e2fsck", "-fp", path); err != nil {
		return newError(CodeFsck, "ResizeFS", err)
	}
	if err := cmd.Run("resize2fs", path, sectorsToBlocks(req.NewSize)); err != nil {
		return newError(CodeFsck, "ResizeFS", err)
	}

	rounded := roundUpSectors(req.NewSize, desc.Blocksize)
	switch desc.Mode {
	case ModeRaw:
		d, err := OpenRawDelta(path, desc.Blocksize, desc.Size, 0)
		if err != nil {
			return err
		}
		if req.NewSize < desc.Size {
			fromCluster := rounded / uint64(desc.Blocksize)
			toCluster := roundUpSectors(desc.Size, desc.Blocksize) / uint64(desc.Blocksize)
			if err := d.DiscardTail(fromCluster, toCluster); err != nil {
				d.Close()
				return err
			}
		}
		newBytes := rounded * SectorSize
		if err := d.file.Truncate(int64(newBytes)); err != nil {
			d.Close()
			return newError(CodeFtruncate, "ResizeFS", err)
		}
		d.Close()
	default:
		if req.NewSize < desc.Size {
			d, err := OpenDelta(path, 0)
			if err != nil {
				return err
			}
			fromCluster := rounded / uint64(desc.Blocksize)
			toCluster := roundUpSectors(desc.Size, desc.Blocksize) / uint64(desc.Blocksize)
			err = d.DiscardTail(fromCluster, toCluster)
			d.Close()
			if err != nil {
				return err
			}
		}
	}

	desc.Size = req.NewSize
	return commitDescriptor(desc)
}

// withBalloonFile opens the balloon file, runs fn, and always closes it.
func withBalloonFile(target string, fn func(f *os.File) error) error {
	f, err := openBalloonFile(target)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

func commitDescriptor(desc *Descriptor) error {
	if err := desc.StoreAtomic(); err != nil {
		desc.Abort()
		return err
	}
	return nil
}

func sectorsToBlocks(sectors uint64) string {
	kb := sectors * SectorSize / 1024
	return strconv.FormatUint(kb, 10) + "K"
}
