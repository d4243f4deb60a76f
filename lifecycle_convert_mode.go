package ploop

import (
	"os"

	"github.com/sirupsen/logrus"
)

// ConvertModeRequest parameters the lifecycle ConvertMode operation
// (§4.6.8). Conversion only applies to a single-image disk (no snapshot
// history to flatten).
type ConvertModeRequest struct {
	DescPath   string
	TargetMode Mode
}

// ConvertMode implements §4.6.8: Expanded→RAW streams every logical
// cluster (zero for holes) sequentially into a fresh file; Expanded→
// Preallocated walks the existing delta in place, filling every hole with
// an allocated, zeroed cluster. The RAW rewrite lands in a `.tmp` sibling,
// fsynced and renamed over the original. Either way the descriptor's mode
// is committed by its own rename only after the data conversion succeeds.
func (e *Engine) ConvertMode(req ConvertModeRequest) error {
	return e.withLock(req.DescPath, func(desc *Descriptor) error {
		if len(desc.Snapshots) != 1 {
			return newError(CodeParam, "ConvertMode", ErrHasChildren)
		}
		if desc.Mode == req.TargetMode {
			return nil
		}

		top, _ := desc.TopImage()
		path := abs(desc.Dir(), top.File)

		switch {
		case desc.Mode == ModeExpanded && req.TargetMode == ModeRaw:
			if err := e.convertExpandedToRaw(desc, path); err != nil {
				return err
			}
		case desc.Mode == ModeExpanded && req.TargetMode == ModePreallocated:
			if err := e.convertExpandedToPreallocated(path); err != nil {
				return err
			}
		default:
			return newError(CodeParam, "ConvertMode", ErrUnsupportedMode)
		}

		desc.Mode = req.TargetMode
		if err := desc.StoreAtomic(); err != nil {
			desc.Abort()
			return err
		}
		logger.WithFields(logrus.Fields{"desc": req.DescPath, "mode": req.TargetMode}).Debug("mode converted")
		return nil
	})
}

func (e *Engine) convertExpandedToRaw(desc *Descriptor, path string) error {
	src, err := OpenDelta(path, OpenReadOnly|OpenDirect)
	if err != nil {
		return err
	}
	defer src.Close()

	tmpPath := path + ".tmp"
	clusterSize := src.ClusterSize()
	l2Size := src.header.L2Size()

	dst, err := CreateRawDelta(tmpPath, src.Size(), src.Blocksize())
	if err != nil {
		return err
	}

	buf := make([]byte, clusterSize)
	for c := uint64(0); c < l2Size; c++ {
		if err := checkCancel(e.Cancel); err != nil {
			dst.Close()
			os.Remove(tmpPath)
			return err
		}
		phys, err := src.translate(c)
		if err != nil {
			dst.Close()
			os.Remove(tmpPath)
			return err
		}
		if phys == 0 {
			for i := range buf {
				buf[i] = 0
			}
		} else if _, err := src.file.ReadAt(buf, int64(phys)); err != nil {
			dst.Close()
			os.Remove(tmpPath)
			return newError(CodeRead, "convertExpandedToRaw", err)
		}
		if _, err := dst.file.WriteAt(buf, int64(c*clusterSize)); err != nil {
			dst.Close()
			os.Remove(tmpPath)
			return newError(CodeWrite, "convertExpandedToRaw", err)
		}
	}

	if err := dst.file.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return newError(CodeFsync, "convertExpandedToRaw", err)
	}
	dst.Close()
	src.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return newError(CodeRename, "convertExpandedToRaw", err)
	}
	return nil
}

func (e *Engine) convertExpandedToPreallocated(path string) error {
	d, err := OpenDelta(path, 0)
	if err != nil {
		return err
	}
	defer d.Close()

	l2Size := d.header.L2Size()
	for c := uint64(0); c < l2Size; c++ {
		if err := checkCancel(e.Cancel); err != nil {
			return err
		}
		phys, err := d.translate(c)
		if err != nil {
			return err
		}
		if phys != 0 {
			continue
		}
		if _, err := d.allocateCluster(c); err != nil {
			return err
		}
	}
	return d.Flush()
}
