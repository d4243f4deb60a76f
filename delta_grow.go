package ploop

import (
	"github.com/sirupsen/logrus"
)

// Grow extends an indexed delta's virtual size in place (§4.6.3 offline
// path: "file grows, L1 extends, new L2 slots initialised as holes").
// When the larger index needs more index clusters than are currently
// reserved, the whole data region is shifted forward to make room and
// every live L2 entry is rewritten to point at its new location.
func (d *Delta) Grow(newSectors uint64) error {
	if d.raw {
		return d.growRaw(newSectors)
	}
	if newSectors < d.size {
		return newError(CodeParam, "Grow", ErrShrinkBelowUsed)
	}
	if newSectors == d.size {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	clusterSize := d.ClusterSize()
	perCluster := clusterSize / 4
	oldL1Size := d.header.L1Size()

	newL2Size := (newSectors + uint64(d.blocksize) - 1) / uint64(d.blocksize)
	newEntries := newL2Size + mapOffset
	newL1Size := (newEntries + perCluster - 1) / perCluster

	if newL1Size > oldL1Size {
		if err := d.relocateForGrowth(oldL1Size, newL1Size); err != nil {
			return err
		}
	}

	d.header.Size = newSectors
	d.size = newSectors
	if err := d.writeHeaderLocked(); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{"delta": d.path, "newSize": newSectors}).Debug("delta grown")
	return nil
}

// relocateForGrowth shifts every data cluster forward by (newL1Size -
// oldL1Size) clusters, zero-fills the newly inserted index clusters, and
// rewrites every live L2 entry to its new offset. Clusters are moved from
// the highest offset down so source and destination ranges never
// overlap destructively.
func (d *Delta) relocateForGrowth(oldL1Size, newL1Size uint64) error {
	clusterSize := d.ClusterSize()
	shift := (newL1Size - oldL1Size) * clusterSize

	info, err := d.file.Stat()
	if err != nil {
		return newError(CodeFstat, "relocateForGrowth", err)
	}
	oldEOF := uint64(info.Size())
	dataStart := d.header.FirstBlockOffset * SectorSize

	if err := d.file.Truncate(int64(oldEOF + shift)); err != nil {
		return newError(CodeFtruncate, "relocateForGrowth", err)
	}

	buf := make([]byte, clusterSize)
	for off := oldEOF; off > dataStart; off -= clusterSize {
		src := off - clusterSize
		if _, err := d.file.ReadAt(buf, int64(src)); err != nil {
			return newError(CodeRead, "relocateForGrowth", err)
		}
		if _, err := d.file.WriteAt(buf, int64(src+shift)); err != nil {
			return newError(CodeWrite, "relocateForGrowth", err)
		}
	}

	d.l1.invalidate()
	zero := make([]byte, clusterSize)
	for i := oldL1Size; i < newL1Size; i++ {
		off := d.indexClusterOffset(i)
		if _, err := d.file.WriteAt(zero, off); err != nil {
			return newError(CodeWrite, "relocateForGrowth", err)
		}
	}

	oldL2Size := d.header.L2Size()
	for c := uint64(0); c < oldL2Size; c++ {
		phys, err := d.translate(c)
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		if err := d.setEntry(c, phys+shift); err != nil {
			return err
		}
	}
	if err := d.l1.flush(); err != nil {
		return err
	}

	d.header.FirstBlockOffset += (newL1Size - oldL1Size) * uint64(d.blocksize)
	return nil
}

// growRaw extends a raw delta by truncating it to the new sector count;
// the newly added range reads as zeroes since the filesystem leaves it a
// sparse hole.
func (d *Delta) growRaw(newSectors uint64) error {
	if newSectors < d.size {
		return newError(CodeParam, "growRaw", ErrShrinkBelowUsed)
	}
	if newSectors == d.size {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Truncate(int64(newSectors) * SectorSize); err != nil {
		return newError(CodeFtruncate, "growRaw", err)
	}
	d.size = newSectors
	return nil
}
