package ploop

import "os"

// indexRegionSize returns the number of bytes the L2 index currently
// occupies, from indexRegionCluster to the start of data.
func (d *Delta) indexRegionSize() uint64 {
	return d.header.L1Size() * d.ClusterSize()
}

// backupIndex copies the whole L2 index region into idxPath, a crash
// recovery point for on-disk version conversion (§4.6.9 step 2).
func (d *Delta) backupIndex(idxPath string) error {
	buf := make([]byte, d.indexRegionSize())
	if _, err := d.file.ReadAt(buf, int64(indexRegionCluster)*int64(d.ClusterSize())); err != nil {
		return newError(CodeRead, "backupIndex", err)
	}

	f, err := os.OpenFile(idxPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return newError(CodeCreat, "backupIndex", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return newError(CodeWrite, "backupIndex", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return newError(CodeFsync, "backupIndex", err)
	}
	return f.Close()
}

// restoreIndex overwrites the delta's L2 index region with the contents of
// idxPath, used when a prior conversion was interrupted mid-rewrite.
func (d *Delta) restoreIndex(idxPath string) error {
	buf, err := os.ReadFile(idxPath)
	if err != nil {
		return newError(CodeRead, "restoreIndex", err)
	}
	if _, err := d.file.WriteAt(buf, int64(indexRegionCluster)*int64(d.ClusterSize())); err != nil {
		return newError(CodeWrite, "restoreIndex", err)
	}
	if err := d.file.Sync(); err != nil {
		return newError(CodeFsync, "restoreIndex", err)
	}
	d.l1.invalidate()
	return nil
}

// convertEncoding rewrites every non-hole L2 entry from the delta's current
// on-disk version to target (§4.6.9 step 5). Offsets are decoded under the
// old version before d.version switches, then re-encoded and written under
// the new one; a V1 target that can't represent some offset aborts without
// touching the header, leaving the already-rewritten index clusters to be
// restored from the .idx backup by the caller.
func (d *Delta) convertEncoding(target Version, cancel *CancelFlag) error {
	if d.version == target {
		return nil
	}

	l2Size := d.header.L2Size()
	offsets := make([]uint64, l2Size)
	for c := uint64(0); c < l2Size; c++ {
		off, err := d.translate(c)
		if err != nil {
			return err
		}
		offsets[c] = off
	}

	oldVersion := d.version
	d.version = target
	for c, off := range offsets {
		if off == 0 {
			continue
		}
		if err := checkCancel(cancel); err != nil {
			d.version = oldVersion
			return err
		}
		if err := d.setEntry(uint64(c), off); err != nil {
			d.version = oldVersion
			return err
		}
	}
	if err := d.l1.flush(); err != nil {
		return err
	}
	d.header.Version = target
	return nil
}
