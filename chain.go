package ploop

import (
	"os"

	"golang.org/x/sys/unix"
)

// Chain is the ordered sequence of deltas composing one disk, base first
// and top last (§3.2, §4.2). Reads resolve top-down: the topmost delta
// whose L2 slot is non-zero wins; a cluster untouched by any delta reads
// as zeroes.
type Chain struct {
	deltas []*Delta
}

// OpenChain opens every delta named by paths, base first, validating them
// with checkDeltas (§4.2 "Preconditions checked before mounting"), and
// returns the assembled Chain. On any failure already-opened deltas are
// closed.
func OpenChain(paths []string, flags OpenFlags) (*Chain, error) {
	if len(paths) == 0 {
		return nil, newError(CodeParam, "OpenChain", ErrInconsistentChain)
	}

	if converting, err := peekConverting(paths[0]); err != nil {
		return nil, err
	} else if converting {
		if err := recoverAllWritable(paths); err != nil {
			return nil, err
		}
	}

	deltas := make([]*Delta, 0, len(paths))
	for i, p := range paths {
		f := flags
		if i < len(paths)-1 {
			// every delta but the top is immutable within the chain
			f |= OpenReadOnly
		}
		d, err := OpenDelta(p, f)
		if err != nil {
			closeAll(deltas)
			return nil, err
		}
		deltas = append(deltas, d)
	}

	c := &Chain{deltas: deltas}
	if err := c.checkDeltas(); err != nil {
		closeAll(deltas)
		return nil, err
	}
	return c, nil
}

// peekConverting reports whether the base delta at path is mid version
// conversion, by opening it read-only just long enough to read its header.
func peekConverting(path string) (bool, error) {
	d, err := OpenDelta(path, OpenReadOnly)
	if err != nil {
		return false, err
	}
	defer d.Close()
	return d.header.Flags&FlagConverting != 0, nil
}

// recoverAllWritable reopens every delta in the chain writable, restores
// any mid-conversion index from its `.idx` backup, and closes them again
// before the caller's normal (read-only-except-top) open proceeds.
func recoverAllWritable(paths []string) error {
	deltas := make([]*Delta, 0, len(paths))
	defer func() { closeAll(deltas) }()

	for _, p := range paths {
		d, err := OpenDelta(p, 0)
		if err != nil {
			return err
		}
		deltas = append(deltas, d)
	}
	return recoverConversion(deltas)
}

func closeAll(deltas []*Delta) {
	for _, d := range deltas {
		d.Close()
	}
}

// ChainPaths walks parent links in a descriptor from guid to the root,
// returning delta filenames in base→top order (§4.2). Fails with
// ErrInconsistentChain if the walk does not terminate at the root within
// |images| steps.
func ChainPaths(desc *Descriptor, guid string) ([]string, error) {
	var reversed []string
	seen := 0
	max := len(desc.Images)

	cur := guid
	for {
		seen++
		if seen > max {
			return nil, newError(CodeDiskDescr, "ChainPaths", ErrInconsistentChain)
		}

		imgGUID := cur
		if cur == desc.TopGUID {
			imgGUID = TopUUID
		}
		img, ok := desc.imageByGUID(imgGUID)
		if !ok {
			return nil, newError(CodeDiskDescr, "ChainPaths", ErrUnknownGUID)
		}
		reversed = append(reversed, img.File)

		snap, ok := desc.snapshotByGUID(cur)
		if !ok {
			return nil, newError(CodeDiskDescr, "ChainPaths", ErrUnknownGUID)
		}
		if snap.ParentGUID == NoneGUID {
			break
		}
		cur = snap.ParentGUID
	}

	paths := make([]string, len(reversed))
	for i, p := range reversed {
		paths[len(reversed)-1-i] = p
	}
	return paths, nil
}

// checkDeltas validates the preconditions §4.2 requires before mounting:
// every delta's blocksize agrees, the version is consistent across the
// chain (no mixing V1 and V2), and the base supports the extents check
// gated by the environment escape hatch.
func (c *Chain) checkDeltas() error {
	if len(c.deltas) == 0 {
		return nil
	}

	base := c.deltas[0]
	blocksize := base.Blocksize()
	var version Version
	sawVersion := false

	for _, d := range c.deltas {
		if d.IsRaw() {
			continue
		}
		if d.Blocksize() != blocksize {
			return newError(CodeDiskDescr, "checkDeltas", ErrCorrupt)
		}
		if !sawVersion {
			version = d.Version()
			sawVersion = true
		} else if d.Version() != version {
			return newError(CodeDiskDescr, "checkDeltas", ErrMixedVersions)
		}
		// a writable delta carries disk_in_use from OpenDelta itself, so
		// only read-only deltas can be judged dirty here
		if d.readOnly && d.header.DiskInUse != 0 {
			return newError(CodeDiskDescr, "checkDeltas", ErrDirty)
		}
	}

	if !base.IsRaw() && !skipExtentsCheck() {
		if err := checkBaseExtents(base.Path()); err != nil {
			return err
		}
	}

	return nil
}

// fsExtentFl is FS_EXTENT_FL (linux/fs.h), the inode attribute bit
// FS_IOC_GETFLAGS reports when a file's extents are ext4 extent-mapped
// rather than indirect-block-mapped. golang.org/x/sys/unix exports the
// ioctl request number but not this flag bit.
const fsExtentFl = 0x00080000

// checkBaseExtents verifies the base delta's file is ext4 extent-mapped
// (§4.2, §4.5), the same FS_IOC_GETFLAGS probe check_mount_restrictions
// runs against the base image before mount. PLOOP_SKIP_EXT4_EXTENTS_CHECK
// bypasses this (checkDeltas's caller gates on skipExtentsCheck).
func checkBaseExtents(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return newError(CodeFstat, "checkBaseExtents", err)
	}
	defer f.Close()

	flags, err := unix.IoctlGetInt(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		return newError(CodeFstat, "checkBaseExtents", err)
	}
	if flags&fsExtentFl == 0 {
		return newError(CodeFsck, "checkBaseExtents", ErrNoExtents)
	}
	return nil
}

// Top returns the topmost (writable) delta.
func (c *Chain) Top() *Delta { return c.deltas[len(c.deltas)-1] }

// Base returns the bottommost (read-only) delta.
func (c *Chain) Base() *Delta { return c.deltas[0] }

// Blocksize returns the chain's cluster size in sectors.
func (c *Chain) Blocksize() uint32 { return c.Base().Blocksize() }

// Close closes every delta in the chain, top to base, and returns the
// first error encountered.
func (c *Chain) Close() error {
	var first error
	for i := len(c.deltas) - 1; i >= 0; i-- {
		if err := c.deltas[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// resolveCluster walks the chain top-down and returns the delta owning
// virtual cluster c, or nil if none does (a hole all the way down).
func (c *Chain) resolveCluster(cluster uint64) (*Delta, uint64, error) {
	for i := len(c.deltas) - 1; i >= 0; i-- {
		d := c.deltas[i]
		phys, err := d.translate(cluster)
		if err != nil {
			return nil, 0, err
		}
		if phys != 0 || d.IsRaw() {
			return d, phys, nil
		}
	}
	return nil, 0, nil
}

// Read reads n bytes starting at the cluster-aligned virtual offset off,
// resolving each cluster against the chain.
func (c *Chain) Read(buf []byte, off int64) (int, error) {
	clusterSize := int64(c.Blocksize()) * SectorSize
	if off%clusterSize != 0 || len(buf)%SectorSize != 0 {
		return 0, newError(CodeParam, "Read", ErrIOShort)
	}

	total := 0
	for total < len(buf) {
		chunk := len(buf) - total
		if int64(chunk) > clusterSize {
			chunk = int(clusterSize)
		}
		clusterIdx := uint64(off+int64(total)) / uint64(clusterSize)

		owner, phys, err := c.resolveCluster(clusterIdx)
		if err != nil {
			return total, err
		}
		if owner == nil {
			for i := 0; i < chunk; i++ {
				buf[total+i] = 0
			}
		} else if _, err := owner.file.ReadAt(buf[total:total+chunk], int64(phys)); err != nil {
			return total, newError(CodeRead, "Read", err)
		}
		total += chunk
	}
	return total, nil
}

// Write writes n bytes to the top delta starting at the cluster-aligned
// virtual offset off. Only the top delta is ever written through a chain.
func (c *Chain) Write(buf []byte, off int64) (int, error) {
	return c.Top().pwrite(off, buf)
}
