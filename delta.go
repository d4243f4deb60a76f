package ploop

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// OpenFlags controls how a delta file is opened.
type OpenFlags int

const (
	// OpenReadOnly opens the delta without write access.
	OpenReadOnly OpenFlags = 1 << iota
	// OpenDirect requests O_DIRECT I/O, bypassing the host page cache.
	// Best-effort: some filesystems (tmpfs, overlayfs) reject O_DIRECT,
	// in which case the open falls back to buffered I/O.
	OpenDirect
)

// indexRegionCluster is the cluster number, within the delta, of the first
// index cluster. Cluster 0 is dedicated entirely to the header; the index
// begins at cluster 1 so index writeback never has to thread around
// header bytes (see DESIGN.md for why this departs from the original's
// overlapping-buffer trick).
const indexRegionCluster = 1

// Delta is an open sparse image file: header, L2 index, data clusters
// (§3.1, §4.1). A raw delta has none of that — it is a flat image and
// pread/pwrite go straight to the file.
type Delta struct {
	mu sync.Mutex

	path     string
	file     *os.File
	readOnly bool
	raw      bool

	header *Header // nil when raw

	blocksize uint32 // cluster size, sectors
	version   Version
	size      uint64 // virtual sectors
	firstBlk  uint64 // sectors; data cluster 0 offset; 0 for raw

	l1 *l1Cache // nil when raw

	allocHead uint64 // next free byte offset for a new data cluster (expanded growth)
}

// Blocksize returns the cluster size in sectors.
func (d *Delta) Blocksize() uint32 { return d.blocksize }

// ClusterSize returns the cluster size in bytes.
func (d *Delta) ClusterSize() uint64 { return uint64(d.blocksize) * SectorSize }

// Size returns the virtual size in sectors.
func (d *Delta) Size() uint64 { return d.size }

// Version returns the on-disk index encoding version (VersionNone if raw).
func (d *Delta) Version() Version { return d.version }

// Path returns the delta's file path.
func (d *Delta) Path() string { return d.path }

// IsRaw reports whether this delta has no index (a flat image).
func (d *Delta) IsRaw() bool { return d.raw }

// ReadOnly reports whether the delta was opened without write access.
func (d *Delta) ReadOnly() bool { return d.readOnly }

func openDeltaFile(path string, flags OpenFlags) (*os.File, error) {
	osFlags := os.O_RDWR
	if flags&OpenReadOnly != 0 {
		osFlags = os.O_RDONLY
	}
	if flags&OpenDirect != 0 {
		osFlags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(path, osFlags, 0)
	if err != nil {
		if flags&OpenDirect != 0 {
			// best-effort: some filesystems reject O_DIRECT
			f, err = os.OpenFile(path, osFlags & ^unix.O_DIRECT, 0)
		}
		if err != nil {
			return nil, newError(CodeOpen, "openDeltaFile", err)
		}
	}
	return f, nil
}

// OpenDelta opens an existing EXPANDED or PREALLOCATED delta, validates
// its header, and marks it dirty (disk_in_use=1) if opened for write
// (§4.1, §3.1 "A delta open for write sets disk_in_use=1 on open").
func OpenDelta(path string, flags OpenFlags) (*Delta, error) {
	f, err := openDeltaFile(path, flags)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, newError(CodeRead, "OpenDelta", err)
	}

	hdr, err := decodeHeader(buf)
	if err != nil {
		f.Close()
		return nil, err
	}

	readOnly := flags&OpenReadOnly != 0
	d := &Delta{
		path:      path,
		file:      f,
		readOnly:  readOnly,
		header:    hdr,
		blocksize: hdr.Blocksize,
		version:   hdr.Version,
		size:      hdr.Size,
		firstBlk:  hdr.FirstBlockOffset,
	}
	d.l1 = newL1Cache(d.writebackIndexCluster)

	if hdr.DiskInUse != 0 {
		logger.WithField("path", path).Warn("delta opened with disk_in_use already set")
	}

	if !readOnly {
		if err := d.SetDirty(true); err != nil {
			f.Close()
			return nil, err
		}
	}

	return d, nil
}

// OpenRawDelta opens a RAW delta: a flat image with no header or index.
// Since raw deltas carry no on-disk metadata, the caller (normally the
// descriptor, which records blocksize/size for the whole image set) must
// supply them.
func OpenRawDelta(path string, blocksize uint32, virtualSectors uint64, flags OpenFlags) (*Delta, error) {
	f, err := openDeltaFile(path, flags)
	if err != nil {
		return nil, err
	}
	return &Delta{
		path:      path,
		file:      f,
		readOnly:  flags&OpenReadOnly != 0,
		raw:       true,
		blocksize: blocksize,
		size:      virtualSectors,
	}, nil
}

// SetHeaderFlags overwrites the header's Flags field and persists it.
func (d *Delta) SetHeaderFlags(flags uint32) error {
	if d.raw {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.header.Flags = flags
	return d.writeHeaderLocked()
}

// SetDirty sets or clears the disk_in_use bit and persists it (§3.1, §4.1).
func (d *Delta) SetDirty(dirty bool) error {
	if d.raw {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	want := uint32(0)
	if dirty {
		want = 1
	}
	if d.header.DiskInUse == want {
		return nil
	}
	d.header.DiskInUse = want
	return d.writeHeaderLocked()
}

func (d *Delta) writeHeaderLocked() error {
	buf := encodeHeader(d.header)
	if _, err := d.file.WriteAt(buf, 0); err != nil {
		return newError(CodeWrite, "writeHeader", err)
	}
	if err := d.file.Sync(); err != nil {
		return newError(CodeFsync, "writeHeader", err)
	}
	return nil
}

// Close flushes the one-slot L1 cache, clears disk_in_use on a clean
// close if the delta was opened for write, and closes the file.
func (d *Delta) Close() error {
	if !d.raw {
		if err := d.l1.flush(); err != nil {
			d.file.Close()
			return err
		}
		if !d.readOnly {
			if err := d.SetDirty(false); err != nil {
				d.file.Close()
				return err
			}
		}
	}
	if err := d.file.Close(); err != nil {
		return newError(CodeSys, "Close", err)
	}
	return nil
}

// slotLocation returns which index cluster (0-based within the index
// region) and which 4-byte slot within it holds the L2 entry for virtual
// cluster c.
func (d *Delta) slotLocation(c uint64) (indexCluster, slotInCluster uint64) {
	slot := c + mapOffset
	perCluster := d.ClusterSize() / 4
	return slot / perCluster, slot % perCluster
}

func (d *Delta) indexClusterOffset(indexCluster uint64) int64 {
	return int64((indexRegionCluster + indexCluster) * d.ClusterSize())
}

// loadIndexCluster returns the raw bytes of index cluster idx, consulting
// the one-slot cache first.
func (d *Delta) loadIndexCluster(idx uint64) ([]byte, error) {
	if data, ok := d.l1.load(idx); ok {
		return data, nil
	}
	buf := make([]byte, d.ClusterSize())
	if _, err := d.file.ReadAt(buf, d.indexClusterOffset(idx)); err != nil && err != io.EOF {
		return nil, newError(CodeRead, "loadIndexCluster", err)
	}
	if err := d.l1.fill(idx, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *Delta) writebackIndexCluster(idx uint64, data []byte) error {
	if _, err := d.file.WriteAt(data, d.indexClusterOffset(idx)); err != nil {
		return newError(CodeWrite, "writebackIndexCluster", err)
	}
	return nil
}

// translate resolves virtual cluster c to a data cluster's byte offset.
// 0 means a hole.
func (d *Delta) translate(c uint64) (uint64, error) {
	if d.raw {
		return c * d.ClusterSize(), nil
	}
	idxCluster, slot := d.slotLocation(c)
	buf, err := d.loadIndexCluster(idxCluster)
	if err != nil {
		return 0, err
	}
	entry := leUint32(buf, slot*4)
	return decodeL2Entry(d.version, entry, d.blocksize)
}

// setEntry writes the L2 entry for virtual cluster c to point at
// byteOffset (0 to clear it to a hole), marking the owning index cluster
// dirty for later writeback/flush.
func (d *Delta) setEntry(c uint64, byteOffset uint64) error {
	idxCluster, slot := d.slotLocation(c)
	buf, err := d.loadIndexCluster(idxCluster)
	if err != nil {
		return err
	}
	entry, err := encodeL2Entry(d.version, byteOffset, d.blocksize)
	if err != nil {
		return err
	}
	putLeUint32(buf, slot*4, entry)
	if err := d.l1.fill(idxCluster, buf); err != nil {
		return err
	}
	d.l1.markDirty(idxCluster)
	return nil
}

// Flush writes back the resident index cluster, if dirty.
func (d *Delta) Flush() error {
	if d.raw {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.l1.flush(); err != nil {
		return err
	}
	return d.file.Sync()
}

// pread reads n bytes starting at the cluster-aligned virtual offset off
// (§4.1: "All offsets must be cluster-aligned and all sizes a multiple of
// a sector"). Holes read as zeroes.
func (d *Delta) pread(off int64, buf []byte) (int, error) {
	if off%int64(d.ClusterSize()) != 0 {
		return 0, newError(CodeParam, "pread", ErrIOShort)
	}
	if len(buf)%SectorSize != 0 {
		return 0, newError(CodeParam, "pread", ErrIOShort)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	clusterSize := int(d.ClusterSize())
	for total < len(buf) {
		c := uint64(off) / d.ClusterSize()
		phys, err := d.translate(c)
		if err != nil {
			return total, err
		}

		chunk := len(buf) - total
		if chunk > clusterSize {
			chunk = clusterSize
		}

		if phys == 0 && !d.raw {
			for i := 0; i < chunk; i++ {
				buf[total+i] = 0
			}
		} else {
			n, err := d.file.ReadAt(buf[total:total+chunk], int64(phys))
			if err != nil && err != io.EOF {
				return total, newError(CodeRead, "pread", err)
			}
			if n < chunk {
				return total + n, newError(CodeRead, "pread", ErrIOShort)
			}
		}

		total += chunk
		off += int64(chunk)
	}
	return total, nil
}

// pwrite writes n bytes starting at the cluster-aligned virtual offset
// off, allocating new data clusters for holes in expanded deltas.
func (d *Delta) pwrite(off int64, buf []byte) (int, error) {
	if d.readOnly {
		return 0, newError(CodeParam, "pwrite", ErrIOShort)
	}
	if off%int64(d.ClusterSize()) != 0 || len(buf)%SectorSize != 0 {
		return 0, newError(CodeParam, "pwrite", ErrIOShort)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	clusterSize := int(d.ClusterSize())
	for total < len(buf) {
		c := uint64(off) / d.ClusterSize()
		chunk := len(buf) - total
		if chunk > clusterSize {
			chunk = clusterSize
		}

		phys, err := d.translate(c)
		if err != nil {
			return total, err
		}
		if phys == 0 && !d.raw {
			phys, err = d.allocateCluster(c)
			if err != nil {
				return total, err
			}
		}

		n, err := d.file.WriteAt(buf[total:total+chunk], int64(phys))
		if err != nil {
			return total, newError(CodeWrite, "pwrite", err)
		}
		if n < chunk {
			return total + n, newError(CodeWrite, "pwrite", ErrIOShort)
		}

		total += chunk
		off += int64(chunk)
	}
	return total, nil
}

// allocateCluster appends a fresh zero-filled data cluster at the end of
// the file and points virtual cluster c at it (expanded growth, §4.1).
func (d *Delta) allocateCluster(c uint64) (uint64, error) {
	info, err := d.file.Stat()
	if err != nil {
		return 0, newError(CodeFstat, "allocateCluster", err)
	}
	off := uint64(info.Size())
	clusterSize := d.ClusterSize()
	if off%clusterSize != 0 {
		off += clusterSize - off%clusterSize
	}

	zero := make([]byte, clusterSize)
	if _, err := d.file.WriteAt(zero, int64(off)); err != nil {
		return 0, newError(CodeWrite, "allocateCluster", err)
	}

	if err := d.setEntry(c, off); err != nil {
		return 0, err
	}

	logger.WithFields(logrus.Fields{"delta": d.path, "cluster": c, "offset": off}).Debug("allocated data cluster")
	return off, nil
}

// DiscardTail punches a hole over every allocated cluster in
// [fromCluster, toCluster) and clears their L2 entries back to holes,
// turning filesystem-level free space at the tail of an offline shrink
// into real freed space in the delta (§4.6.4).
func (d *Delta) DiscardTail(fromCluster, toCluster uint64) error {
	clusterSize := int64(d.ClusterSize())

	if d.raw {
		off := int64(fromCluster) * clusterSize
		length := int64(toCluster-fromCluster) * clusterSize
		if length <= 0 {
			return nil
		}
		if err := unix.Fallocate(int(d.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length); err != nil {
			return newError(CodeSysFS, "DiscardTail", err)
		}
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for c := fromCluster; c < toCluster; c++ {
		phys, err := d.translate(c)
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		if err := unix.Fallocate(int(d.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(phys), clusterSize); err != nil {
			return newError(CodeSysFS, "DiscardTail", err)
		}
		if err := d.setEntry(c, 0); err != nil {
			return err
		}
	}
	return nil
}

func leUint32(buf []byte, off uint64) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}

func putLeUint32(buf []byte, off uint64, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}
