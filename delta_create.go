package ploop

import (
	"os"

	"github.com/sirupsen/logrus"
)

// CreateOptions configures a new base delta file (§3.1, §5.1 create).
type CreateOptions struct {
	// Size is the virtual disk size in sectors (required).
	Size uint64

	// Blocksize is the cluster size in sectors. Defaults to 2048 (1MiB
	// clusters), the on-disk format's conventional default.
	Blocksize uint32

	// Version selects the L2-entry encoding. Defaults to V2.
	Version Version

	// Cancel lets a caller interrupt a long preallocated-mode fill.
	Cancel *CancelFlag
}

const defaultBlocksize uint32 = 2048

func (o *CreateOptions) withDefaults() CreateOptions {
	out := *o
	if out.Blocksize == 0 {
		out.Blocksize = defaultBlocksize
	}
	if out.Version == VersionNone {
		out.Version = V2
	}
	return out
}

func buildHeader(opts CreateOptions) *Header {
	l2Size := (opts.Size + uint64(opts.Blocksize) - 1) / uint64(opts.Blocksize)
	entries := l2Size + mapOffset
	perCluster := uint64(opts.Blocksize) * SectorSize / 4
	l1Size := (entries + perCluster - 1) / perCluster

	return &Header{
		Version:          opts.Version,
		Size:             opts.Size,
		Blocksize:        opts.Blocksize,
		FirstBlockOffset: (indexRegionCluster + l1Size) * uint64(opts.Blocksize),
	}
}

// CreateExpandedDelta creates a new EXPANDED delta: header and a fully
// zeroed (all-holes) index, growing on first write to each cluster
// (§3.2, §5.1).
func CreateExpandedDelta(path string, opts CreateOptions) (*Delta, error) {
	if opts.Size == 0 {
		return nil, newError(CodeParam, "CreateExpandedDelta", ErrIOShort)
	}
	opts = opts.withDefaults()
	hdr := buildHeader(opts)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, newError(CodeCreat, "CreateExpandedDelta", err)
	}

	if err := writeEmptyIndexedDelta(f, hdr); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	d, err := OpenDelta(path, 0)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return d, nil
}

// CreatePreallocatedDelta creates a new PREALLOCATED delta: every data
// cluster is allocated and zero-filled up front, so writes never grow the
// file (§3.2, §5.1). The fill loop checks cancel at each cluster.
func CreatePreallocatedDelta(path string, opts CreateOptions) (*Delta, error) {
	if opts.Size == 0 {
		return nil, newError(CodeParam, "CreatePreallocatedDelta", ErrIOShort)
	}
	opts = opts.withDefaults()
	hdr := buildHeader(opts)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, newError(CodeCreat, "CreatePreallocatedDelta", err)
	}

	if err := writeEmptyIndexedDelta(f, hdr); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	clusterSize := hdr.ClusterSize()
	clu := make([]byte, clusterSize)
	n := hdr.L2Size()
	for c := uint64(0); c < n; c++ {
		if err := checkCancel(opts.Cancel); err != nil {
			f.Close()
			os.Remove(path)
			return nil, err
		}
		off := hdr.FirstBlockOffset*SectorSize + c*clusterSize
		if _, err := f.WriteAt(clu, int64(off)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, newError(CodeWrite, "CreatePreallocatedDelta", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, newError(CodeFsync, "CreatePreallocatedDelta", err)
	}

	d, err := OpenDelta(path, 0)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	// Pre-populate every L2 entry so the delta never needs to grow.
	for c := uint64(0); c < n; c++ {
		if err := checkCancel(opts.Cancel); err != nil {
			d.Close()
			return nil, err
		}
		off := hdr.FirstBlockOffset*SectorSize + c*clusterSize
		if err := d.setEntry(c, off); err != nil {
			d.Close()
			return nil, err
		}
	}
	if err := d.Flush(); err != nil {
		d.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{"path": path, "clusters": n}).Debug("preallocated delta filled")
	return d, nil
}

// CreateRawDelta creates a new RAW delta: a flat, sparse image with no
// header or index (§3.2).
func CreateRawDelta(path string, sizeSectors uint64, blocksize uint32) (*Delta, error) {
	if sizeSectors == 0 {
		return nil, newError(CodeParam, "CreateRawDelta", ErrIOShort)
	}
	if blocksize == 0 {
		blocksize = defaultBlocksize
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, newError(CodeCreat, "CreateRawDelta", err)
	}
	if err := f.Truncate(int64(sizeSectors) * SectorSize); err != nil {
		f.Close()
		os.Remove(path)
		return nil, newError(CodeFtruncate, "CreateRawDelta", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, newError(CodeFsync, "CreateRawDelta", err)
	}

	return OpenRawDelta(path, blocksize, sizeSectors, 0)
}

// writeEmptyIndexedDelta writes the header and a fully zeroed index region,
// then truncates the file out to the first data cluster.
func writeEmptyIndexedDelta(f *os.File, hdr *Header) error {
	if _, err := f.WriteAt(encodeHeader(hdr), 0); err != nil {
		return newError(CodeWrite, "writeEmptyIndexedDelta", err)
	}

	clusterSize := hdr.ClusterSize()
	zero := make([]byte, clusterSize)
	l1Size := hdr.L1Size()
	for i := uint64(0); i < l1Size; i++ {
		off := (indexRegionCluster + i) * clusterSize
		if _, err := f.WriteAt(zero, int64(off)); err != nil {
			return newError(CodeWrite, "writeEmptyIndexedDelta", err)
		}
	}

	if err := f.Truncate(int64(hdr.FirstBlockOffset) * SectorSize); err != nil {
		return newError(CodeFtruncate, "writeEmptyIndexedDelta", err)
	}
	if err := f.Sync(); err != nil {
		return newError(CodeFsync, "writeEmptyIndexedDelta", err)
	}
	return nil
}
