// Package ploop implements the user-space half of a copy-on-write block
// device image format: the on-disk delta layout, the snapshot descriptor,
// the host driver control surface, and the live-copy streaming protocol.
package ploop

import (
	"encoding/binary"
	"fmt"
)

// SectorSize is the fixed unit every offset and length in the format is
// expressed in multiples of.
const SectorSize = 512

// Version is an on-disk delta header version.
type Version uint32

const (
	VersionNone Version = 0
	V1          Version = 1
	V2          Version = 2
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(v))
	}
}

// magicV1 and magicV2 are the fixed 16-byte signatures occupying the first
// bytes of a delta header. They are distinct so a reader can tell the two
// on-disk L2-entry encodings apart before parsing anything else.
var (
	magicV1 = [16]byte{'W', 'i', 't', 'h', 'o', 'u', 't', 'F', 'r', 'e', 'S', 'p', 'a', 'c', 'e', 0}
	magicV2 = [16]byte{'W', 'i', 't', 'h', 'o', 'u', 't', 'F', 'r', 'e', 'S', 'p', 'a', 'c', 'X', 0}
)

// Header flags (§3.1).
const (
	FlagConverting uint32 = 1 << 0 // an .idx sibling holds the pre-conversion L1 block
)

// HeaderSize is the fixed size in bytes of the header sector.
const HeaderSize = SectorSize

// mapOffset is the reserved first slot of the flat L2 array: slot 0 is never
// assigned to a virtual cluster, so virtual cluster c lives at logical slot
// c+mapOffset. The header occupies its own dedicated cluster ahead of the
// index region rather than sharing bytes with slot 0 (see DESIGN.md).
const mapOffset = 1

// Header is the first sector of a delta file.
type Header struct {
	Version          Version
	Size             uint64 // virtual size, in sectors
	Heads            uint32
	Cylinders        uint32
	SectorsPerTrack  uint32
	Blocksize        uint32 // cluster size, in sectors
	FirstBlockOffset uint64 // where cluster #0 lives, in sectors
	Flags            uint32
	DiskInUse        uint32 // dirty bit; 1 while open for write
}

// ClusterSize returns the cluster size in bytes.
func (h *Header) ClusterSize() uint64 {
	return uint64(h.Blocksize) * SectorSize
}

// L2Size returns the number of virtual clusters the index must be able to
// address: ⌈virtual_size / blocksize⌉.
func (h *Header) L2Size() uint64 {
	bs := uint64(h.Blocksize)
	return (h.Size + bs - 1) / bs
}

// L1Size returns the number of clusters occupied by the L2 index itself.
func (h *Header) L1Size() uint64 {
	entries := h.L2Size() + mapOffset
	perCluster := h.ClusterSize() / 4
	return (entries + perCluster - 1) / perCluster
}

func (h *Header) magic() [16]byte {
	if h.Version == V2 {
		return magicV2
	}
	return magicV1
}

// encodeHeader serializes h into a HeaderSize-byte buffer.
func encodeHeader(h *Header) []byte {
	buf := make([]byte, HeaderSize)
	m := h.magic()
	copy(buf[0:16], m[:])
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.Version))
	binary.LittleEndian.PutUint64(buf[20:28], h.Size)
	binary.LittleEndian.PutUint32(buf[28:32], h.Heads)
	binary.LittleEndian.PutUint32(buf[32:36], h.Cylinders)
	binary.LittleEndian.PutUint32(buf[36:40], h.SectorsPerTrack)
	binary.LittleEndian.PutUint32(buf[40:44], h.Blocksize)
	binary.LittleEndian.PutUint64(buf[44:52], h.FirstBlockOffset)
	binary.LittleEndian.PutUint32(buf[52:56], h.Flags)
	binary.LittleEndian.PutUint32(buf[56:60], h.DiskInUse)
	return buf
}

// decodeHeader parses a HeaderSize-byte buffer into a Header.
func decodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, newError(CodeRead, "decodeHeader", fmt.Errorf("short header: %d bytes", len(buf)))
	}

	var version Version
	switch {
	case [16]byte(buf[0:16]) == magicV1:
		version = V1
	case [16]byte(buf[0:16]) == magicV2:
		version = V2
	default:
		return nil, newError(CodeDiskDescr, "decodeHeader", ErrInvalidMagic)
	}

	if Version(binary.LittleEndian.Uint32(buf[16:20])) != version {
		return nil, newError(CodeDiskDescr, "decodeHeader", ErrInvalidMagic)
	}

	h := &Header{
		Version:          version,
		Size:             binary.LittleEndian.Uint64(buf[20:28]),
		Heads:            binary.LittleEndian.Uint32(buf[28:32]),
		Cylinders:        binary.LittleEndian.Uint32(buf[32:36]),
		SectorsPerTrack:  binary.LittleEndian.Uint32(buf[36:40]),
		Blocksize:        binary.LittleEndian.Uint32(buf[40:44]),
		FirstBlockOffset: binary.LittleEndian.Uint64(buf[44:52]),
		Flags:            binary.LittleEndian.Uint32(buf[52:56]),
		DiskInUse:        binary.LittleEndian.Uint32(buf[56:60]),
	}

	return h, nil
}

// encodeL2Entry encodes a data cluster's byte offset per the header's
// version (§3.1). byteOffset of 0 (a hole) always encodes to 0.
func encodeL2Entry(version Version, byteOffset uint64, blocksize uint32) (uint32, error) {
	if byteOffset == 0 {
		return 0, nil
	}
	switch version {
	case V1:
		sectorOff := byteOffset / SectorSize
		if byteOffset%SectorSize != 0 || sectorOff%uint64(blocksize) != 0 {
			return 0, newError(CodeAbort, "encodeL2Entry", ErrCorrupt)
		}
		if sectorOff > 0xFFFFFFFF {
			return 0, newError(CodeAbort, "encodeL2Entry", ErrV1Overflow)
		}
		return uint32(sectorOff), nil
	case V2:
		clusterSize := uint64(blocksize) * SectorSize
		clusterIdx := byteOffset / clusterSize
		if byteOffset%clusterSize != 0 {
			return 0, newError(CodeAbort, "encodeL2Entry", ErrCorrupt)
		}
		if clusterIdx > 0xFFFFFFFF {
			return 0, newError(CodeAbort, "encodeL2Entry", ErrV1Overflow)
		}
		return uint32(clusterIdx), nil
	default:
		return 0, newError(CodeParam, "encodeL2Entry", ErrUnsupportedVersion)
	}
}

// decodeL2Entry reverses encodeL2Entry, returning the data cluster's byte
// offset, or 0 for a hole. It returns ErrCorrupt for a V1 entry that is not
// blocksize-aligned, per the invariant in §3.1.
func decodeL2Entry(version Version, entry uint32, blocksize uint32) (uint64, error) {
	if entry == 0 {
		return 0, nil
	}
	switch version {
	case V1:
		if uint64(entry)%uint64(blocksize) != 0 {
			return 0, newError(CodeAbort, "decodeL2Entry", ErrCorrupt)
		}
		return uint64(entry) * SectorSize, nil
	case V2:
		return uint64(entry) * uint64(blocksize) * SectorSize, nil
	default:
		return 0, newError(CodeParam, "decodeL2Entry", ErrUnsupportedVersion)
	}
}
