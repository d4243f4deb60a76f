package ploop

import (
	"encoding/binary"
	"io"
)

// liveCopyMarker is the fixed magic every wire frame starts with (§6.1).
// A mismatch on read means the stream is corrupt or desynchronized and is
// always a fatal protocol error, never recoverable by resyncing.
const liveCopyMarker uint32 = 0x504c4f43 // "PLOC"

// frameHeaderSize is the size in bytes of a wire frame's fixed header:
// marker, size, pos.
const frameHeaderSize = 4 + 4 + 8

// writeFrame writes one wire frame (§6.1): marker, size, pos, payload. A
// nil or empty payload writes the end-of-transfer marker (size 0).
func writeFrame(w io.Writer, pos uint64, payload []byte) error {
	hdr := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], liveCopyMarker)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(hdr[8:16], pos)
	if _, err := w.Write(hdr); err != nil {
		return newError(CodeWrite, "writeFrame", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return newError(CodeWrite, "writeFrame", err)
	}
	return nil
}

// frame is one decoded wire frame. end is true for the zero-length
// end-of-transfer marker, in which case payload is nil.
type frame struct {
	pos     uint64
	payload []byte
	end     bool
}

// readFrame reads and validates one wire frame, growing buf (and
// returning the grown slice) when the incoming payload doesn't fit,
// rounding the new capacity up to a 4KiB boundary the way the receiver's
// reusable buffer does (§6.1 receive loop).
func readFrame(r io.Reader, buf []byte) (frame, []byte, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return frame{}, buf, newError(CodeRead, "readFrame", err)
	}

	marker := binary.LittleEndian.Uint32(hdr[0:4])
	if marker != liveCopyMarker {
		return frame{}, buf, newError(CodeProtocol, "readFrame", ErrBadMarker)
	}
	size := binary.LittleEndian.Uint32(hdr[4:8])
	pos := binary.LittleEndian.Uint64(hdr[8:16])

	if size == 0 {
		return frame{pos: pos, end: true}, buf, nil
	}

	if int(size) > len(buf) {
		newCap := (int(size) + 4095) &^ 4095
		buf = make([]byte, newCap)
	}
	payload := buf[:size]
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, buf, newError(CodeRead, "readFrame", err)
	}
	return frame{pos: pos, payload: payload}, buf, nil
}
