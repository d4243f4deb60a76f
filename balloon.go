package ploop

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// openBalloonFile opens (creating if needed) the balloon file under a
// mounted image's filesystem (§3.3, GLOSSARY).
func openBalloonFile(target string) (*os.File, error) {
	path := filepath.Join(target, BalloonFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, newError(CodeOpen, "openBalloonFile", err)
	}
	return f, nil
}

// inflateBalloon grows the balloon file by deltaBytes, falloc'ing real
// clusters rather than just extending its apparent size: the guest
// filesystem must see those clusters as genuinely allocated so it never
// writes into the tail an online shrink is about to discard from the
// image (§4.6.4, mirroring ploop_balloon_change_size's INFLATE mode).
func inflateBalloon(f *os.File, deltaBytes int64) error {
	if deltaBytes <= 0 {
		return nil
	}
	fi, err := f.Stat()
	if err != nil {
		return newError(CodeFstat, "inflateBalloon", err)
	}
	if err := unix.Fallocate(int(f.Fd()), 0, fi.Size(), deltaBytes); err != nil {
		return newError(CodeSysFS, "inflateBalloon", err)
	}
	return nil
}

// deflateBalloon shrinks the balloon file by deltaBytes, punching a hole
// over the tail it releases and truncating it away, handing that space
// back to the guest filesystem after an online grow (DEFLATE mode).
func deflateBalloon(f *os.File, deltaBytes int64) error {
	if deltaBytes <= 0 {
		return nil
	}
	fi, err := f.Stat()
	if err != nil {
		return newError(CodeFstat, "deflateBalloon", err)
	}
	shrinkBy := deltaBytes
	if shrinkBy > fi.Size() {
		shrinkBy = fi.Size()
	}
	newSize := fi.Size() - shrinkBy
	if newSize < fi.Size() {
		if err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, newSize, shrinkBy); err != nil {
			return newError(CodeSysFS, "deflateBalloon", err)
		}
	}
	if err := f.Truncate(newSize); err != nil {
		return newError(CodeFtruncate, "deflateBalloon", err)
	}
	return nil
}
