package ploop

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Receive implements the live-copy receiver (§4.7): reads wire frames from
// in and writes each payload at its pos into a freshly created dst,
// stopping cleanly on the zero-length end-of-transfer frame. dst must not
// already exist; any error unlinks it rather than leaving a partial image
// behind.
func Receive(in io.Reader, dst string) error {
	if f, ok := in.(*os.File); ok && isTTY(f) {
		return newError(CodeParam, "Receive", ErrTTYInput)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return newError(CodeCreat, "Receive", err)
	}

	frames, err := receiveLoop(in, out)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}

	if err := out.Sync(); err != nil {
		os.Remove(dst)
		return newError(CodeFsync, "Receive", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return newError(CodeSys, "Receive", err)
	}

	logger.WithFields(logrus.Fields{"dst": dst, "frames": frames}).Debug("live-copy receive complete")
	return nil
}

func receiveLoop(in io.Reader, out *os.File) (int, error) {
	var buf []byte
	frames := 0
	for {
		f, grown, err := readFrame(in, buf)
		buf = grown
		if err != nil {
			return frames, err
		}
		if f.end {
			return frames, nil
		}
		if _, err := out.WriteAt(f.payload, int64(f.pos)); err != nil {
			return frames, newError(CodeWrite, "receiveLoop", err)
		}
		frames++
	}
}

func isTTY(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}
