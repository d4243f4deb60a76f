package ploop

import (
	"io"

	"github.com/sirupsen/logrus"
)

// maxDrainIterations bounds the iterative drain of §4.7 step 6: after this
// many rounds with no convergence the non-convergence guard fires.
const maxDrainIterations = 10

// maxFrozenIterations is the tighter bound on the frozen drain (§4.7 step
// 9): with writers quiesced, anything still dirtying clusters after this
// many rounds means freeze itself did not hold.
const maxFrozenIterations = 2

// FlushFunc runs the caller's flush command between the iterative and
// frozen drain phases (§4.7 step 7), e.g. telling a guest agent to quiesce.
type FlushFunc func() error

// SendOptions parameterize Send (§4.7).
type SendOptions struct {
	Mounted  *MountedImage
	Out      io.Writer
	FlushCmd FlushFunc
	IsPipe   bool
	Cancel   *CancelFlag
}

// Send streams a running device's full contents plus every cluster
// dirtied while streaming to Out, following the three-phase live-copy
// algorithm of §4.7: a bulk copy of the tracked dirty range, an iterative
// drain while the guest keeps running, a frozen drain once writers are
// quiesced, and a final zero-length end-of-transfer frame.
func Send(opts SendOptions) error {
	dev := opts.Mounted.Device
	chain := opts.Mounted.Chain

	clusterSize := int64(chain.Blocksize()) * SectorSize

	if err := dev.Sync(); err != nil {
		return err
	}

	start, end, err := dev.TrackInit()
	if err != nil {
		return err
	}

	top, err := OpenDelta(chain.Top().Path(), OpenReadOnly|OpenDirect)
	if err != nil {
		return err
	}
	defer top.Close()

	stopped := false
	defer func() {
		if !stopped {
			dev.TrackAbort()
		}
	}()

	buf := make([]byte, clusterSize)
	var sent uint64

	for pos := start; pos < end; pos++ {
		if err := checkCancel(opts.Cancel); err != nil {
			return err
		}
		if err := dev.TrackSetPos(pos); err != nil {
			return err
		}
		if err := sendCluster(top, opts.Out, pos, buf, clusterSize); err != nil {
			return err
		}
		sent++
	}

	if _, err := drain(dev, top, opts.Out, buf, clusterSize, maxDrainIterations, end, opts.Cancel); err != nil {
		return err
	}

	if opts.FlushCmd != nil {
		if err := opts.FlushCmd(); err != nil {
			return err
		}
	}

	target := opts.Mounted.Target
	if target != "" {
		if err := syncfsTarget(target); err != nil {
			return err
		}
		if err := freezeFS(target); err != nil {
			return err
		}
	}
	if err := dev.Sync(); err != nil {
		if target != "" {
			thawFS(target)
		}
		return err
	}

	frozenIters, err := drain(dev, top, opts.Out, buf, clusterSize, maxFrozenIterations+1, 0, opts.Cancel)
	if target != "" {
		thawFS(target)
	}
	if err != nil {
		return err
	}
	if frozenIters > maxFrozenIterations {
		return newError(CodeLoop, "Send", ErrNotConverging)
	}

	if top.Version() == V1 {
		if err := sendClearedFirstSector(top, opts.Out); err != nil {
			return err
		}
	}

	if err := dev.TrackStop(); err != nil {
		return err
	}
	stopped = true

	if err := writeFrame(opts.Out, 0, nil); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{"clusters": sent}).Debug("live-copy send complete")
	return nil
}

// sendCluster reads one cluster from the top delta (zeroing a hole) and
// writes it as a wire frame at its byte offset.
func sendCluster(top *Delta, out io.Writer, cluster uint64, buf []byte, clusterSize int64) error {
	phys, err := top.translate(cluster)
	if err != nil {
		return err
	}
	if phys == 0 {
		for i := range buf {
			buf[i] = 0
		}
	} else if _, err := top.file.ReadAt(buf, int64(phys)); err != nil {
		return newError(CodeRead, "sendCluster", err)
	}
	return writeFrame(out, uint64(cluster)*uint64(clusterSize), buf)
}

// drain runs TRACK_READ in a loop, sending every extent it returns, until
// either the driver reports nothing left (ok == false) or maxIterations is
// reached. guardBytes, when nonzero, triggers the non-convergence guard of
// §4.7 step 6: once at least one overlapping extent has been counted and
// total bytes sent since the bulk copy exceed the original dirty range,
// the loop counts one more iteration and stops.
// It returns the number of iterations actually performed.
func drain(dev *Device, top *Delta, out io.Writer, buf []byte, clusterSize int64, maxIterations int, guardBytes uint64, cancel *CancelFlag) (int, error) {
	var highWater uint64
	var totalClusters uint64
	// iterations mirrors the original's iter, which counts the first pass
	// as iteration 1: a second overlapping extent then pushes it to 2, a
	// third to 3, so "more than 2 iterations" (§4.7 step 9) fires on the
	// third overlapping extent, not the fourth.
	iterations := 1

	for iterations < maxIterations {
		extentStart, extentEnd, ok, err := dev.TrackRead()
		if err != nil {
			return iterations, err
		}
		if !ok {
			return iterations, nil
		}
		if extentStart < highWater {
			iterations++
		}
		highWater = extentEnd

		for pos := extentStart; pos < extentEnd; pos++ {
			if err := checkCancel(cancel); err != nil {
				return iterations, err
			}
			if err := dev.TrackSetPos(pos); err != nil {
				return iterations, err
			}
			if err := sendCluster(top, out, pos, buf, clusterSize); err != nil {
				return iterations, err
			}
			totalClusters++
		}

		if guardBytes != 0 && iterations > 1 && totalClusters*uint64(clusterSize) > guardBytes*uint64(clusterSize) {
			iterations++
			break
		}
	}
	return iterations, nil
}

// sendClearedFirstSector re-sends the first sector of a v1 delta with its
// disk_in_use bit cleared, the final write of a v1 live-copy (§4.7 step
// 10): the receiving side must land with a clean header, never the dirty
// one the source carried while streaming.
func sendClearedFirstSector(top *Delta, out io.Writer) error {
	hdr := *top.header
	hdr.DiskInUse = 0
	sector := encodeHeader(&hdr)
	return writeFrame(out, 0, sector)
}
