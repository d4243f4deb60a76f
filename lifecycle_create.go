package ploop

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// CreateRequest parameters the lifecycle Create operation (§4.6.1).
type CreateRequest struct {
	Dir       string // directory the image set lives in
	File      string // delta filename, relative to Dir
	Size      uint64 // requested virtual size, sectors
	Blocksize uint32
	Mode      Mode
	Version   Version
	FSType    string // optional: "ext4" to format the new image
}

// maxSectorsForVersion returns the largest virtual size (rounded down to
// a whole number of clusters) addressable by version, per the V1 32-bit
// entry cap of §3.1/§4.6.1.
func maxSectorsForVersion(version Version, blocksize uint32) uint64 {
	if version != V1 {
		return ^uint64(0)
	}
	maxClusters := uint64(0xFFFFFFFF) / uint64(blocksize)
	return maxClusters * uint64(blocksize)
}

// Create implements §4.6.1: fails if the delta file or its descriptor
// already exists, rounds the virtual size up to a whole cluster (down if
// that would overflow the version's addressable maximum), creates the
// delta, and registers it as a fresh descriptor's sole TOP_UUID image.
func (e *Engine) Create(req CreateRequest) (*Descriptor, error) {
	if req.Size == 0 {
		return nil, newError(CodeParam, "Create", ErrIOShort)
	}
	if req.Blocksize == 0 {
		req.Blocksize = defaultBlocksize
	}
	if req.Version == VersionNone {
		req.Version = V2
	}

	deltaPath := abs(req.Dir, req.File)
	descPath := descPathFor(req.Dir)

	if fileExists(deltaPath) || fileExists(descPath) {
		return nil, newError(CodeCreat, "Create", ErrDuplicateGUID)
	}

	size := roundUpSectors(req.Size, req.Blocksize)
	maxSize := maxSectorsForVersion(req.Version, req.Blocksize)
	if size > maxSize {
		size = (maxSize / uint64(req.Blocksize)) * uint64(req.Blocksize)
	}

	var delta *Delta
	var err error
	opts := CreateOptions{Size: size, Blocksize: req.Blocksize, Version: req.Version, Cancel: e.Cancel}
	switch req.Mode {
	case ModeRaw:
		delta, err = CreateRawDelta(deltaPath, size, req.Blocksize)
	case ModePreallocated:
		delta, err = CreatePreallocatedDelta(deltaPath, opts)
	default:
		delta, err = CreateExpandedDelta(deltaPath, opts)
	}
	if err != nil {
		return nil, err
	}
	if err := delta.Close(); err != nil {
		os.Remove(deltaPath)
		return nil, err
	}

	desc := NewDescriptor(descPath, req.File, req.Blocksize, req.Mode, req.Version, size)
	if err := desc.StoreAtomic(); err != nil {
		desc.Abort()
		os.Remove(deltaPath)
		return nil, err
	}

	if req.FSType != "" {
		if err := e.formatNewImage(desc, req.FSType); err != nil {
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{"file": req.File, "size": size, "mode": req.Mode}).Debug("image created")
	return desc, nil
}

// formatNewImage starts a temporary device over the freshly created
// image, partitions and formats it, creates an empty balloon file, and
// tears the device down again (§4.6.1 "If fstype is given"). Partitioning
// and mkfs are out-of-scope filesystem-utility collaborators, invoked
// here through Commander.
func (e *Engine) formatNewImage(desc *Descriptor, fstype string) error {
	top, _ := desc.TopImage()
	deltaPath := abs(desc.Dir(), top.File)

	chain, err := OpenChain([]string{deltaPath}, 0)
	if err != nil {
		return err
	}
	defer chain.Close()

	dev, err := StartDevice(e.Ctrl, chain, FormatPloop1)
	if err != nil {
		return err
	}
	defer dev.Stop()

	tmpDir, err := os.MkdirTemp("", "ploop-mkfs-")
	if err != nil {
		return newError(CodeMkdir, "formatNewImage", err)
	}
	defer os.RemoveAll(tmpDir)

	cmd := e.Commander
	if cmd == nil {
		cmd = DefaultCommander
	}

	devPath := fmt.Sprintf("/dev/ploop%d", dev.Minor)
	if err := cmd.Run("sgdisk", "-n", "1:0:0", "-t", "1:8300", devPath); err != nil {
		return newError(CodeSys, "formatNewImage", err)
	}
	partDev := partitionDeviceName(devPath)
	if err := cmd.Run("mkfs."+fstype, "-F", partDev); err != nil {
		return newError(CodeSys, "formatNewImage", err)
	}

	if err := MountFS(cmd, MountOptions{Device: devPath, Target: tmpDir}); err != nil {
		return err
	}
	balloonPath := abs(tmpDir, BalloonFileName)
	if f, err := os.Create(balloonPath); err == nil {
		f.Close()
	}
	return UmountFS(tmpDir)
}

func roundUpSectors(size uint64, blocksize uint32) uint64 {
	bs := uint64(blocksize)
	return ((size + bs - 1) / bs) * bs
}
