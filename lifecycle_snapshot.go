package ploop

import (
	"os"

	"github.com/sirupsen/logrus"
)

// SwitchFlag mirrors the SkipTopDeltaDestroy/SkipTopDeltaCreate switches
// of §4.6.6; SwitchSnapshot reads them from SwitchRequest.Flags.
type SwitchFlag uint

const (
	SkipTopDeltaDestroy SwitchFlag = 1 << iota
	SkipTopDeltaCreate
)

// SnapshotRequest parameters the lifecycle Snapshot operation (§4.6.5).
type SnapshotRequest struct {
	DescPath string
	Mounted  *MountedImage // nil if offline
}

// SnapshotResult is what Snapshot returns: the identifiers minted for the
// frozen node and the new writable top.
type SnapshotResult struct {
	SnapGUID string
	FileGUID string
}

// Snapshot implements §4.6.5: mint two fresh identifiers, rename the
// current top to snap_guid in a staged descriptor, create a new empty top
// delta (via device SNAPSHOT if running, directly otherwise), then commit.
func (e *Engine) Snapshot(req SnapshotRequest) (SnapshotResult, error) {
	var result SnapshotResult

	err := e.withLock(req.DescPath, func(desc *Descriptor) error {
		count := len(desc.Snapshots)
		if count >= maxSnapshots {
			return newError(CodeParam, "Snapshot", ErrTooManySnapshots)
		}

		snapGUID := newGUID()
		fileGUID := newGUID()

		oldTopGUID := desc.TopGUID
		oldTop, ok := desc.FindImageByGUID(TopUUID)
		if !ok {
			return newError(CodeDiskDescr, "Snapshot", ErrUnknownGUID)
		}

		if err := desc.renameSnapshot(oldTopGUID, snapGUID); err != nil {
			return err
		}

		newFile := newDeltaFilename(desc, fileGUID)
		if err := desc.AddImage(newFile, fileGUID, snapGUID, true); err != nil {
			return err
		}
		desc.TopGUID = fileGUID

		newDeltaPath := abs(desc.Dir(), newFile)
		newTop, err := CreateExpandedDelta(newDeltaPath, CreateOptions{
			Size: desc.Size, Blocksize: desc.Blocksize, Version: desc.Version, Cancel: e.Cancel,
		})
		if err != nil {
			desc.Abort()
			return err
		}

		if req.Mounted != nil {
			if err := req.Mounted.Device.PushSnapshot(newTop, true); err != nil {
				newTop.Close()
				os.Remove(newDeltaPath)
				desc.Abort()
				return err
			}
		}
		newTop.Close()

		if err := desc.StoreAtomic(); err != nil {
			os.Remove(newDeltaPath)
			desc.Abort()
			return err
		}

		_ = oldTop
		result = SnapshotResult{SnapGUID: snapGUID, FileGUID: fileGUID}
		logger.WithFields(logrus.Fields{"snap": snapGUID, "top": fileGUID}).Debug("snapshot taken")
		return nil
	})
	return result, err
}

func newDeltaFilename(desc *Descriptor, guid string) string {
	base := ""
	for _, s := range desc.Snapshots {
		if s.ParentGUID == NoneGUID {
			if img, ok := desc.FindImageByGUID(desc.imgGUIDFor(s.GUID)); ok {
				base = img.File
			}
			break
		}
	}
	return base + "." + trimBraces(guid)
}

func trimBraces(guid string) string {
	if len(guid) >= 2 && guid[0] == '{' && guid[len(guid)-1] == '}' {
		return guid[1 : len(guid)-1]
	}
	return guid
}

// SwitchRequest parameters the lifecycle SwitchSnapshot operation
// (§4.6.6).
type SwitchRequest struct {
	DescPath string
	GUID     string
	Flags    SwitchFlag
	Mounted  *MountedImage // must be nil unless SkipTopDeltaDestroy is set
}

// SwitchSnapshot implements §4.6.6: requires the device be stopped unless
// SkipTopDeltaDestroy is set; removes the current top image (deferring
// its unlink); either promotes guid to TOP_UUID (SkipTopDeltaCreate) or
// adds a fresh empty delta parented at guid; commits, then unlinks the
// old top file.
func (e *Engine) SwitchSnapshot(req SwitchRequest) error {
	if req.Flags&SkipTopDeltaDestroy == 0 && req.Mounted != nil {
		return newError(CodeDevice, "SwitchSnapshot", ErrAlreadyRunning)
	}

	return e.withLock(req.DescPath, func(desc *Descriptor) error {
		if req.GUID == desc.TopGUID {
			return newError(CodeParam, "SwitchSnapshot", ErrIsTop)
		}
		if _, ok := desc.FindSnapshotByGUID(req.GUID); !ok {
			return newError(CodeDiskDescr, "SwitchSnapshot", ErrUnknownGUID)
		}

		oldTop, ok := desc.FindImageByGUID(TopUUID)
		if !ok {
			return newError(CodeDiskDescr, "SwitchSnapshot", ErrUnknownGUID)
		}
		oldTopPath := abs(desc.Dir(), oldTop.File)
		oldTopGUID := desc.TopGUID

		if err := desc.RemoveImage(oldTopGUID, false); err != nil {
			return err
		}

		if req.Flags&SkipTopDeltaCreate != 0 {
			if err := desc.promoteToTop(req.GUID); err != nil {
				return err
			}
		} else {
			fileGUID := newGUID()
			img, ok := desc.FindImageByGUID(req.GUID)
			if !ok {
				return newError(CodeDiskDescr, "SwitchSnapshot", ErrUnknownGUID)
			}
			newFile := img.File + ".new." + trimBraces(fileGUID)
			if err := desc.AddImage(newFile, fileGUID, req.GUID, true); err != nil {
				return err
			}
			desc.TopGUID = fileGUID

			newDeltaPath := abs(desc.Dir(), newFile)
			newTop, err := CreateExpandedDelta(newDeltaPath, CreateOptions{
				Size: desc.Size, Blocksize: desc.Blocksize, Version: desc.Version, Cancel: e.Cancel,
			})
			if err != nil {
				desc.Abort()
				return err
			}
			newTop.Close()
		}

		if err := desc.StoreAtomic(); err != nil {
			desc.Abort()
			return err
		}

		if err := os.Remove(oldTopPath); err != nil && !os.IsNotExist(err) {
			logger.WithField("path", oldTopPath).Warn("failed to unlink old top after switch")
		}

		logger.WithField("guid", req.GUID).Debug("switched to snapshot")
		return nil
	})
}

// DeleteSnapshotRequest parameters the lifecycle DeleteSnapshot operation
// (§4.6.7).
type DeleteSnapshotRequest struct {
	DescPath string
	GUID     string
	Merge    func(desc *Descriptor, guid, childGUID string) error
}

// DeleteSnapshot implements §4.6.7: a zero-child, non-active, non-base
// snapshot is simply unlinked and dropped; one child triggers a merge
// (an out-of-scope collaborator, injected as Merge); the active top, the
// base, or a snapshot with two or more children are all refused.
func (e *Engine) DeleteSnapshot(req DeleteSnapshotRequest) error {
	return e.withLock(req.DescPath, func(desc *Descriptor) error {
		if req.GUID == desc.TopGUID {
			return newError(CodeParam, "DeleteSnapshot", ErrIsTop)
		}
		snap, ok := desc.FindSnapshotByGUID(req.GUID)
		if !ok {
			return newError(CodeDiskDescr, "DeleteSnapshot", ErrUnknownGUID)
		}
		if snap.ParentGUID == NoneGUID {
			return newError(CodeParam, "DeleteSnapshot", ErrIsBase)
		}

		children := childGUIDs(desc, req.GUID)
		switch len(children) {
		case 0:
			if err := desc.RemoveImage(req.GUID, true); err != nil {
				return err
			}
		case 1:
			if req.Merge == nil {
				return newError(CodeParam, "DeleteSnapshot", ErrHasChildren)
			}
			if err := req.Merge(desc, req.GUID, children[0]); err != nil {
				return err
			}
		default:
			return newError(CodeParam, "DeleteSnapshot", ErrTooManyChildren)
		}

		if err := desc.StoreAtomic(); err != nil {
			desc.Abort()
			return err
		}
		logger.WithField("guid", req.GUID).Debug("snapshot deleted")
		return nil
	})
}

func childGUIDs(desc *Descriptor, guid string) []string {
	var out []string
	for _, s := range desc.Snapshots {
		if s.ParentGUID == guid {
			out = append(out, s.GUID)
		}
	}
	return out
}
