package ploop

import (
	"encoding/xml"
	"os"
	"path/filepath"
)

// descriptorTmpSuffix names the staging file every mutation writes to
// before the atomic rename (§4.3, §6.3).
const descriptorTmpSuffix = ".tmp"

// DescriptorImage is one entry of the descriptor's images[] array (§3.3):
// a file path paired with the stable identifier addressing it.
type DescriptorImage struct {
	GUID string `xml:"Guid"`
	File string `xml:"File"`
}

// DescriptorSnapshot is one node of the snapshot tree (§3.3): its own
// identifier and its parent's. The base has ParentGUID == NoneGUID.
type DescriptorSnapshot struct {
	GUID       string `xml:"Guid"`
	ParentGUID string `xml:"ParentGuid"`
}

// Descriptor is the persistent record of one image set: geometry, the
// image inventory, and the snapshot tree (§3.3). Encoded as a single XML
// document, canonical name ending in "DiskDescriptor.xml" (§6.3). No
// third-party XML library in the reference corpus covers this shape, so
// it is built on encoding/xml directly (documented in DESIGN.md).
type Descriptor struct {
	XMLName xml.Name `xml:"Parallels_disk_image"`

	Blocksize       uint32 `xml:"Disk_Parameters>Blocksize"`
	Mode            Mode   `xml:"Disk_Parameters>Mode"`
	Version         Version `xml:"Disk_Parameters>Version"`
	Size            uint64 `xml:"Disk_Parameters>Size"`
	Heads           uint32 `xml:"Disk_Parameters>Heads"`
	Cylinders       uint32 `xml:"Disk_Parameters>Cylinders"`
	SectorsPerTrack uint32 `xml:"Disk_Parameters>Sectors"`

	Images    []DescriptorImage    `xml:"StorageData>Storage>Image"`
	Snapshots []DescriptorSnapshot `xml:"Snapshots>Snapshot"`

	TopGUID string `xml:"Snapshots>TopGUID"`

	path string
}

// Mode is the on-disk delta mode recorded at the descriptor level:
// structurally EXPANDED and PREALLOCATED deltas are identical (§4.6.8
// note), so Mode only distinguishes creation/fill discipline, not the
// indexed on-disk layout.
type Mode uint32

const (
	ModeExpanded Mode = iota
	ModePreallocated
	ModeRaw
)

func (m Mode) String() string {
	switch m {
	case ModeExpanded:
		return "expanded"
	case ModePreallocated:
		return "preallocated"
	case ModeRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// NewDescriptor builds a fresh single-image descriptor for a freshly
// created base delta, per §4.6.1: one image carrying TOP_UUID, one
// snapshot node with ParentGUID == NoneGUID.
func NewDescriptor(path, file string, blocksize uint32, mode Mode, version Version, size uint64) *Descriptor {
	guid := newGUID()
	return &Descriptor{
		Blocksize: blocksize,
		Mode:      mode,
		Version:   version,
		Size:      size,
		Images: []DescriptorImage{
			{GUID: TopUUID, File: file},
		},
		Snapshots: []DescriptorSnapshot{
			{GUID: guid, ParentGUID: NoneGUID},
		},
		TopGUID: guid,
		path:    path,
	}
}

// LoadDescriptor reads and parses the descriptor document at path.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(CodeDiskDescr, "LoadDescriptor", err)
	}
	var d Descriptor
	if err := xml.Unmarshal(data, &d); err != nil {
		return nil, newError(CodeDiskDescr, "LoadDescriptor", err)
	}
	d.path = path
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the invariants of §3.3: equal image/snapshot counts,
// exactly one root, exactly one TOP_UUID image, no dangling references,
// and that top_guid resolves to the root within |images| steps. A walk
// shorter than |images| is accepted, so images on other branches of the
// snapshot tree do not fail validation.
func (d *Descriptor) Validate() error {
	if len(d.Images) != len(d.Snapshots) {
		return newError(CodeDiskDescr, "Validate", ErrInconsistentChain)
	}

	roots := 0
	for _, s := range d.Snapshots {
		if s.ParentGUID == NoneGUID {
			roots++
		}
	}
	if roots != 1 {
		return newError(CodeDiskDescr, "Validate", ErrInconsistentChain)
	}

	tops := 0
	for _, img := range d.Images {
		if img.GUID == TopUUID {
			tops++
		}
	}
	if tops != 1 {
		return newError(CodeDiskDescr, "Validate", ErrInconsistentChain)
	}

	known := make(map[string]bool, len(d.Snapshots))
	for _, s := range d.Snapshots {
		known[s.GUID] = true
	}
	for _, s := range d.Snapshots {
		if s.ParentGUID != NoneGUID && !known[s.ParentGUID] {
			return newError(CodeDiskDescr, "Validate", ErrUnknownGUID)
		}
	}

	if _, err := ChainPaths(d, d.TopGUID); err != nil {
		return err
	}

	return nil
}

// StoreAtomic writes the descriptor to "<path>.tmp", fsyncs it, and
// renames it into place (§4.3, §8 invariant 3).
func (d *Descriptor) StoreAtomic() error {
	tmp := d.path + descriptorTmpSuffix
	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return newError(CodeDiskDescr, "StoreAtomic", err)
	}

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return newError(CodeCreat, "StoreAtomic", err)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		os.Remove(tmp)
		return newError(CodeWrite, "StoreAtomic", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return newError(CodeFsync, "StoreAtomic", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return newError(CodeSys, "StoreAtomic", err)
	}

	if err := os.Rename(tmp, d.path); err != nil {
		os.Remove(tmp)
		return newError(CodeRename, "StoreAtomic", err)
	}

	logger.WithField("path", d.path).Debug("descriptor stored")
	return nil
}

// Abort discards an in-progress "<path>.tmp" staging file, per the error
// path of every descriptor mutation (§4.3).
func (d *Descriptor) Abort() {
	os.Remove(d.path + descriptorTmpSuffix)
}

// Dir returns the directory the descriptor and its images live in.
func (d *Descriptor) Dir() string { return filepath.Dir(d.path) }

// Path returns the descriptor's own file path.
func (d *Descriptor) Path() string { return d.path }

func (d *Descriptor) imageByGUID(guid string) (*DescriptorImage, bool) {
	for i := range d.Images {
		if d.Images[i].GUID == guid {
			return &d.Images[i], true
		}
	}
	return nil, false
}

func (d *Descriptor) snapshotByGUID(guid string) (*DescriptorSnapshot, bool) {
	for i := range d.Snapshots {
		if d.Snapshots[i].GUID == guid {
			return &d.Snapshots[i], true
		}
	}
	return nil, false
}

// FindImageByGUID returns the image entry for guid.
func (d *Descriptor) FindImageByGUID(guid string) (DescriptorImage, bool) {
	img, ok := d.imageByGUID(guid)
	if !ok {
		return DescriptorImage{}, false
	}
	return *img, true
}

// FindSnapshotByGUID returns the snapshot node for guid.
func (d *Descriptor) FindSnapshotByGUID(guid string) (DescriptorSnapshot, bool) {
	s, ok := d.snapshotByGUID(guid)
	if !ok {
		return DescriptorSnapshot{}, false
	}
	return *s, true
}

// ChildCount returns the number of snapshots whose ParentGUID is guid.
func (d *Descriptor) ChildCount(guid string) int {
	n := 0
	for _, s := range d.Snapshots {
		if s.ParentGUID == guid {
			n++
		}
	}
	return n
}

// AddImage registers a new image/snapshot pair: a snapshot node under
// snapGUID parented at parentGUID, and a file entry for it. When asTop is
// set the image entry's GUID is the TOP_UUID sentinel rather than
// snapGUID itself, marking it the writable leaf (§3.3); an image that
// already carries TOP_UUID is re-keyed by the current TopGUID.
func (d *Descriptor) AddImage(file, snapGUID, parentGUID string, asTop bool) error {
	if _, ok := d.snapshotByGUID(snapGUID); ok {
		return newError(CodeDiskDescr, "AddImage", ErrDuplicateGUID)
	}
	imgGUID := snapGUID
	if asTop {
		imgGUID = TopUUID
		if prev, ok := d.imageByGUID(TopUUID); ok {
			if _, taken := d.imageByGUID(d.TopGUID); taken {
				return newError(CodeDiskDescr, "AddImage", ErrDuplicateGUID)
			}
			prev.GUID = d.TopGUID
		}
	} else if _, ok := d.imageByGUID(imgGUID); ok {
		return newError(CodeDiskDescr, "AddImage", ErrDuplicateGUID)
	}
	d.Images = append(d.Images, DescriptorImage{GUID: imgGUID, File: file})
	d.Snapshots = append(d.Snapshots, DescriptorSnapshot{GUID: snapGUID, ParentGUID: parentGUID})
	return nil
}

// imgGUIDFor returns the GUID an image entry is actually keyed by for the
// snapshot node snapGUID: the TOP_UUID sentinel if snapGUID is the
// current top, snapGUID itself otherwise (§3.3).
func (d *Descriptor) imgGUIDFor(snapGUID string) string {
	if snapGUID == d.TopGUID {
		return TopUUID
	}
	return snapGUID
}

// RemoveImage drops guid's image and snapshot entries. If alsoDelete, the
// backing delta file is unlinked too.
func (d *Descriptor) RemoveImage(guid string, alsoDelete bool) error {
	imgGUID := d.imgGUIDFor(guid)
	img, ok := d.imageByGUID(imgGUID)
	if !ok {
		return newError(CodeDiskDescr, "RemoveImage", ErrUnknownGUID)
	}
	file := img.File

	for i, im := range d.Images {
		if im.GUID == imgGUID {
			d.Images = append(d.Images[:i], d.Images[i+1:]...)
			break
		}
	}
	for i, s := range d.Snapshots {
		if s.GUID == guid {
			d.Snapshots = append(d.Snapshots[:i], d.Snapshots[i+1:]...)
			break
		}
	}

	if alsoDelete {
		path := file
		if !filepath.IsAbs(path) {
			path = filepath.Join(d.Dir(), path)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return newError(CodeUnlink, "RemoveImage", err)
		}
	}
	return nil
}

// renameSnapshot changes a snapshot node's stable identifier from oldGUID
// to newGUID, fixing up its image entry, any children's ParentGUID, and
// TopGUID if oldGUID was the current top (§3.3: the top image's GUID is
// the TOP_UUID sentinel, never the snapshot's own real GUID).
func (d *Descriptor) renameSnapshot(oldGUID, newGUID string) error {
	snap, ok := d.snapshotByGUID(oldGUID)
	if !ok {
		return newError(CodeDiskDescr, "renameSnapshot", ErrUnknownGUID)
	}
	img, ok := d.imageByGUID(d.imgGUIDFor(oldGUID))
	if !ok {
		return newError(CodeDiskDescr, "renameSnapshot", ErrUnknownGUID)
	}

	wasTop := oldGUID == d.TopGUID
	snap.GUID = newGUID
	if wasTop {
		img.GUID = TopUUID
		d.TopGUID = newGUID
	} else {
		img.GUID = newGUID
	}

	for i := range d.Snapshots {
		if d.Snapshots[i].ParentGUID == oldGUID {
			d.Snapshots[i].ParentGUID = newGUID
		}
	}
	return nil
}

// promoteToTop marks guid's image as the writable top (image GUID becomes
// the TOP_UUID sentinel) without touching the snapshot's own identifier or
// its children's parent links. An image that already carries TOP_UUID is
// re-keyed by the previous TopGUID.
func (d *Descriptor) promoteToTop(guid string) error {
	img, ok := d.imageByGUID(d.imgGUIDFor(guid))
	if !ok {
		return newError(CodeDiskDescr, "promoteToTop", ErrUnknownGUID)
	}
	if prev, ok := d.imageByGUID(TopUUID); ok && prev != img {
		prev.GUID = d.TopGUID
	}
	img.GUID = TopUUID
	d.TopGUID = guid
	return nil
}

// ImagesList returns delta filenames from fromGUID to the root, in
// base→top order unless reversed is set (§4.2).
func (d *Descriptor) ImagesList(fromGUID string, reversed bool) ([]string, error) {
	paths, err := ChainPaths(d, fromGUID)
	if err != nil {
		return nil, err
	}
	if !reversed {
		return paths, nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[len(paths)-1-i] = p
	}
	return out, nil
}

// TopImage returns the image entry currently carrying TOP_UUID.
func (d *Descriptor) TopImage() (DescriptorImage, bool) {
	return d.FindImageByGUID(TopUUID)
}
