package ploop

import (
	"path/filepath"
	"testing"
)

func TestNewDescriptorValidates(t *testing.T) {
	dir := t.TempDir()
	descPath := filepath.Join(dir, "DiskDescriptor.xml")
	desc := NewDescriptor(descPath, "root.hdd", 2048, ModeExpanded, V2, 2048*10)
	if err := desc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(desc.Images) != 1 || len(desc.Snapshots) != 1 {
		t.Fatalf("expected one image and one snapshot, got %d/%d", len(desc.Images), len(desc.Snapshots))
	}
	top, ok := desc.TopImage()
	if !ok || top.GUID != TopUUID {
		t.Fatalf("TopImage = %+v, %v, want GUID TopUUID", top, ok)
	}
}

func TestDescriptorStoreAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	descPath := filepath.Join(dir, "DiskDescriptor.xml")
	desc := NewDescriptor(descPath, "root.hdd", 2048, ModeExpanded, V2, 2048*10)
	if err := desc.StoreAtomic(); err != nil {
		t.Fatalf("StoreAtomic: %v", err)
	}

	loaded, err := LoadDescriptor(descPath)
	if err != nil {
		t.Fatalf("LoadDescriptor: %v", err)
	}
	if loaded.TopGUID != desc.TopGUID {
		t.Fatalf("TopGUID = %q, want %q", loaded.TopGUID, desc.TopGUID)
	}
	if loaded.Size != desc.Size || loaded.Blocksize != desc.Blocksize {
		t.Fatalf("size/blocksize mismatch after round trip: %+v", loaded)
	}
}

func TestRenameSnapshotUpdatesTopUUIDSpace(t *testing.T) {
	dir := t.TempDir()
	descPath := filepath.Join(dir, "DiskDescriptor.xml")
	desc := NewDescriptor(descPath, "root.hdd", 2048, ModeExpanded, V2, 2048*10)

	oldTopGUID := desc.TopGUID
	newSnapGUID := newGUID()

	if err := desc.renameSnapshot(oldTopGUID, newSnapGUID); err != nil {
		t.Fatalf("renameSnapshot: %v", err)
	}

	if desc.TopGUID != newSnapGUID {
		t.Fatalf("TopGUID = %q, want %q", desc.TopGUID, newSnapGUID)
	}
	top, ok := desc.TopImage()
	if !ok || top.GUID != TopUUID {
		t.Fatalf("top image GUID = %+v, %v, want TopUUID sentinel preserved", top, ok)
	}
	if _, ok := desc.FindSnapshotByGUID(newSnapGUID); !ok {
		t.Fatal("renamed snapshot node not found under its new GUID")
	}
}

func TestAddImageThenPromoteToTop(t *testing.T) {
	dir := t.TempDir()
	descPath := filepath.Join(dir, "DiskDescriptor.xml")
	desc := NewDescriptor(descPath, "root.hdd", 2048, ModeExpanded, V2, 2048*10)

	baseTopGUID := desc.TopGUID
	snapGUID := newGUID()
	if err := desc.renameSnapshot(baseTopGUID, snapGUID); err != nil {
		t.Fatalf("renameSnapshot: %v", err)
	}

	childGUID := newGUID()
	if err := desc.AddImage("root.hdd.child", childGUID, snapGUID, false); err != nil {
		t.Fatalf("AddImage: %v", err)
	}

	if err := desc.promoteToTop(childGUID); err != nil {
		t.Fatalf("promoteToTop: %v", err)
	}
	if desc.TopGUID != childGUID {
		t.Fatalf("TopGUID = %q, want %q", desc.TopGUID, childGUID)
	}
	top, ok := desc.TopImage()
	if !ok || top.File != "root.hdd.child" {
		t.Fatalf("TopImage = %+v, %v, want root.hdd.child", top, ok)
	}

	if err := desc.Validate(); err != nil {
		t.Fatalf("Validate after promote: %v", err)
	}
}

func TestRemoveImageUnlinksFile(t *testing.T) {
	dir := t.TempDir()
	descPath := filepath.Join(dir, "DiskDescriptor.xml")
	deltaPath := filepath.Join(dir, "child.hdd")

	if err := writeStub(deltaPath); err != nil {
		t.Fatalf("writeStub: %v", err)
	}

	desc := NewDescriptor(descPath, "root.hdd", 2048, ModeExpanded, V2, 2048*10)
	baseTopGUID := desc.TopGUID
	snapGUID := newGUID()
	if err := desc.renameSnapshot(baseTopGUID, snapGUID); err != nil {
		t.Fatalf("renameSnapshot: %v", err)
	}
	childGUID := newGUID()
	if err := desc.AddImage("child.hdd", childGUID, snapGUID, true); err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	desc.TopGUID = childGUID

	if err := desc.RemoveImage(childGUID, true); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}
	if fileExists(deltaPath) {
		t.Fatal("delta file still exists after RemoveImage(alsoDelete=true)")
	}
}

func writeStub(path string) error {
	d, err := CreateRawDelta(path, 2048, 2048)
	if err != nil {
		return err
	}
	return d.Close()
}
