package ploop

import (
	"path/filepath"
	"testing"
)

func TestEngineCreateRegistersTopImage(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(nil)

	desc, err := e.Create(CreateRequest{
		Dir:       dir,
		File:      "root.hdd",
		Size:      2048 * 10,
		Blocksize: 2048,
		Mode:      ModeExpanded,
		Version:   V2,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	top, ok := desc.TopImage()
	if !ok || top.File != "root.hdd" {
		t.Fatalf("TopImage = %+v, %v, want root.hdd", top, ok)
	}
	if !fileExists(filepath.Join(dir, "root.hdd")) {
		t.Fatal("delta file was not created on disk")
	}
	if !fileExists(descPathFor(dir)) {
		t.Fatal("descriptor file was not created on disk")
	}
}

func TestEngineCreateRejectsZeroSize(t *testing.T) {
	e := NewEngine(nil)
	if _, err := e.Create(CreateRequest{Dir: t.TempDir(), File: "root.hdd", Size: 0}); err == nil {
		t.Fatal("expected error creating a zero-size image")
	}
}

func TestEngineCreateRejectsDuplicate(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(nil)
	req := CreateRequest{Dir: dir, File: "root.hdd", Size: 2048 * 4, Blocksize: 2048}

	if _, err := e.Create(req); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := e.Create(req); err == nil {
		t.Fatal("expected error creating a duplicate image")
	}
}

func TestEngineCreateRoundsSizeUpToCluster(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(nil)

	desc, err := e.Create(CreateRequest{
		Dir: dir, File: "root.hdd", Size: 2048 + 1, Blocksize: 2048,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if desc.Size != 2048*2 {
		t.Fatalf("Size = %d, want %d (rounded up to a whole cluster)", desc.Size, 2048*2)
	}
}

func TestEngineCreateDefaultsModeAndVersion(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(nil)

	desc, err := e.Create(CreateRequest{Dir: dir, File: "root.hdd", Size: 2048 * 4})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if desc.Version != V2 {
		t.Fatalf("Version = %v, want V2", desc.Version)
	}
	if desc.Blocksize != defaultBlocksize {
		t.Fatalf("Blocksize = %d, want %d", desc.Blocksize, defaultBlocksize)
	}
}
