package ploop

import (
	"path/filepath"
	"testing"
)

func TestChainResolvesTopmostNonZero(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.hdd")
	topPath := filepath.Join(dir, "top.hdd")

	base, err := CreateExpandedDelta(basePath, CreateOptions{Size: 2048 * 4, Blocksize: 2048})
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	baseData := make([]byte, 2*base.ClusterSize())
	for i := range baseData {
		baseData[i] = 0x11
	}
	if _, err := base.pwrite(0, baseData); err != nil {
		t.Fatalf("write base: %v", err)
	}
	base.Close()

	top, err := CreateExpandedDelta(topPath, CreateOptions{Size: 2048 * 4, Blocksize: 2048})
	if err != nil {
		t.Fatalf("create top: %v", err)
	}
	topData := make([]byte, top.ClusterSize())
	for i := range topData {
		topData[i] = 0x22
	}
	if _, err := top.pwrite(int64(1*top.ClusterSize()), topData); err != nil {
		t.Fatalf("write top: %v", err)
	}
	top.Close()

	chain, err := OpenChain([]string{basePath, topPath}, 0)
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	defer chain.Close()

	buf := make([]byte, chain.Blocksize()*SectorSize)

	// cluster 0 only written in base
	if _, err := chain.Read(buf, 0); err != nil {
		t.Fatalf("Read cluster 0: %v", err)
	}
	if buf[0] != 0x11 {
		t.Fatalf("cluster 0 byte 0 = %x, want 0x11", buf[0])
	}

	// cluster 1 written in both, top should win
	if _, err := chain.Read(buf, int64(chain.Blocksize())*SectorSize); err != nil {
		t.Fatalf("Read cluster 1: %v", err)
	}
	if buf[0] != 0x22 {
		t.Fatalf("cluster 1 byte 0 = %x, want 0x22 (top should win)", buf[0])
	}

	// cluster 2 written nowhere, should read as zero
	if _, err := chain.Read(buf, 2*int64(chain.Blocksize())*SectorSize); err != nil {
		t.Fatalf("Read cluster 2: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("cluster 2 byte %d = %x, want 0 (hole)", i, b)
		}
	}
}

func TestOpenChainRejectsMixedVersions(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.hdd")
	topPath := filepath.Join(dir, "top.hdd")

	base, err := CreateExpandedDelta(basePath, CreateOptions{Size: 2048 * 4, Blocksize: 2048, Version: V1})
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	base.Close()

	top, err := CreateExpandedDelta(topPath, CreateOptions{Size: 2048 * 4, Blocksize: 2048, Version: V2})
	if err != nil {
		t.Fatalf("create top: %v", err)
	}
	top.Close()

	if _, err := OpenChain([]string{basePath, topPath}, 0); err == nil {
		t.Fatal("expected error opening a mixed v1/v2 chain")
	}
}

func TestOpenChainRejectsEmpty(t *testing.T) {
	if _, err := OpenChain(nil, 0); err == nil {
		t.Fatal("expected error for empty chain")
	}
}

func TestCheckBaseExtentsRejectsFileWithoutExtentsFlag(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.hdd")

	base, err := CreateExpandedDelta(basePath, CreateOptions{Size: 2048 * 4, Blocksize: 2048})
	if err != nil {
		t.Fatalf("CreateExpandedDelta: %v", err)
	}
	base.Close()

	// A freshly created file under a test temp directory never carries
	// FS_EXTENT_FL: the filesystem either lacks the feature entirely or
	// the flag simply isn't set, so the ioctl-backed probe must reject it.
	if err := checkBaseExtents(basePath); err == nil {
		t.Fatal("expected checkBaseExtents to reject a file without the extents flag")
	}
}

func TestCheckBaseExtentsReportsMissingFile(t *testing.T) {
	if err := checkBaseExtents(filepath.Join(t.TempDir(), "missing.hdd")); err == nil {
		t.Fatal("expected checkBaseExtents to fail for a nonexistent path")
	}
}

func TestChainPathsWalksToRoot(t *testing.T) {
	dir := t.TempDir()
	descPath := filepath.Join(dir, "DiskDescriptor.xml")
	deltaPath := filepath.Join(dir, "root.hdd")

	d, err := CreateExpandedDelta(deltaPath, CreateOptions{Size: 2048 * 4, Blocksize: 2048})
	if err != nil {
		t.Fatalf("CreateExpandedDelta: %v", err)
	}
	d.Close()

	desc := NewDescriptor(descPath, "root.hdd", 2048, ModeExpanded, V2, 2048*4)

	paths, err := ChainPaths(desc, desc.TopGUID)
	if err != nil {
		t.Fatalf("ChainPaths: %v", err)
	}
	if len(paths) != 1 || paths[0] != "root.hdd" {
		t.Fatalf("ChainPaths = %v, want [root.hdd]", paths)
	}
}
