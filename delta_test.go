package ploop

import (
	"path/filepath"
	"testing"
)

func TestCreateExpandedDeltaHolesReadAsZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root.hdd")

	d, err := CreateExpandedDelta(path, CreateOptions{Size: 2048 * 4, Blocksize: 2048})
	if err != nil {
		t.Fatalf("CreateExpandedDelta: %v", err)
	}
	defer d.Close()

	buf := make([]byte, d.ClusterSize())
	if _, err := d.pread(0, buf); err != nil {
		t.Fatalf("pread: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0 (unwritten cluster)", i, b)
		}
	}
}

func TestDeltaWriteThenReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root.hdd")

	d, err := CreateExpandedDelta(path, CreateOptions{Size: 2048 * 4, Blocksize: 2048})
	if err != nil {
		t.Fatalf("CreateExpandedDelta: %v", err)
	}
	defer d.Close()

	want := make([]byte, d.ClusterSize())
	for i := range want {
		want[i] = byte(i)
	}
	if _, err := d.pwrite(0, want); err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	got := make([]byte, d.ClusterSize())
	if _, err := d.pread(0, got); err != nil {
		t.Fatalf("pread: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDeltaOpenSetsDirtyBit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root.hdd")

	d, err := CreateExpandedDelta(path, CreateOptions{Size: 2048 * 2, Blocksize: 2048})
	if err != nil {
		t.Fatalf("CreateExpandedDelta: %v", err)
	}
	d.Close()

	d2, err := OpenDelta(path, 0)
	if err != nil {
		t.Fatalf("OpenDelta: %v", err)
	}
	if d2.header.DiskInUse == 0 {
		t.Fatal("DiskInUse not set after opening for write")
	}
	if err := d2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d3, err := OpenDelta(path, OpenReadOnly)
	if err != nil {
		t.Fatalf("re-OpenDelta: %v", err)
	}
	defer d3.Close()
	if d3.header.DiskInUse != 0 {
		t.Fatal("DiskInUse still set after clean close")
	}
}

func TestPreallocatedDeltaHasNoHoles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root.hdd")

	d, err := CreatePreallocatedDelta(path, CreateOptions{Size: 2048 * 3, Blocksize: 2048})
	if err != nil {
		t.Fatalf("CreatePreallocatedDelta: %v", err)
	}
	defer d.Close()

	n := d.header.L2Size()
	for c := uint64(0); c < n; c++ {
		phys, err := d.translate(c)
		if err != nil {
			t.Fatalf("translate(%d): %v", c, err)
		}
		if phys == 0 {
			t.Fatalf("cluster %d is a hole in a preallocated delta", c)
		}
	}
}

func TestDeltaGrowRejectsShrink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root.hdd")

	d, err := CreateExpandedDelta(path, CreateOptions{Size: 2048 * 4, Blocksize: 2048})
	if err != nil {
		t.Fatalf("CreateExpandedDelta: %v", err)
	}
	defer d.Close()

	if err := d.Grow(2048 * 2); err == nil {
		t.Fatal("expected error shrinking via Grow")
	}
}

func TestDeltaGrowPreservesExistingData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root.hdd")

	d, err := CreateExpandedDelta(path, CreateOptions{Size: 2048 * 2, Blocksize: 2048})
	if err != nil {
		t.Fatalf("CreateExpandedDelta: %v", err)
	}
	defer d.Close()

	want := make([]byte, d.ClusterSize())
	for i := range want {
		want[i] = 0xAB
	}
	if _, err := d.pwrite(0, want); err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	if err := d.Grow(2048 * 20); err != nil {
		t.Fatalf("Grow: %v", err)
	}

	got := make([]byte, d.ClusterSize())
	if _, err := d.pread(0, got); err != nil {
		t.Fatalf("pread after grow: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d after grow", i, got[i], want[i])
		}
	}
}

func TestRawDeltaTranslateIsIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root.hdd")

	d, err := CreateRawDelta(path, 2048*4, 2048)
	if err != nil {
		t.Fatalf("CreateRawDelta: %v", err)
	}
	defer d.Close()

	phys, err := d.translate(2)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if phys != 2*d.ClusterSize() {
		t.Fatalf("translate(2) = %d, want %d", phys, 2*d.ClusterSize())
	}
}
