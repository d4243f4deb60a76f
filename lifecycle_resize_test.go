package ploop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/virtuozzo/goploop/testutil"
)

func TestEngineGrowOffline(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(testutil.NewFakeController())
	descPath := createTestImage(t, dir, e)

	if err := e.Grow(GrowRequest{DescPath: descPath, NewSize: 2048 * 40}); err != nil {
		t.Fatalf("Grow: %v", err)
	}

	desc, err := LoadDescriptor(descPath)
	if err != nil {
		t.Fatalf("LoadDescriptor: %v", err)
	}
	if desc.Size != 2048*40 {
		t.Fatalf("Size = %d, want %d", desc.Size, 2048*40)
	}
}

func TestEngineGrowRejectsShrink(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(testutil.NewFakeController())
	descPath := createTestImage(t, dir, e)

	if err := e.Grow(GrowRequest{DescPath: descPath, NewSize: 2048 * 2}); err == nil {
		t.Fatal("expected error shrinking via Grow")
	}
}

func TestEngineGrowIsNoopAtSameSize(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(testutil.NewFakeController())
	descPath := createTestImage(t, dir, e)

	desc, err := LoadDescriptor(descPath)
	if err != nil {
		t.Fatalf("LoadDescriptor: %v", err)
	}
	if err := e.Grow(GrowRequest{DescPath: descPath, NewSize: desc.Size}); err != nil {
		t.Fatalf("Grow at current size: %v", err)
	}
}

func TestEngineGrowOnline(t *testing.T) {
	dir := t.TempDir()
	ctrl := testutil.NewFakeController()
	e := NewEngine(ctrl)
	descPath := createTestImage(t, dir, e)

	mounted, err := e.Mount(MountRequest{DescPath: descPath})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer e.Unmount(mounted)

	if err := e.Grow(GrowRequest{DescPath: descPath, NewSize: 2048 * 40, Mounted: mounted}); err != nil {
		t.Fatalf("Grow online: %v", err)
	}

	attrs, err := mounted.Device.Attrs()
	if err != nil {
		t.Fatalf("Attrs: %v", err)
	}
	if attrs.Size != 2048*40 {
		t.Fatalf("device Size = %d, want %d", attrs.Size, 2048*40)
	}
}

func TestEngineResizeFSMountedShrinkInflatesBalloonAndDiscards(t *testing.T) {
	dir := t.TempDir()
	ctrl := testutil.NewFakeController()
	e := NewEngine(ctrl)

	if _, err := e.Create(CreateRequest{Dir: dir, File: "root.hdd", Size: 2048 * 40, Blocksize: 2048}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	descPath := descPathFor(dir)

	mounted, err := e.Mount(MountRequest{DescPath: descPath})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer e.Unmount(mounted)

	mnt := filepath.Join(dir, "mnt")
	if err := os.MkdirAll(mnt, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	mounted.Target = mnt

	newSize := uint64(2048 * 10)
	if err := e.ResizeFS(testutil.NewFakeCommander(), ResizeFSRequest{DescPath: descPath, NewSize: newSize, Mounted: mounted}); err != nil {
		t.Fatalf("ResizeFS: %v", err)
	}

	discards := ctrl.Discards(mounted.Device.Minor)
	if len(discards) != 1 {
		t.Fatalf("len(Discards) = %d, want 1", len(discards))
	}
	if discards[0].Start != 10 || discards[0].End != 40 {
		t.Fatalf("Discard = %+v, want {Start:10 End:40}", discards[0])
	}

	wantBalloonBytes := int64((2048*40 - 2048*10)) * SectorSize
	st, err := os.Stat(filepath.Join(mnt, BalloonFileName))
	if err != nil {
		t.Fatalf("Stat(balloon): %v", err)
	}
	if st.Size() != wantBalloonBytes {
		t.Fatalf("balloon file size = %d, want %d", st.Size(), wantBalloonBytes)
	}

	desc, err := LoadDescriptor(descPath)
	if err != nil {
		t.Fatalf("LoadDescriptor: %v", err)
	}
	if desc.Size != newSize {
		t.Fatalf("desc.Size = %d, want %d", desc.Size, newSize)
	}
}

func TestEngineResizeFSMountedGrowDeflatesBalloon(t *testing.T) {
	dir := t.TempDir()
	ctrl := testutil.NewFakeController()
	e := NewEngine(ctrl)

	if _, err := e.Create(CreateRequest{Dir: dir, File: "root.hdd", Size: 2048 * 10, Blocksize: 2048}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	descPath := descPathFor(dir)

	mounted, err := e.Mount(MountRequest{DescPath: descPath})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer e.Unmount(mounted)

	mnt := filepath.Join(dir, "mnt")
	if err := os.MkdirAll(mnt, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	mounted.Target = mnt

	// Pretend the balloon is already holding 4096 reserved bytes from an
	// earlier shrink: growing must hand all of it back.
	balloonPath := filepath.Join(mnt, BalloonFileName)
	if err := os.WriteFile(balloonPath, make([]byte, 4096), 0600); err != nil {
		t.Fatalf("WriteFile(balloon): %v", err)
	}

	newSize := uint64(2048 * 40)
	if err := e.ResizeFS(testutil.NewFakeCommander(), ResizeFSRequest{DescPath: descPath, NewSize: newSize, Mounted: mounted}); err != nil {
		t.Fatalf("ResizeFS: %v", err)
	}

	attrs, err := mounted.Device.Attrs()
	if err != nil {
		t.Fatalf("Attrs: %v", err)
	}
	if attrs.Size != newSize {
		t.Fatalf("device Size = %d, want %d", attrs.Size, newSize)
	}

	st, err := os.Stat(balloonPath)
	if err != nil {
		t.Fatalf("Stat(balloon): %v", err)
	}
	if st.Size() != 0 {
		t.Fatalf("balloon file size = %d, want 0 (fully deflated)", st.Size())
	}
}

func TestEngineResizeFSOfflineRawTruncates(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(testutil.NewFakeController())

	if _, err := e.Create(CreateRequest{Dir: dir, File: "root.hdd", Size: 2048 * 40, Blocksize: 2048, Mode: ModeRaw}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	descPath := descPathFor(dir)

	newSize := uint64(2048 * 10)
	if err := e.ResizeFS(testutil.NewFakeCommander(), ResizeFSRequest{DescPath: descPath, NewSize: newSize}); err != nil {
		t.Fatalf("ResizeFS: %v", err)
	}

	st, err := os.Stat(filepath.Join(dir, "root.hdd"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size() != int64(newSize)*SectorSize {
		t.Fatalf("file size = %d, want %d", st.Size(), int64(newSize)*SectorSize)
	}

	desc, err := LoadDescriptor(descPath)
	if err != nil {
		t.Fatalf("LoadDescriptor: %v", err)
	}
	if desc.Size != newSize {
		t.Fatalf("desc.Size = %d, want %d", desc.Size, newSize)
	}
}

func TestEngineResizeFSOfflineExpandedDiscardsTail(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(testutil.NewFakeController())

	if _, err := e.Create(CreateRequest{Dir: dir, File: "root.hdd", Size: 2048 * 40, Blocksize: 2048}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	descPath := descPathFor(dir)
	deltaPath := filepath.Join(dir, "root.hdd")

	// Allocate cluster 10, which sits past the shrunk size, so the discard
	// below has a real allocation to free rather than an already-empty hole.
	seed, err := OpenDelta(deltaPath, 0)
	if err != nil {
		t.Fatalf("OpenDelta: %v", err)
	}
	if _, err := seed.pwrite(10*int64(seed.ClusterSize()), testutil.RandomBytes(1, int(seed.ClusterSize()))); err != nil {
		seed.Close()
		t.Fatalf("pwrite: %v", err)
	}
	phys, err := seed.translate(10)
	if err != nil {
		seed.Close()
		t.Fatalf("translate: %v", err)
	}
	if phys == 0 {
		seed.Close()
		t.Fatal("expected cluster 10 to be allocated after pwrite")
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	newSize := uint64(2048 * 10)
	if err := e.ResizeFS(testutil.NewFakeCommander(), ResizeFSRequest{DescPath: descPath, NewSize: newSize}); err != nil {
		t.Fatalf("ResizeFS: %v", err)
	}

	desc, err := LoadDescriptor(descPath)
	if err != nil {
		t.Fatalf("LoadDescriptor: %v", err)
	}
	if desc.Size != newSize {
		t.Fatalf("desc.Size = %d, want %d", desc.Size, newSize)
	}

	d, err := OpenDelta(deltaPath, OpenReadOnly)
	if err != nil {
		t.Fatalf("OpenDelta: %v", err)
	}
	defer d.Close()
	phys, err = d.translate(10)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if phys != 0 {
		t.Fatal("expected cluster 10 (past the new size) to be a hole after discard")
	}
}
