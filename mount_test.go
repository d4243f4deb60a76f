package ploop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/virtuozzo/goploop/testutil"
	"golang.org/x/sys/unix"
)

func TestPartitionDeviceName(t *testing.T) {
	if got := partitionDeviceName("/dev/ploop0"); got != "/dev/ploop0p1" {
		t.Fatalf("partitionDeviceName = %q, want /dev/ploop0p1", got)
	}
}

func TestIsExtFamilyRecognizesExtTypes(t *testing.T) {
	cmd := testutil.NewFakeCommander()
	if isExtFamily("/dev/ploop0p1", cmd) {
		t.Fatal("expected false when blkid output is empty")
	}

	for _, fsType := range []string{"ext2", "ext3", "ext4"} {
		cmd := &recordingOutputCommander{out: []byte(fsType + "\n")}
		if !isExtFamily("/dev/ploop0p1", cmd) {
			t.Fatalf("isExtFamily(%q) = false, want true", fsType)
		}
	}

	cmd2 := &recordingOutputCommander{out: []byte("xfs\n")}
	if isExtFamily("/dev/ploop0p1", cmd2) {
		t.Fatal("isExtFamily(xfs) = true, want false")
	}
}

// recordingOutputCommander returns a fixed Output() payload, since
// testutil.FakeCommander always returns a nil payload.
type recordingOutputCommander struct {
	out []byte
}

func (c *recordingOutputCommander) Run(name string, args ...string) error { return nil }
func (c *recordingOutputCommander) Output(name string, args ...string) ([]byte, error) {
	return c.out, nil
}

func TestCheckExtentsFlagDetectsMissingExtentsBit(t *testing.T) {
	dir := t.TempDir()
	old := DefaultCommander
	defer func() { DefaultCommander = old }()

	DefaultCommander = &recordingOutputCommander{out: []byte("----ia---------- " + filepath.Join(dir, BalloonFileName) + "\n")}
	if err := checkExtentsFlag(dir); err == nil {
		t.Fatal("expected error when the extents flag is absent")
	}

	DefaultCommander = &recordingOutputCommander{out: []byte("----iae--------- " + filepath.Join(dir, BalloonFileName) + "\n")}
	if err := checkExtentsFlag(dir); err != nil {
		t.Fatalf("checkExtentsFlag with extents bit set: %v", err)
	}
}

func TestStatBalloonInodeMatchesRealInode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, BalloonFileName)
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		t.Fatalf("unix.Stat: %v", err)
	}

	ino, ok, err := statBalloonInode(dir)
	if err != nil {
		t.Fatalf("statBalloonInode: %v", err)
	}
	if !ok {
		t.Fatal("statBalloonInode reported no balloon file when one exists")
	}
	if ino != st.Ino {
		t.Fatalf("statBalloonInode = %d, want %d", ino, st.Ino)
	}
}

func TestStatBalloonInodeMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	ino, ok, err := statBalloonInode(dir)
	if err != nil {
		t.Fatalf("statBalloonInode: %v", err)
	}
	if ok {
		t.Fatal("statBalloonInode reported a balloon file that doesn't exist")
	}
	if ino != 0 {
		t.Fatalf("statBalloonInode ino = %d, want 0", ino)
	}
}

func TestUmountFSReturnsErrorForUnmountedTarget(t *testing.T) {
	dir := t.TempDir()
	if err := UmountFS(dir); err == nil {
		t.Fatal("expected error unmounting a directory that was never mounted")
	}
}
