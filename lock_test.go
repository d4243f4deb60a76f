package ploop

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLockDescriptorExcludesConcurrentLockers(t *testing.T) {
	dir := t.TempDir()
	descPath := filepath.Join(dir, "DiskDescriptor.xml")

	lock, err := LockDescriptor(descPath)
	if err != nil {
		t.Fatalf("LockDescriptor: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		l2, err := LockDescriptor(descPath)
		if err != nil {
			t.Errorf("second LockDescriptor: %v", err)
			return
		}
		close(acquired)
		l2.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second locker acquired the lock while the first still held it")
	case <-time.After(100 * time.Millisecond):
	}

	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second locker never acquired the lock after the first released it")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	descPath := filepath.Join(dir, "DiskDescriptor.xml")

	lock, err := LockDescriptor(descPath)
	if err != nil {
		t.Fatalf("LockDescriptor: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("first Unlock: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("second Unlock: %v", err)
	}
}
