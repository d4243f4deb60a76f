// Package testutil provides test doubles for exercising the lifecycle
// engine and device layer without a real ploop kernel module.
package testutil

import (
	"fmt"
	"os"
	"sync"

	"github.com/virtuozzo/goploop"
)

// FakeDelta records one ADD_DELTA or SNAPSHOT call.
type FakeDelta struct {
	Fd         uintptr
	ReadOnly   bool
	ClusterLog uint32
	Format     ploop.DeltaFormat
}

// FakeController is an in-memory ploop.DeviceController double: it tracks
// minors, stacked deltas, and running state without touching any real
// device node, letting lifecycle tests exercise StartDevice/Mount/
// Snapshot/Grow end to end. Calls are recorded for assertions.
type FakeController struct {
	mu sync.Mutex

	nextMinor int
	devices   map[int]*fakeDevice

	// FailAllocate, when set, is returned by AllocateMinor instead of
	// succeeding; lets tests exercise StartDevice's allocation failure.
	FailAllocate error
	// FailAddDeltaAt fails the Nth AddDelta call (1-indexed), 0 disables.
	FailAddDeltaAt int
	addDeltaCalls  int
}

type fakeDevice struct {
	deltas    []FakeDelta
	running   bool
	size      uint64
	blockSize uint32
	version   ploop.Version

	trackInitStart, trackInitEnd uint64
	trackQueue                   [][2]uint64
	trackStopped                 bool

	discards []DiscardCall
}

// NewFakeController returns a ready-to-use FakeController.
func NewFakeController() *FakeController {
	return &FakeController{devices: make(map[int]*fakeDevice)}
}

func (f *FakeController) AllocateMinor() (int, *os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAllocate != nil {
		return 0, nil, f.FailAllocate
	}
	minor := f.nextMinor
	f.nextMinor++
	f.devices[minor] = &fakeDevice{}
	lockFile, err := os.CreateTemp("", fmt.Sprintf("ploop%d-lock", minor))
	if err != nil {
		return 0, nil, err
	}
	return minor, lockFile, nil
}

func (f *FakeController) AddDelta(minor int, fd uintptr, flags ploop.AddDeltaFlags, clusterLog uint32, format ploop.DeltaFormat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addDeltaCalls++
	if f.FailAddDeltaAt != 0 && f.addDeltaCalls == f.FailAddDeltaAt {
		return fmt.Errorf("testutil: injected AddDelta failure at call %d", f.addDeltaCalls)
	}
	dev := f.devices[minor]
	dev.deltas = append(dev.deltas, FakeDelta{Fd: fd, ReadOnly: flags.ReadOnly, ClusterLog: clusterLog, Format: format})
	dev.blockSize = 1 << clusterLog
	return nil
}

func (f *FakeController) Start(minor int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[minor].running = true
	return nil
}

func (f *FakeController) Stop(minor int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[minor].running = false
	return nil
}

func (f *FakeController) Clear(minor int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := f.devices[minor]
	dev.deltas = nil
	dev.running = false
	return nil
}

func (f *FakeController) DelDelta(minor int, level int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := f.devices[minor]
	if level < 0 || level >= len(dev.deltas) {
		return fmt.Errorf("testutil: DelDelta level %d out of range", level)
	}
	dev.deltas = append(dev.deltas[:level], dev.deltas[level+1:]...)
	return nil
}

func (f *FakeController) Grow(minor int, newSize uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[minor].size = newSize
	return nil
}

func (f *FakeController) Sync(minor int) error { return nil }

// DiscardCall records one Discard(minor, start, end) invocation.
type DiscardCall struct {
	Start, End uint64
}

// Discard records the requested extent instead of punching a real hole,
// so tests can assert which ranges a shrink discarded.
func (f *FakeController) Discard(minor int, start, end uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := f.devices[minor]
	dev.discards = append(dev.discards, DiscardCall{start, end})
	return nil
}

// Discards returns every extent Discard(minor, ...) was called with, in
// call order.
func (f *FakeController) Discards(minor int) []DiscardCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DiscardCall(nil), f.devices[minor].discards...)
}

func (f *FakeController) Snapshot(minor int, fd uintptr, syncFS bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := f.devices[minor]
	dev.deltas = append(dev.deltas, FakeDelta{Fd: fd})
	return nil
}

// SetTrackInit configures the range TrackInit(minor) reports, for tests
// that exercise live-copy's bulk-copy phase against a known dirty range.
func (f *FakeController) SetTrackInit(minor int, start, end uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := f.devices[minor]
	dev.trackInitStart, dev.trackInitEnd = start, end
}

// QueueTrackRead appends one extent TrackRead(minor) will return on its
// next call; once the queue is drained TrackRead reports ok=false, the
// drain loop's convergence signal.
func (f *FakeController) QueueTrackRead(minor int, start, end uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := f.devices[minor]
	dev.trackQueue = append(dev.trackQueue, [2]uint64{start, end})
}

func (f *FakeController) TrackInit(minor int) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := f.devices[minor]
	return dev.trackInitStart, dev.trackInitEnd, nil
}

func (f *FakeController) TrackSetPos(minor int, pos uint64) error { return nil }

func (f *FakeController) TrackRead(minor int) (uint64, uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := f.devices[minor]
	if len(dev.trackQueue) == 0 {
		return 0, 0, false, nil
	}
	next := dev.trackQueue[0]
	dev.trackQueue = dev.trackQueue[1:]
	return next[0], next[1], true, nil
}

func (f *FakeController) TrackStop(minor int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[minor].trackStopped = true
	return nil
}

func (f *FakeController) TrackAbort(minor int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[minor].trackStopped = true
	return nil
}

func (f *FakeController) Attrs(minor int) (ploop.DeviceAttrs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[minor]
	if !ok {
		return ploop.DeviceAttrs{}, fmt.Errorf("testutil: no such minor %d", minor)
	}
	return ploop.DeviceAttrs{Running: dev.running, Size: dev.size, BlockSize: dev.blockSize, FmtVersion: dev.version}, nil
}

// DeltaCount returns how many deltas are currently stacked on minor.
func (f *FakeController) DeltaCount(minor int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices[minor].deltas)
}

// FakeCommander is a ploop.Commander double that records invocations
// instead of shelling out, for exercising the mkfs/fsck/resize2fs call
// sites.
type FakeCommander struct {
	mu    sync.Mutex
	Calls [][]string
	// Fail, keyed by the tool name, forces that command to return an error.
	Fail map[string]error
}

// NewFakeCommander returns a ready-to-use FakeCommander.
func NewFakeCommander() *FakeCommander {
	return &FakeCommander{Fail: make(map[string]error)}
}

func (c *FakeCommander) Run(name string, args ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, append([]string{name}, args...))
	return c.Fail[name]
}

func (c *FakeCommander) Output(name string, args ...string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, append([]string{name}, args...))
	return nil, c.Fail[name]
}

// RandomBytes generates deterministic pseudo-random bytes from a seed, for
// write/read-back fixtures that need reproducible content.
func RandomBytes(seed int64, size int) []byte {
	data := make([]byte, size)
	state := uint64(seed)
	for i := range data {
		state = state*6364136223846793005 + 1442695040888963407
		data[i] = byte(state >> 56)
	}
	return data
}
