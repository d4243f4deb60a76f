package ploop

import "sync"

// l1Cache is the one-slot L2-cluster cache of §4.1: the most recently
// touched L2 index cluster is held in memory; when it is dirty it must be
// written back before a different L2 cluster is paged in. This is the
// single-entry degenerate case of the teacher's sharded multi-entry LRU —
// the spec needs exactly one resident cluster, not a working set, since
// the delta format addresses its whole index through one flat array and
// only ever touches one cluster of it per operation.
type l1Cache struct {
	mu      sync.Mutex
	valid   bool
	dirty   bool
	cluster uint64 // which L2 index cluster (0-based, within the index region) is resident
	data    []byte // exactly clusterSize bytes

	writeback func(cluster uint64, data []byte) error
}

func newL1Cache(writeback func(cluster uint64, data []byte) error) *l1Cache {
	return &l1Cache{writeback: writeback}
}

// load returns the resident cluster's data if cluster is currently cached.
func (c *l1Cache) load(cluster uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.cluster == cluster {
		return c.data, true
	}
	return nil, false
}

// fill installs data as the resident cluster, flushing whatever was
// resident first if it was dirty and belongs to a different cluster.
func (c *l1Cache) fill(cluster uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.dirty && c.cluster != cluster {
		if err := c.writeback(c.cluster, c.data); err != nil {
			return err
		}
		c.dirty = false
	}
	c.cluster = cluster
	c.data = data
	c.valid = true
	return nil
}

// markDirty records that the resident cluster (must be `cluster`) has been
// modified in place and needs writeback before eviction or close.
func (c *l1Cache) markDirty(cluster uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.cluster == cluster {
		c.dirty = true
	}
}

// flush writes back the resident cluster if dirty.
func (c *l1Cache) flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || !c.dirty {
		return nil
	}
	if err := c.writeback(c.cluster, c.data); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

// invalidate drops the resident cluster without writing it back. Used when
// the caller already persisted it through another path (e.g. growing the
// index extends the cluster directly on disk).
func (c *l1Cache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
	c.dirty = false
	c.data = nil
}
