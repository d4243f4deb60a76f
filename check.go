package ploop

import "fmt"

// CheckResult reports the findings of a delta consistency check: cross-
// linked or misaligned L2 entries, entries pointing past the file's
// current size, and a simple allocation tally.
type CheckResult struct {
	Corruptions       int
	Errors            []string
	AllocatedClusters uint64
}

// IsClean reports whether the check found no corruptions.
func (r *CheckResult) IsClean() bool {
	return r.Corruptions == 0 && len(r.Errors) == 0
}

// Check scans every L2 slot of the delta, verifying each non-hole entry
// is cluster-aligned, lands inside the file, and is not shared with
// another virtual cluster (a cross-link, the most severe form of delta
// corruption since both clusters would alias the same storage).
func (d *Delta) Check() (*CheckResult, error) {
	result := &CheckResult{}
	if d.raw {
		return result, nil
	}

	info, err := d.file.Stat()
	if err != nil {
		return nil, newError(CodeFstat, "Check", err)
	}
	fileSize := uint64(info.Size())
	clusterSize := uint64(d.ClusterSize())

	owners := make(map[uint64]uint64) // physical cluster index -> virtual cluster
	l2Size := d.header.L2Size()

	for c := uint64(0); c < l2Size; c++ {
		phys, err := d.translate(c)
		if err != nil {
			result.Corruptions++
			result.Errors = append(result.Errors, fmt.Sprintf("cluster %d: %v", c, err))
			continue
		}
		if phys == 0 {
			continue
		}

		if phys%clusterSize != 0 {
			result.Corruptions++
			result.Errors = append(result.Errors, fmt.Sprintf("cluster %d: offset 0x%x is not cluster-aligned", c, phys))
			continue
		}
		if phys+clusterSize > fileSize {
			result.Corruptions++
			result.Errors = append(result.Errors, fmt.Sprintf("cluster %d: offset 0x%x lands past end of file", c, phys))
			continue
		}

		physIdx := phys / clusterSize
		if other, ok := owners[physIdx]; ok {
			result.Corruptions++
			result.Errors = append(result.Errors, fmt.Sprintf("clusters %d and %d both map to physical cluster %d", other, c, physIdx))
			continue
		}
		owners[physIdx] = c
		result.AllocatedClusters++
	}

	return result, nil
}

// Check validates every delta in the chain and merges their results,
// reporting which delta each finding belongs to.
func (c *Chain) Check() (*CheckResult, error) {
	result := &CheckResult{}
	for _, d := range c.deltas {
		r, err := d.Check()
		if err != nil {
			return nil, err
		}
		result.Corruptions += r.Corruptions
		result.AllocatedClusters += r.AllocatedClusters
		for _, e := range r.Errors {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", d.Path(), e))
		}
	}
	return result, nil
}
