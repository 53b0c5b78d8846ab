package objects

import (
	"cmp"
	"slices"

	"github.com/yairfalse/runtap/pkg/domain"
)

type heapEntry struct {
	addr uint64
	id   ID
}

// collectionContext rebuilds the address mapping during one collection.
// The snapshot is the mapping as it was when the collection started, sorted
// by address. Surviving and moved ranges copy snapshot entries into rebuilt.
type collectionContext struct {
	snapshot    []heapEntry
	rebuilt     map[uint64]ID
	overwritten int
	surviving   int
	moved       int
}

func newCollectionContext(heap map[uint64]ID, collected []bool, ranges []domain.GenerationRange) *collectionContext {
	c := &collectionContext{
		snapshot: make([]heapEntry, 0, len(heap)),
		rebuilt:  make(map[uint64]ID, len(heap)),
	}
	for addr, id := range heap {
		c.snapshot = append(c.snapshot, heapEntry{addr: addr, id: id})
	}
	slices.SortFunc(c.snapshot, func(a, b heapEntry) int {
		return cmp.Compare(a.addr, b.addr)
	})

	// Generations outside this collection survive as a whole
	for _, r := range ranges {
		if generationCollected(collected, r.Generation) {
			continue
		}
		c.survive(r.Start, r.Length)
	}
	return c
}

// generationCollected treats a generation without a flag as collected so
// that its objects are only kept when explicitly reported.
func generationCollected(collected []bool, generation int) bool {
	if generation < 0 || generation >= len(collected) {
		return true
	}
	return collected[generation]
}

// bounds returns the snapshot index range [lo, hi) of entries whose address
// lies in [start, start+length).
func (c *collectionContext) bounds(start, length uint64) (int, int) {
	lo, _ := slices.BinarySearchFunc(c.snapshot, start, compareAddr)
	end := start + length
	if end < start {
		return lo, len(c.snapshot)
	}
	hi, _ := slices.BinarySearchFunc(c.snapshot, end, compareAddr)
	return lo, hi
}

func compareAddr(e heapEntry, addr uint64) int {
	return cmp.Compare(e.addr, addr)
}

func (c *collectionContext) insert(addr uint64, id ID) {
	if existing, ok := c.rebuilt[addr]; ok && existing != id {
		c.overwritten++
	}
	c.rebuilt[addr] = id
}

func (c *collectionContext) survive(start, length uint64) {
	lo, hi := c.bounds(start, length)
	for _, e := range c.snapshot[lo:hi] {
		c.insert(e.addr, e.id)
		c.surviving++
	}
}

func (c *collectionContext) move(oldStart, newStart, length uint64) {
	lo, hi := c.bounds(oldStart, length)
	for _, e := range c.snapshot[lo:hi] {
		c.insert(newStart+(e.addr-oldStart), e.id)
		c.moved++
	}
}

// removed returns the ids of old that are absent from the rebuilt mapping,
// in ascending order. old is the live mapping at the end of the collection,
// so ids assigned after the snapshot are included.
func (c *collectionContext) removed(old map[uint64]ID) []ID {
	alive := make(map[ID]struct{}, len(c.rebuilt))
	for _, id := range c.rebuilt {
		alive[id] = struct{}{}
	}

	var removed []ID
	for _, id := range old {
		if _, ok := alive[id]; !ok {
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	return removed
}
