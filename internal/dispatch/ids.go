package dispatch

import (
	"k8s.io/apimachinery/pkg/util/sets"
)

// maxCorrelation is the largest correlation id; 0 is never used.
const maxCorrelation = 255

// idAllocator hands out correlation ids cycling through 1..255, skipping
// ids whose response is still outstanding. Not safe for concurrent use.
type idAllocator struct {
	last  uint8
	inUse sets.Set[uint8]
}

func newIDAllocator() *idAllocator {
	return &idAllocator{inUse: sets.New[uint8]()}
}

// acquire returns the next free id, or false when all ids are outstanding.
func (a *idAllocator) acquire() (uint8, bool) {
	if a.inUse.Len() >= maxCorrelation {
		return 0, false
	}
	id := a.last
	for {
		id = uint8(int(id)%maxCorrelation + 1)
		if !a.inUse.Has(id) {
			break
		}
	}
	a.last = id
	a.inUse.Insert(id)
	return id, true
}

func (a *idAllocator) release(id uint8) {
	a.inUse.Delete(id)
}
