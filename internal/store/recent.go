// Package store provides the durable sqlite persistence layer and bounded
// in-memory track stores.
package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// RecentTracks remembers track ids the queue manager recently touched so a
// refill pass cannot reintroduce a track it just removed (the oscillation
// guard). Backed by a Bloom filter for the cheap negative check and an LRU so
// suppression ages out by capacity rather than growing without bound.
type RecentTracks struct {
	trackIDs          map[string]struct{}
	bloom             *bloom.BloomFilter
	lru               *lru.Cache[string, struct{}]
	mutex             sync.RWMutex
	capacity          int
	falsePositiveRate float64
}

// NewRecentTracks creates a guard holding at most capacity track ids. The
// LRU's eviction callback keeps the membership map in lockstep, so an id
// dropped by the LRU is immediately refillable again.
func NewRecentTracks(capacity int, falsePositiveRate float64) *RecentTracks {
	if capacity < 0 || capacity > int(^uint(0)>>1) {
		panic("capacity value out of range for uint conversion")
	}

	rt := &RecentTracks{
		trackIDs:          make(map[string]struct{}),
		bloom:             bloom.NewWithEstimates(uint(capacity), falsePositiveRate),
		capacity:          capacity,
		falsePositiveRate: falsePositiveRate,
	}
	// callback runs inside Add/Purge while rt.mutex is already held
	rt.lru, _ = lru.NewWithEvict[string, struct{}](capacity, func(trackID string, _ struct{}) {
		delete(rt.trackIDs, trackID)
	})
	return rt
}

// Suppress marks a track id as recently touched.
func (rt *RecentTracks) Suppress(trackID string) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	if _, exists := rt.trackIDs[trackID]; exists {
		rt.lru.Get(trackID) // refresh recency
		return
	}

	rt.trackIDs[trackID] = struct{}{}
	rt.bloom.AddString(trackID)
	rt.lru.Add(trackID, struct{}{})
}

// Suppressed checks whether a track id was recently touched.
func (rt *RecentTracks) Suppressed(trackID string) bool {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()

	if !rt.bloom.TestString(trackID) {
		return false
	}

	_, exists := rt.trackIDs[trackID]
	return exists
}

// Size returns the number of suppressed track ids.
func (rt *RecentTracks) Size() int {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	return len(rt.trackIDs)
}

// Clear drops all suppressions.
func (rt *RecentTracks) Clear() {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	rt.trackIDs = make(map[string]struct{})
	if rt.capacity < 0 || rt.capacity > int(^uint(0)>>1) {
		panic("capacity value out of range for uint conversion")
	}
	rt.bloom = bloom.NewWithEstimates(uint(rt.capacity), rt.falsePositiveRate)
	rt.lru.Purge()
	// The bloom filter is rebuilt because it cannot forget; between clears a
	// stale positive only costs the map lookup.
}
