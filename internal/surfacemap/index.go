// Package surfacemap maintains the deduplicated road-surface map. Each new
// roughness point either refreshes the nearest existing entry within the
// proximity radius or founds a new one.
package surfacemap

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/surface.report/internal/geo"
	"github.com/banshee-data/surface.report/internal/surface"
)

const (
	// DefaultRadius is the proximity radius in meters.
	DefaultRadius = 10.0
	// DefaultPrecision is the number of decimals in a new entry's cell id
	// (about 11 m of latitude).
	DefaultPrecision = 4
)

// Store is the durable backing for map entries.
type Store interface {
	MapEntries(ctx context.Context) ([]surface.RoughnessMapEntry, error)
	PutMapEntry(ctx context.Context, entry surface.RoughnessMapEntry) error
}

// Index is the in-memory view of every map entry with write-through to a
// Store. Lookups scan all entries; each candidate is boxed with a cheap
// bounding-box test before the haversine distance is computed.
//
// Merges are serialised, so concurrent writers cannot lose an update between
// the scan and the write.
type Index struct {
	Radius    float64
	Precision int

	store Store

	mu      sync.RWMutex
	entries []surface.RoughnessMapEntry
	byID    map[string]int
}

// NewIndex returns an empty index. A nil store keeps the map in memory only.
func NewIndex(store Store, radius float64, precision int) *Index {
	if radius <= 0 {
		radius = DefaultRadius
	}
	if precision < 0 {
		precision = DefaultPrecision
	}
	return &Index{
		Radius:    radius,
		Precision: precision,
		store:     store,
		byID:      make(map[string]int),
	}
}

// Load replaces the in-memory entries with the store's contents.
func (ix *Index) Load(ctx context.Context) error {
	if ix.store == nil {
		return nil
	}
	entries, err := ix.store.MapEntries(ctx)
	if err != nil {
		return fmt.Errorf("load surface map: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = make([]surface.RoughnessMapEntry, 0, len(entries))
	ix.byID = make(map[string]int, len(entries))
	for _, e := range entries {
		ix.byID[e.GeoCellID] = len(ix.entries)
		ix.entries = append(ix.entries, e)
	}
	return nil
}

// Merge folds point into the map. The nearest entry within Radius takes the
// point's coordinates, score and timestamp outright; nothing is averaged.
// Without a match a new entry is created. The returned entry reflects the
// in-memory state even when the store write fails; that failure is returned
// alongside it.
func (ix *Index) Merge(ctx context.Context, point surface.RidePoint) (surface.RoughnessMapEntry, bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	idx := ix.nearestLocked(point.Latitude, point.Longitude, ix.Radius)
	created := idx < 0

	var entry surface.RoughnessMapEntry
	if created {
		entry = surface.RoughnessMapEntry{
			GeoCellID:      ix.uniqueIDLocked(geo.CellID(point.Latitude, point.Longitude, ix.Precision)),
			Latitude:       point.Latitude,
			Longitude:      point.Longitude,
			RoughnessValue: point.RoughnessValue,
			LastUpdated:    point.Timestamp,
		}
		ix.byID[entry.GeoCellID] = len(ix.entries)
		ix.entries = append(ix.entries, entry)
	} else {
		e := &ix.entries[idx]
		e.Latitude = point.Latitude
		e.Longitude = point.Longitude
		e.RoughnessValue = point.RoughnessValue
		e.LastUpdated = point.Timestamp
		entry = *e
	}

	if ix.store != nil {
		if err := ix.store.PutMapEntry(ctx, entry); err != nil {
			return entry, created, fmt.Errorf("store map entry %s: %w", entry.GeoCellID, err)
		}
	}
	return entry, created, nil
}

// Query returns copies of all entries within radius meters of the center,
// nearest first. It never modifies the map.
func (ix *Index) Query(lat, lon, radius float64) []surface.RoughnessMapEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	type hit struct {
		entry surface.RoughnessMapEntry
		dist  float64
	}
	var hits []hit
	bound := geo.BoundAround(lat, lon, radius)
	for _, e := range ix.entries {
		if !geo.InBound(bound, e.Latitude, e.Longitude) {
			continue
		}
		if d := geo.Distance(lat, lon, e.Latitude, e.Longitude); d <= radius {
			hits = append(hits, hit{e, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })

	out := make([]surface.RoughnessMapEntry, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return out
}

// Entries returns a snapshot of every entry in creation order.
func (ix *Index) Entries() []surface.RoughnessMapEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]surface.RoughnessMapEntry(nil), ix.entries...)
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// nearestLocked returns the index of the closest entry within radius, or -1.
func (ix *Index) nearestLocked(lat, lon, radius float64) int {
	best := -1
	bestDist := radius
	bound := geo.BoundAround(lat, lon, radius)
	for i, e := range ix.entries {
		if !geo.InBound(bound, e.Latitude, e.Longitude) {
			continue
		}
		d := geo.Distance(lat, lon, e.Latitude, e.Longitude)
		if d <= bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// uniqueIDLocked suffixes id when a drifted entry already owns it. Entries
// are never re-keyed, so the id is opaque rather than positional.
func (ix *Index) uniqueIDLocked(id string) string {
	if _, taken := ix.byID[id]; !taken {
		return id
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-%d", id, n)
		if _, taken := ix.byID[candidate]; !taken {
			return candidate
		}
	}
}
