package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/surface.report/internal/geo"
	"github.com/banshee-data/surface.report/internal/surface"
)

const mapColumns = `geo_cell_id, latitude, longitude, roughness_value, last_updated_ms`

func scanMapEntry(row rowScanner) (surface.RoughnessMapEntry, error) {
	var (
		e  surface.RoughnessMapEntry
		ms int64
	)
	if err := row.Scan(&e.GeoCellID, &e.Latitude, &e.Longitude, &e.RoughnessValue, &ms); err != nil {
		return surface.RoughnessMapEntry{}, err
	}
	e.LastUpdated = time.UnixMilli(ms)
	return e, nil
}

func (db *DB) queryMapEntries(ctx context.Context, query string, args ...any) ([]surface.RoughnessMapEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query map entries: %w", err)
	}
	defer rows.Close()

	var entries []surface.RoughnessMapEntry
	for rows.Next() {
		e, err := scanMapEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan map entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MapEntries returns every roughness map entry.
func (db *DB) MapEntries(ctx context.Context) ([]surface.RoughnessMapEntry, error) {
	return db.queryMapEntries(ctx, `SELECT `+mapColumns+` FROM roughness_map ORDER BY geo_cell_id`)
}

// MapEntry returns one entry by id, or ErrNotFound.
func (db *DB) MapEntry(ctx context.Context, id string) (surface.RoughnessMapEntry, error) {
	row := db.QueryRowContext(ctx, `SELECT `+mapColumns+` FROM roughness_map WHERE geo_cell_id = ?`, id)
	e, err := scanMapEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return surface.RoughnessMapEntry{}, fmt.Errorf("map entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return surface.RoughnessMapEntry{}, fmt.Errorf("query map entry %s: %w", id, err)
	}
	return e, nil
}

// PutMapEntry inserts the entry or overwrites the one with the same id.
func (db *DB) PutMapEntry(ctx context.Context, e surface.RoughnessMapEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO roughness_map (`+mapColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (geo_cell_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			roughness_value = excluded.roughness_value,
			last_updated_ms = excluded.last_updated_ms`,
		e.GeoCellID, e.Latitude, e.Longitude, e.RoughnessValue, e.LastUpdated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert map entry %s: %w", e.GeoCellID, err)
	}
	return nil
}

// MapEntriesWithin returns the entries within radius meters of the point,
// nearest first. The bounding box narrows the scan through the lat/lon
// index; the haversine distance decides.
func (db *DB) MapEntriesWithin(ctx context.Context, lat, lon, radius float64) ([]surface.RoughnessMapEntry, error) {
	b := geo.BoundAround(lat, lon, radius)
	lonClause := "longitude BETWEEN ? AND ?"
	if geo.Wraps(b) {
		lonClause = "(longitude >= ? OR longitude <= ?)"
	}
	candidates, err := db.queryMapEntries(ctx, `
		SELECT `+mapColumns+` FROM roughness_map
		WHERE latitude BETWEEN ? AND ? AND `+lonClause,
		b.Min.Lat(), b.Max.Lat(), b.Min.Lon(), b.Max.Lon())
	if err != nil {
		return nil, err
	}

	type hit struct {
		entry surface.RoughnessMapEntry
		dist  float64
	}
	var hits []hit
	for _, e := range candidates {
		if d := geo.Distance(lat, lon, e.Latitude, e.Longitude); d <= radius {
			hits = append(hits, hit{e, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })

	out := make([]surface.RoughnessMapEntry, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return out, nil
}
