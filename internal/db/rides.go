package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/surface.report/internal/surface"
)

var ErrNotFound = errors.New("not found")

// CreateRide inserts the initial record of an active ride.
func (db *DB) CreateRide(ctx context.Context, ride surface.Ride) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO rides (ride_id, start_time_ms, end_time_ms, duration_seconds, total_points, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ride.ID, ride.StartTime.UnixMilli(), nullableMillis(ride.EndTime),
		ride.DurationSeconds, ride.TotalPoints, string(ride.Status),
	)
	if err != nil {
		return fmt.Errorf("insert ride %d: %w", ride.ID, err)
	}
	return nil
}

// FinalizeRide writes the ride's points in creation order and its final
// summary in a single transaction. The ride row is created if CreateRide
// never succeeded.
func (db *DB) FinalizeRide(ctx context.Context, ride surface.Ride, points []surface.RidePoint) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			dbLogf("rollback of ride %d failed: %v", ride.ID, rbErr)
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rides (ride_id, start_time_ms, end_time_ms, duration_seconds, total_points, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ride_id) DO UPDATE SET
			end_time_ms = excluded.end_time_ms,
			duration_seconds = excluded.duration_seconds,
			total_points = excluded.total_points,
			status = excluded.status`,
		ride.ID, ride.StartTime.UnixMilli(), nullableMillis(ride.EndTime),
		ride.DurationSeconds, ride.TotalPoints, string(ride.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert ride %d: %w", ride.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ride_points (point_id, ride_id, seq, timestamp_ms, latitude, longitude,
			altitude, horizontal_accuracy, roughness_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare point insert: %w", err)
	}
	defer stmt.Close()

	for i, p := range points {
		var alt sql.NullFloat64
		if p.Altitude != nil {
			alt = sql.NullFloat64{Float64: *p.Altitude, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, ride.ID, i, p.Timestamp.UnixMilli(), p.Latitude, p.Longitude,
			alt, p.HorizontalAccuracy, p.RoughnessValue,
		); err != nil {
			return fmt.Errorf("insert point %d of ride %d: %w", i, ride.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ride %d: %w", ride.ID, err)
	}
	return nil
}

const rideColumns = `ride_id, start_time_ms, end_time_ms, duration_seconds, total_points, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (surface.Ride, error) {
	var (
		r       surface.Ride
		startMs int64
		endMs   sql.NullInt64
		status  string
	)
	if err := row.Scan(&r.ID, &startMs, &endMs, &r.DurationSeconds, &r.TotalPoints, &status); err != nil {
		return surface.Ride{}, err
	}
	r.StartTime = time.UnixMilli(startMs)
	if endMs.Valid {
		end := time.UnixMilli(endMs.Int64)
		r.EndTime = &end
	}
	r.Status = surface.RideStatus(status)
	return r, nil
}

// Ride returns one ride, or ErrNotFound.
func (db *DB) Ride(ctx context.Context, id int64) (surface.Ride, error) {
	row := db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE ride_id = ?`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return surface.Ride{}, fmt.Errorf("ride %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return surface.Ride{}, fmt.Errorf("query ride %d: %w", id, err)
	}
	return r, nil
}

// Rides returns every ride, newest first.
func (db *DB) Rides(ctx context.Context) ([]surface.Ride, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides ORDER BY start_time_ms DESC, ride_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query rides: %w", err)
	}
	defer rows.Close()

	var rides []surface.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		rides = append(rides, r)
	}
	return rides, rows.Err()
}

// RidePoints returns a ride's points in creation order.
func (db *DB) RidePoints(ctx context.Context, rideID int64) ([]surface.RidePoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT point_id, ride_id, timestamp_ms, latitude, longitude, altitude,
			horizontal_accuracy, roughness_value
		FROM ride_points WHERE ride_id = ? ORDER BY seq`, rideID)
	if err != nil {
		return nil, fmt.Errorf("query points of ride %d: %w", rideID, err)
	}
	defer rows.Close()

	var points []surface.RidePoint
	for rows.Next() {
		var (
			p   surface.RidePoint
			ts  int64
			alt sql.NullFloat64
		)
		if err := rows.Scan(&p.ID, &p.RideID, &ts, &p.Latitude, &p.Longitude, &alt,
			&p.HorizontalAccuracy, &p.RoughnessValue); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		p.Timestamp = time.UnixMilli(ts)
		if alt.Valid {
			v := alt.Float64
			p.Altitude = &v
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
