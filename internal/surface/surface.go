// Package surface holds the records produced by a ride: fused roughness
// points, the rides that own them, and the shared road-surface map entries.
package surface

import (
	"fmt"
	"time"
)

// RideStatus is the lifecycle status persisted with a Ride.
type RideStatus string

const (
	RideActive    RideStatus = "active"
	RideCompleted RideStatus = "completed"
)

// RidePoint is one fused observation: the freshest fix at tick time paired
// with the roughness of the vibration window accumulated since the last tick.
// Points are immutable once created and belong to exactly one ride.
type RidePoint struct {
	ID                 string    `json:"id"`
	RideID             int64     `json:"ride_id"`
	Timestamp          time.Time `json:"timestamp"`
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	Altitude           *float64  `json:"altitude"`
	HorizontalAccuracy float64   `json:"horizontal_accuracy"`
	RoughnessValue     float64   `json:"roughness_value"`
}

func (p *RidePoint) String() string {
	return fmt.Sprintf("ride=%d t=%d lat=%.6f lon=%.6f roughness=%.4f",
		p.RideID, p.Timestamp.UnixMilli(), p.Latitude, p.Longitude, p.RoughnessValue)
}

// RoughnessMapEntry is one cell of the global surface-quality map. The
// coordinates and score are those of the most recent observation merged into
// it; GeoCellID is fixed at creation and does not follow the centroid.
type RoughnessMapEntry struct {
	GeoCellID      string    `json:"geo_cell_id"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	RoughnessValue float64   `json:"roughness_value"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Ride is one recording session.
type Ride struct {
	ID              int64      `json:"ride_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	DurationSeconds int64      `json:"duration_seconds"`
	TotalPoints     int        `json:"total_points"`
	Status          RideStatus `json:"status"`
}

// NewRide returns an active ride identified by its start time in epoch milliseconds.
func NewRide(id int64, start time.Time) Ride {
	return Ride{
		ID:        id,
		StartTime: start,
		Status:    RideActive,
	}
}

// Complete applies the final aggregates. Duration is whole seconds, floored.
func (r *Ride) Complete(end time.Time, totalPoints int) {
	r.EndTime = &end
	ms := end.UnixMilli() - r.StartTime.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	r.DurationSeconds = ms / 1000
	r.TotalPoints = totalPoints
	r.Status = RideCompleted
}

// Active reports whether the ride is still recording.
func (r *Ride) Active() bool {
	return r.Status == RideActive
}
