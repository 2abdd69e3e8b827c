package ride

import (
	"github.com/google/uuid"

	"github.com/banshee-data/surface.report/internal/sensor"
	"github.com/banshee-data/surface.report/internal/surface"
)

func newPoint(rideID int64, fix sensor.Fix, roughness float64) surface.RidePoint {
	return surface.RidePoint{
		ID:                 uuid.NewString(),
		RideID:             rideID,
		Timestamp:          fix.Timestamp,
		Latitude:           fix.Latitude,
		Longitude:          fix.Longitude,
		Altitude:           fix.Altitude,
		HorizontalAccuracy: fix.Accuracy,
		RoughnessValue:     roughness,
	}
}
