// Package geo provides the great-circle helpers shared by the surface map
// and the persistence layer.
package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// boundPadding widens prefilter boxes: orb sizes them with the WGS84
// equatorial radius, which is slightly larger than EarthRadiusMeters.
const boundPadding = 1.01

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Distance returns the haversine distance in meters between two points given
// in decimal degrees.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// CellID renders a coordinate-derived key at the given decimal precision,
// e.g. "51.0000_-114.0000" for precision 4.
func CellID(lat, lon float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	return fmt.Sprintf("%.*f_%.*f", precision, lat, precision, lon)
}

// BoundAround returns a box that contains every point within radius meters
// of (lat, lon). It over-covers slightly and must be followed by Distance.
// Within radius of ±180° the box wraps: Min.Lon() > Max.Lon() (see Wraps).
func BoundAround(lat, lon, radius float64) orb.Bound {
	return orbgeo.NewBoundAroundPoint(orb.Point{lon, lat}, radius*boundPadding)
}

// Wraps reports whether b crosses the antimeridian. Such a box covers
// longitudes >= Min.Lon() or <= Max.Lon().
func Wraps(b orb.Bound) bool {
	return b.Min.Lon() > b.Max.Lon()
}

// InBound reports whether (lat, lon) falls inside b, including boxes that
// wrap around ±180°.
func InBound(b orb.Bound, lat, lon float64) bool {
	if !Wraps(b) {
		return b.Contains(orb.Point{lon, lat})
	}
	if lat < b.Min.Lat() || lat > b.Max.Lat() {
		return false
	}
	return lon >= b.Min.Lon() || lon <= b.Max.Lon()
}
