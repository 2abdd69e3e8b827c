package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance_Identity(t *testing.T) {
	points := [][2]float64{
		{0, 0},
		{51.0, -114.0},
		{-33.8688, 151.2093},
		{89.9999, 179.9999},
	}
	for _, p := range points {
		assert.Equal(t, 0.0, Distance(p[0], p[1], p[0], p[1]), "distance to self for %v", p)
	}
}

func TestDistance_Symmetric(t *testing.T) {
	cases := [][4]float64{
		{51.0, -114.0, 51.00003, -114.0},
		{-6.2, 106.816, -6.9175, 107.6191},
		{40.7128, -74.0060, 51.5074, -0.1278},
	}
	for _, c := range cases {
		ab := Distance(c[0], c[1], c[2], c[3])
		ba := Distance(c[2], c[3], c[0], c[1])
		assert.InDelta(t, ab, ba, 1e-9)
	}
}

func TestDistance_KnownValues(t *testing.T) {
	// One thousandth of a degree of latitude is ~111.2 m.
	d := Distance(51.0, -114.0, 51.001, -114.0)
	assert.InDelta(t, 111.19, d, 0.05)

	// Jakarta to Bandung is roughly 120 km.
	d = Distance(-6.2, 106.816, -6.9175, 107.6191)
	assert.Greater(t, d, 100_000.0)
	assert.Less(t, d, 140_000.0)
}

func TestCellID(t *testing.T) {
	assert.Equal(t, "51.0000_-114.0000", CellID(51.0, -114.0, 4))
	assert.Equal(t, "51.00004_-114.00001", CellID(51.000041, -114.000012, 5))
	assert.Equal(t, "51_-114", CellID(51.2, -113.9, -1))
}

func TestBoundAround_CoversRadius(t *testing.T) {
	lat, lon := 51.0, -114.0
	b := BoundAround(lat, lon, 10)

	// 9.9 m north and east must be inside the box.
	north := lat + 9.9/111195.0
	assert.True(t, InBound(b, north, lon))
	assert.True(t, InBound(b, lat, lon))

	// 50 m away must be outside.
	assert.False(t, InBound(b, lat+50/111195.0, lon))
}

func TestBoundAround_Antimeridian(t *testing.T) {
	// 0.00003° of longitude at the equator is about 3.3 m.
	for _, lon := range []float64{179.99997, -179.99997} {
		b := BoundAround(0, lon, 10)
		assert.True(t, Wraps(b), "box around %v should wrap", lon)
		assert.True(t, InBound(b, 0, lon), "center %v", lon)
		assert.True(t, InBound(b, 0, -lon), "mirror of %v across 180", lon)
		assert.True(t, InBound(b, 0, 180))
		assert.False(t, InBound(b, 0, 0))
		assert.False(t, InBound(b, 0.001, lon), "111 m north of %v", lon)
	}

	assert.InDelta(t, 6.672, Distance(0, 179.99997, 0, -179.99997), 0.01)
	assert.False(t, Wraps(BoundAround(51.0, -114.0, 10)))
}
