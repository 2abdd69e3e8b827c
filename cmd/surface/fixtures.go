package main

import (
	_ "embed"
	"strings"
)

// Recorded sample streams replayed in -dev mode: a GPS walking north out of
// 51.0,-114.0 at about 3 m/s, and an IMU alternating smooth and rough road.
var (
	//go:embed fixtures/gps.nmea
	gpsFixture string
	//go:embed fixtures/imu.csv
	imuFixture string
)

func fixtureLines(data string) []string {
	return strings.Split(strings.TrimSpace(data), "\n")
}
