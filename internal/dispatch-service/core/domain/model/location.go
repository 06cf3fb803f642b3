package model

import "math"

const earthRadiusM = 6371000.0

// Location is a WGS-84 coordinate pair. Stored order everywhere is
// [longitude, latitude].
type Location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// IsSentinel reports whether the location is the forbidden (0,0) value.
func (l Location) IsSentinel() bool {
	return l.Longitude == 0 && l.Latitude == 0
}

// Valid reports whether both coordinates lie inside the WGS-84 ranges.
func (l Location) Valid() bool {
	return math.Abs(l.Latitude) <= 90 && math.Abs(l.Longitude) <= 180
}

// HaversineM returns the great-circle distance between two points in
// metres, rounded to the nearest metre.
func HaversineM(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return math.Round(earthRadiusM * c)
}
