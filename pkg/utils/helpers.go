package utils

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusKm is the mean Earth radius used by the distance helpers
const EarthRadiusKm = 6371.0

// Haversine calculates distance between two points in kilometers
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusKm
}

// Bearing returns the great-circle initial bearing (forward azimuth) from
// point 1 to point 2 in degrees, 0 = north, clockwise, normalized to [0, 360)
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)

	dLon := p2.Lng.Radians() - p1.Lng.Radians()
	y := math.Sin(dLon) * math.Cos(p2.Lat.Radians())
	x := math.Cos(p1.Lat.Radians())*math.Sin(p2.Lat.Radians()) -
		math.Sin(p1.Lat.Radians())*math.Cos(p2.Lat.Radians())*math.Cos(dLon)

	deg := s1.Angle(math.Atan2(y, x)).Degrees()
	return math.Mod(deg+360, 360)
}

// OffsetDegrees converts a ground distance in meters around a latitude into
// latitude and longitude deltas, for coarse bounding boxes
func OffsetDegrees(lat, meters float64) (dLat, dLon float64) {
	dLat = meters / (EarthRadiusKm * 1000) * 180 / math.Pi
	cos := math.Cos(lat * math.Pi / 180)
	if cos < 1e-6 {
		return dLat, 180
	}
	return dLat, dLat / cos
}

// Clamp limits a value between min and max
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// RoundTo rounds a float to specified decimal places
func RoundTo(value float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(value*factor) / factor
}

// Lerp performs linear interpolation between two values
func Lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}
