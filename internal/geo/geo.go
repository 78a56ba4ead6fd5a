package geo

import (
	"errors"
	"math"
)

// ErrInvalidLocation indicates a coordinate outside the valid lat/lng range
// (or NaN/Inf).
var ErrInvalidLocation = errors.New("invalid location")

// earthRadiusM is the mean earth radius used by the haversine formula.
const earthRadiusM = 6371000.0

// DefaultGeofenceMeters is the operational scan radius.
const DefaultGeofenceMeters = 50.0

// Validate rejects NaN/Inf and out-of-range coordinates.
func Validate(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return ErrInvalidLocation
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return ErrInvalidLocation
	}
	return nil
}

// DistanceMeters returns the great-circle distance between two points using
// the haversine formula on a spherical earth.
func DistanceMeters(latA, lngA, latB, lngB float64) (float64, error) {
	if err := Validate(latA, lngA); err != nil {
		return 0, err
	}
	if err := Validate(latB, lngB); err != nil {
		return 0, err
	}

	phiA := latA * math.Pi / 180
	phiB := latB * math.Pi / 180
	dPhi := (latB - latA) * math.Pi / 180
	dLambda := (lngB - lngA) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phiA)*math.Cos(phiB)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c, nil
}

// WithinGeofence reports whether a distance falls inside the threshold.
func WithinGeofence(distanceMeters, thresholdMeters float64) bool {
	return distanceMeters <= thresholdMeters
}
