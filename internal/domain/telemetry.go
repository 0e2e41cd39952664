package domain

import (
	"strings"
	"time"
)

type SensorKind string

const (
	SensorInertial SensorKind = "INERTIAL"
	SensorGPS      SensorKind = "GPS"
	SensorBeacon   SensorKind = "BEACON"
)

// SensorKinds lists every kind in dominance order for quality tie-breaks.
var SensorKinds = []SensorKind{SensorInertial, SensorGPS, SensorBeacon}

func (k SensorKind) Valid() bool {
	switch k {
	case SensorInertial, SensorGPS, SensorBeacon:
		return true
	}
	return false
}

func (k SensorKind) Lower() string {
	return strings.ToLower(string(k))
}

// RawRecord is one timestamped sample. Exactly one of Inertial, GPS or
// Beacon is set, matching Kind.
type RawRecord struct {
	Timestamp time.Time
	Kind      SensorKind
	Line      int

	Inertial *InertialSample
	GPS      *GPSFix
	Beacon   *BeaconSample
}

type InertialSample struct {
	AccX, AccY, AccZ    float64
	GyroX, GyroY, GyroZ float64

	// Attitude is only present when the logger exports it.
	HasAttitude bool
	Roll        float64
	Pitch       float64
	Yaw         float64

	Derived        map[string]float64
	Temperature    float64
	HasTemperature bool
}

type GPSFix struct {
	Latitude   float64
	Longitude  float64
	AltitudeM  float64
	SpeedKmh   float64
	Satellites int

	HDOP         float64
	HasHDOP      bool
	FixLabel     string
	Interpolated bool
}

// ValidPosition reports whether the fix carries a usable coordinate.
// (0,0) is the loggers' "no fix" placeholder, not a real position.
func (f *GPSFix) ValidPosition() bool {
	if f == nil {
		return false
	}
	if f.Latitude == 0 && f.Longitude == 0 {
		return false
	}
	return f.Latitude >= -90 && f.Latitude <= 90 &&
		f.Longitude >= -180 && f.Longitude <= 180
}

type BeaconSample struct {
	State int
}
