package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"fleet-monitor/sessions/internal/domain"
)

var defaultInertialColumns = []string{"ax", "ay", "az", "gx", "gy", "gz", "roll", "pitch", "yaw", "si", "temp"}

var columnAliases = map[string]string{
	"accx": "ax", "acc_x": "ax",
	"accy": "ay", "acc_y": "ay",
	"accz": "az", "acc_z": "az",
	"gyrox": "gx", "gyro_x": "gx",
	"gyroy": "gy", "gyro_y": "gy",
	"gyroz": "gz", "gyro_z": "gz",
	"temperature": "temp", "temperatura": "temp",
	"time": "timestamp", "hora": "timestamp", "fecha": "timestamp", "fechahora": "timestamp",
}

var requiredInertial = []string{"ax", "ay", "az", "gx", "gy", "gz"}

func canonicalColumn(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := columnAliases[name]; ok {
		return alias
	}
	return name
}

func inertialLayout(fields []string) []string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = canonicalColumn(f)
	}
	return cols
}

type fieldError struct {
	column string
	value  string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("field %s: not numeric: %q", e.column, e.value)
}

func parseNumber(column, value string) (float64, error) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", "."), 64)
	if err != nil {
		return 0, &fieldError{column: column, value: value}
	}
	return f, nil
}

// splitInertial separates an optional leading timestamp from the values of
// an inertial data line.
func splitInertial(fields, layout []string) (tsTok string, names, values []string) {
	names = layout
	if len(layout) > 0 && layout[0] == "timestamp" {
		names = layout[1:]
		return fields[0], names, fields[1:]
	}
	if looksLikeTime(fields[0]) {
		return fields[0], names, fields[1:]
	}
	return "", names, fields
}

func decodeInertial(names, values []string) (*domain.InertialSample, error) {
	if len(values) < len(requiredInertial) {
		return nil, fmt.Errorf("expected at least %d values, got %d", len(requiredInertial), len(values))
	}
	byName := make(map[string]float64, len(values))
	for i, v := range values {
		name := fmt.Sprintf("col%d", i)
		if i < len(names) {
			name = names[i]
		}
		if v == "" {
			continue
		}
		f, err := parseNumber(name, v)
		if err != nil {
			return nil, err
		}
		byName[name] = f
	}
	for _, name := range requiredInertial {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("missing required field %s", name)
		}
	}

	s := &domain.InertialSample{
		AccX: byName["ax"], AccY: byName["ay"], AccZ: byName["az"],
		GyroX: byName["gx"], GyroY: byName["gy"], GyroZ: byName["gz"],
	}
	roll, hasRoll := byName["roll"]
	pitch, hasPitch := byName["pitch"]
	yaw, hasYaw := byName["yaw"]
	if hasRoll || hasPitch || hasYaw {
		s.HasAttitude = true
		s.Roll, s.Pitch, s.Yaw = roll, pitch, yaw
	}
	if temp, ok := byName["temp"]; ok {
		s.Temperature = temp
		s.HasTemperature = true
	}
	for name, v := range byName {
		switch name {
		case "ax", "ay", "az", "gx", "gy", "gz", "roll", "pitch", "yaw", "temp":
			continue
		}
		if s.Derived == nil {
			s.Derived = make(map[string]float64)
		}
		s.Derived[name] = v
	}
	return s, nil
}

var (
	signalLossRe   = regexp.MustCompile(`(?i)no\s+gps\s+data`)
	interpolatedRe = regexp.MustCompile(`(?i)^interp`)
)

// splitTimestamp joins a leading "date,time" pair into one token.
func splitTimestamp(fields []string) (tsTok string, rest []string) {
	if len(fields) >= 2 && dateOnlyRe.MatchString(fields[0]) && looksLikeTime(fields[1]) {
		return fields[0] + " " + fields[1], fields[2:]
	}
	return fields[0], fields[1:]
}

func decodeGPS(values []string) (*domain.GPSFix, error) {
	if len(values) < 5 {
		return nil, fmt.Errorf("expected at least 5 values, got %d", len(values))
	}
	names := []string{"latitude", "longitude", "altitude", "speed", "satellites"}
	nums := make([]float64, len(names))
	for i, name := range names {
		f, err := parseNumber(name, values[i])
		if err != nil {
			return nil, err
		}
		nums[i] = f
	}
	fix := &domain.GPSFix{
		Latitude:   nums[0],
		Longitude:  nums[1],
		AltitudeM:  nums[2],
		SpeedKmh:   nums[3],
		Satellites: int(nums[4]),
	}
	for _, extra := range values[5:] {
		if extra == "" {
			continue
		}
		if !fix.HasHDOP && fix.FixLabel == "" {
			if hdop, err := strconv.ParseFloat(extra, 64); err == nil {
				fix.HDOP = hdop
				fix.HasHDOP = true
				continue
			}
		}
		fix.FixLabel = extra
		fix.Interpolated = interpolatedRe.MatchString(extra)
	}
	return fix, nil
}

func decodeBeacon(values []string) (*domain.BeaconSample, error) {
	if len(values) < 1 {
		return nil, fmt.Errorf("missing beacon state")
	}
	switch values[0] {
	case "0":
		return &domain.BeaconSample{State: 0}, nil
	case "1":
		return &domain.BeaconSample{State: 1}, nil
	}
	return nil, &fieldError{column: "state", value: values[0]}
}
