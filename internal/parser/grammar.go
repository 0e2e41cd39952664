// Package parser turns one exported logger file into typed records.
//
// Every non-blank line is first classified into a LineKind by a per-sensor
// grammar; only then is it decoded. Classification never looks at more than
// the line itself, so each line kind can be tested in isolation.
package parser

import (
	"regexp"
	"strings"

	"fleet-monitor/sessions/internal/domain"
)

type LineKind int

const (
	LineBlank LineKind = iota
	LineSessionHeader
	LineColumnHeader
	LineTimeMarker
	LineData
)

func (k LineKind) String() string {
	switch k {
	case LineBlank:
		return "blank"
	case LineSessionHeader:
		return "session_header"
	case LineColumnHeader:
		return "column_header"
	case LineTimeMarker:
		return "time_marker"
	default:
		return "data"
	}
}

type grammar struct {
	separator string
	columns   map[string]bool
}

var (
	sessionTokenRe = regexp.MustCompile(`(?i)(sesi[oó]n|session)\s*:`)
	timeMarkerRe   = regexp.MustCompile(`^\d{1,2}:\d{1,2}:\d{1,2}(\.\d{1,6})?$`)
)

var grammars = map[domain.SensorKind]grammar{
	domain.SensorInertial: {
		separator: ";",
		columns: set("ax", "accx", "acc_x", "timestamp", "time", "hora", "fecha", "fechahora"),
	},
	domain.SensorGPS: {
		separator: ",",
		columns: set("horaraspberry", "hora", "time", "timestamp", "fecha", "fechahora", "latitud", "latitude", "lat"),
	},
	domain.SensorBeacon: {
		separator: ";",
		columns: set("fecha-hora", "fechahora", "timestamp", "time", "hora", "estado", "state"),
	},
}

func set(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

// Separator returns the field separator used by data lines of kind.
func Separator(kind domain.SensorKind) string {
	return grammars[kind].separator
}

// Classify decides what a single raw line is for the given sensor kind.
func Classify(kind domain.SensorKind, line string) LineKind {
	line = strings.TrimSpace(strings.TrimPrefix(line, "\uFEFF"))
	if line == "" {
		return LineBlank
	}
	if sessionTokenRe.MatchString(line) {
		return LineSessionHeader
	}
	if timeMarkerRe.MatchString(line) {
		return LineTimeMarker
	}

	g, ok := grammars[kind]
	if !ok {
		return LineData
	}
	first := strings.ToLower(strings.TrimSpace(splitFields(line, g.separator)[0]))
	if g.columns[first] {
		return LineColumnHeader
	}
	return LineData
}

// splitFields splits on sep and drops trailing empty fields left by
// loggers that terminate every line with a separator.
func splitFields(line, sep string) []string {
	fields := strings.Split(line, sep)
	for len(fields) > 1 && strings.TrimSpace(fields[len(fields)-1]) == "" {
		fields = fields[:len(fields)-1]
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

// splitAny splits header lines, which some loggers write with commas even
// when their data lines use semicolons.
func splitAny(line string) []string {
	if strings.Contains(line, ";") {
		return splitFields(line, ";")
	}
	return splitFields(line, ",")
}
