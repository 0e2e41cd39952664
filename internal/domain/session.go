package domain

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date layout used in file names and session keys.
const DateLayout = "20060102"

// RawSubStream is one recording session of one sensor kind inside one
// source file. It must not be modified once the splitter returns it.
type RawSubStream struct {
	VehicleID   string
	Kind        SensorKind
	Date        time.Time
	HeaderIndex int
	Sequence    *int
	Start       time.Time
	End         time.Time
	Records     []RawRecord
	SourceFile  string
	Issues      []Issue

	// Fragments lists the source sub-streams merged into a virtual one.
	Fragments int
}

func (s *RawSubStream) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

func (s *RawSubStream) Label() string {
	if s == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s:%s#%d", s.Kind, s.SourceFile, s.HeaderIndex)
}

type SessionKey struct {
	VehicleID string
	Date      time.Time
	Sequence  int
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.VehicleID, k.Date.Format(DateLayout), k.Sequence)
}

type Segment struct {
	State      OperationalState
	Start      time.Time
	End        time.Time
	GeofenceID string
}

func (s Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

type EventType string

const (
	EventDeparture EventType = "DEPARTURE"
	EventReturn    EventType = "RETURN"
)

type Event struct {
	Type       EventType
	At         time.Time
	GeofenceID string
	Latitude   float64
	Longitude  float64

	// Nearest samples at the event time, when available.
	SpeedKmh float64
	Roll     float64
	Pitch    float64
}

type QualityMetrics struct {
	RecordsByKind     map[SensorKind]int
	ParseErrorsByKind map[SensorKind]int

	GPSFixes           int
	ValidFixes         int
	InvalidFixes       int
	InterpolatedFixes  int
	SignalLossEvents   int
	ValidFixRatio      float64
	CorruptedTimestamp int
	OutOfRangeHours    int

	MissingKinds []SensorKind
	DominantKind SensorKind
	Index        int
}

type Summary struct {
	DistanceKm     float64
	Duration       time.Duration
	DiscardedJumps int
}

// Session is the persisted unit of output.
type Session struct {
	ID    string
	Key   SessionKey
	Start time.Time
	End   time.Time

	Sources map[SensorKind]string

	Segments []Segment
	Events   []Event
	Quality  QualityMetrics
	Summary  Summary

	ReviewReasons []ReviewReason
}

func (s *Session) NeedsReview() bool {
	return len(s.ReviewReasons) > 0
}
