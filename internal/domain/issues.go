package domain

import (
	"errors"
	"fmt"
)

type IssueKind string

const (
	// IssueParseError: the line could not become a typed record; it was skipped.
	IssueParseError IssueKind = "PARSE_ERROR"
	// IssueSignalLoss is an expected absence of a GPS fix, not an error.
	IssueSignalLoss IssueKind = "SIGNAL_LOSS"
	IssueAnomaly    IssueKind = "ANOMALY"
)

type AnomalyLabel string

const (
	AnomalyCorruptedTimestamp AnomalyLabel = "corrupted_timestamp"
	AnomalyOutOfRangeHour     AnomalyLabel = "out_of_range_hour"
	AnomalyInvalidCoordinate  AnomalyLabel = "invalid_coordinate"
)

// Issue is something noticed while parsing one line.
type Issue struct {
	Kind   IssueKind
	Label  AnomalyLabel
	Line   int
	Detail string
}

func (i Issue) String() string {
	if i.Label != "" {
		return fmt.Sprintf("line %d: %s (%s): %s", i.Line, i.Kind, i.Label, i.Detail)
	}
	return fmt.Sprintf("line %d: %s: %s", i.Line, i.Kind, i.Detail)
}

type ReviewReason string

const (
	ReviewAmbiguousGPS     ReviewReason = "ambiguous_gps_match"
	ReviewAmbiguousBeacon  ReviewReason = "ambiguous_beacon_match"
	ReviewNoGPS            ReviewReason = "no_gps_within_tolerance"
	ReviewNoBeacon         ReviewReason = "no_beacon_within_tolerance"
	ReviewMissingInertial  ReviewReason = "missing_inertial"
	ReviewSequenceConflict ReviewReason = "sequence_conflict"
)

// AmbiguousReason maps a sensor kind to the review reason raised when more
// than one candidate matched equally well.
func AmbiguousReason(kind SensorKind) ReviewReason {
	if kind == SensorBeacon {
		return ReviewAmbiguousBeacon
	}
	return ReviewAmbiguousGPS
}

// NoMatchReason maps a sensor kind to the review reason raised when nothing
// matched within tolerance.
func NoMatchReason(kind SensorKind) ReviewReason {
	if kind == SensorBeacon {
		return ReviewNoBeacon
	}
	return ReviewNoGPS
}

var (
	ErrDurationRejected = errors.New("session duration outside accepted window")
	ErrDuplicateSession = errors.New("session already stored")
	ErrLockHeld         = errors.New("session key locked by another ingestion")
)
