package parser

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fleet-monitor/sessions/internal/domain"
)

var ErrUnrecognizedName = errors.New("file name does not match <KIND>_<VEHICLE>_<YYYYMMDD>[_<SEQ>].txt")

type FileName struct {
	Path      string
	Kind      domain.SensorKind
	VehicleID string
	Date      time.Time
	Sequence  *int
}

// Naming maps the deployment's file labels to sensor kinds.
type Naming struct {
	labels map[string]domain.SensorKind
	re     *regexp.Regexp
}

func NewNaming(inertialLabel, gpsLabel, beaconLabel string) *Naming {
	labels := map[string]domain.SensorKind{
		strings.ToUpper(inertialLabel): domain.SensorInertial,
		strings.ToUpper(gpsLabel):      domain.SensorGPS,
		strings.ToUpper(beaconLabel):   domain.SensorBeacon,
	}
	alts := make([]string, 0, len(labels))
	for label := range labels {
		alts = append(alts, regexp.QuoteMeta(label))
	}
	re := regexp.MustCompile(`(?i)^(` + strings.Join(alts, "|") + `)_(.+?)_(\d{8})(?:_(\d+))?\.txt$`)
	return &Naming{labels: labels, re: re}
}

func (n *Naming) Parse(path string) (FileName, error) {
	base := filepath.Base(path)
	m := n.re.FindStringSubmatch(base)
	if m == nil {
		return FileName{}, fmt.Errorf("%s: %w", base, ErrUnrecognizedName)
	}
	date, err := time.Parse(domain.DateLayout, m[3])
	if err != nil {
		return FileName{}, fmt.Errorf("%s: bad date %q: %w", base, m[3], ErrUnrecognizedName)
	}
	fn := FileName{
		Path:      path,
		Kind:      n.labels[strings.ToUpper(m[1])],
		VehicleID: m[2],
		Date:      date,
	}
	if m[4] != "" {
		seq, err := strconv.Atoi(m[4])
		if err == nil && seq > 0 {
			fn.Sequence = &seq
		}
	}
	return fn, nil
}
