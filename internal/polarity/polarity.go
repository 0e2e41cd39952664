// Package polarity decides which beacon state means "warning light on".
//
// The loggers write 0/1 without saying which is active. A deployment either
// pins the value (BEACON_ACTIVE_VALUE=0|1) or lets the first run infer it
// from how beacon state correlates with GPS speed; the inferred value is
// persisted so later runs agree with it.
package polarity

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"fleet-monitor/sessions/internal/correlate"
	"fleet-monitor/sessions/internal/domain"
)

const (
	SettingAuto = "auto"

	// DefaultActive is used when nothing else decides.
	DefaultActive = 1

	// minCorrelation is the weakest |r| accepted as evidence.
	minCorrelation = 0.1
)

type Source string

const (
	SourceConfig   Source = "config"
	SourceStored   Source = "stored"
	SourceInferred Source = "inferred"
	SourceDefault  Source = "default"
)

// Store persists the deployment-wide value.
type Store interface {
	GetPolarity(ctx context.Context) (int, bool, error)
	// SetPolarityNX stores value unless one is already stored and returns
	// whichever value is stored afterwards.
	SetPolarityNX(ctx context.Context, value int) (int, error)
}

type Decision struct {
	Active      int
	Source      Source
	Correlation float64
	Samples     int
}

type Resolver struct {
	setting    string
	minSamples int
	store      Store
	logger     logrus.FieldLogger
}

// NewResolver validates setting ("0", "1" or "auto"). store may be nil, in
// which case inferred values are not persisted.
func NewResolver(setting string, minSamples int, store Store, logger logrus.FieldLogger) (*Resolver, error) {
	switch setting {
	case "0", "1", SettingAuto:
	default:
		return nil, fmt.Errorf("beacon active value must be 0, 1 or %s, got %q", SettingAuto, setting)
	}
	return &Resolver{setting: setting, minSamples: minSamples, store: store, logger: logger}, nil
}

func (r *Resolver) Resolve(ctx context.Context, sessions []*correlate.Session) (Decision, error) {
	switch r.setting {
	case "0":
		return Decision{Active: 0, Source: SourceConfig}, nil
	case "1":
		return Decision{Active: 1, Source: SourceConfig}, nil
	}

	if r.store != nil {
		v, ok, err := r.store.GetPolarity(ctx)
		if err != nil {
			return Decision{}, fmt.Errorf("read beacon polarity: %w", err)
		}
		if ok {
			return Decision{Active: v, Source: SourceStored}, nil
		}
	}

	active, corr, n, ok := Infer(sessions, r.minSamples)
	if !ok {
		r.logger.WithFields(logrus.Fields{
			"samples":     n,
			"correlation": corr,
		}).Warn("beacon polarity inconclusive, using default")
		return Decision{Active: DefaultActive, Source: SourceDefault, Correlation: corr, Samples: n}, nil
	}

	d := Decision{Active: active, Source: SourceInferred, Correlation: corr, Samples: n}
	if r.store != nil {
		stored, err := r.store.SetPolarityNX(ctx, active)
		if err != nil {
			return Decision{}, fmt.Errorf("store beacon polarity: %w", err)
		}
		if stored != active {
			// Another run got there first; its value is authoritative.
			d.Active, d.Source = stored, SourceStored
		}
	}
	r.logger.WithFields(logrus.Fields{
		"active":      d.Active,
		"source":      d.Source,
		"samples":     n,
		"correlation": corr,
	}).Info("beacon polarity resolved")
	return d, nil
}

// Infer correlates beacon state with GPS speed across sessions. A positive
// correlation means state 1 is active. ok is false with fewer than
// minSamples pairs, a constant series, or |r| below the evidence floor.
func Infer(sessions []*correlate.Session, minSamples int) (active int, corr float64, n int, ok bool) {
	var states, speeds []float64
	for _, s := range sessions {
		gps, bcn := s.Stream(domain.SensorGPS), s.Stream(domain.SensorBeacon)
		if gps == nil || bcn == nil || len(bcn.Records) == 0 {
			continue
		}
		recs := bcn.Records
		for i := range gps.Records {
			rec := &gps.Records[i]
			if !rec.GPS.ValidPosition() || rec.GPS.Interpolated {
				continue
			}
			j := sort.Search(len(recs), func(j int) bool { return recs[j].Timestamp.After(rec.Timestamp) })
			if j == 0 {
				continue
			}
			states = append(states, float64(recs[j-1].Beacon.State))
			speeds = append(speeds, rec.GPS.SpeedKmh)
		}
	}

	n = len(states)
	if n < minSamples || n < 2 {
		return DefaultActive, 0, n, false
	}
	corr = stat.Correlation(states, speeds, nil)
	if math.IsNaN(corr) || math.Abs(corr) < minCorrelation {
		return DefaultActive, corr, n, false
	}
	if corr > 0 {
		return 1, corr, n, true
	}
	return 0, corr, n, true
}
