// Package assemble turns a correlated session into the persisted Session and
// is the only code that writes sessions to storage.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleet-monitor/sessions/internal/classify"
	"fleet-monitor/sessions/internal/correlate"
	"fleet-monitor/sessions/internal/domain"
	"fleet-monitor/sessions/internal/quality"
)

var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("fleet-monitor/sessions"))

// SessionID derives the stable ID of a session key.
func SessionID(key domain.SessionKey) string {
	return uuid.NewSHA1(sessionNamespace, []byte(key.String())).String()
}

type Store interface {
	Exists(ctx context.Context, key domain.SessionKey) (bool, error)
	// InsertIfAbsent atomically writes s unless its key is taken and
	// reports whether it wrote.
	InsertIfAbsent(ctx context.Context, s *domain.Session) (bool, error)
	Replace(ctx context.Context, s *domain.Session) error
}

// Locker provides cross-process mutual exclusion per session key.
type Locker interface {
	Lock(ctx context.Context, key domain.SessionKey) (func(context.Context) error, error)
}

type Status string

const (
	StatusPersisted        Status = "persisted"
	StatusReplaced         Status = "replaced"
	StatusDurationRejected Status = "duration_rejected"
	StatusDuplicate        Status = "duplicate"
	// StatusLocked means another process holds the session's lock; nothing
	// is known to be stored yet, so a later run may still persist it.
	StatusLocked           Status = "locked"
	StatusFailed           Status = "failed"
)

type Outcome struct {
	Key     domain.SessionKey
	Status  Status
	Session *domain.Session
	Err     error
}

type Options struct {
	Classify             classify.Options
	MinDuration          time.Duration
	MaxDuration          time.Duration
	MaxPlausibleSpeedKmh float64
	Overwrite            bool
}

type Assembler struct {
	store  Store
	locker Locker
	fences []domain.Geofence
	opts   Options
	logger logrus.FieldLogger
}

// New returns an Assembler. locker may be nil when a single process owns
// the store; the store's unique key still guards against duplicates.
func New(store Store, locker Locker, fences []domain.Geofence, opts Options, logger logrus.FieldLogger) *Assembler {
	return &Assembler{store: store, locker: locker, fences: fences, opts: opts, logger: logger}
}

// Build classifies and scores cs and returns the resulting Session without
// touching storage.
func (a *Assembler) Build(cs *correlate.Session) *domain.Session {
	key := cs.Key()
	cls := classify.Classify(cs, a.fences, a.opts.Classify)

	s := &domain.Session{
		ID:            SessionID(key),
		Key:           key,
		Start:         cs.Start,
		End:           cs.End,
		Sources:       make(map[domain.SensorKind]string),
		Segments:      cls.Segments,
		Events:        cls.Events,
		Quality:       quality.Score(cs),
		ReviewReasons: append([]domain.ReviewReason(nil), cs.ReviewReasons...),
	}
	for _, kind := range domain.SensorKinds {
		if st := cs.Stream(kind); st != nil {
			s.Sources[kind] = st.Label()
		}
	}

	s.Summary.Duration = s.End.Sub(s.Start)
	if gps := cs.Stream(domain.SensorGPS); gps != nil {
		s.Summary.DistanceKm, s.Summary.DiscardedJumps = Distance(gps.Records, a.opts.MaxPlausibleSpeedKmh)
	}
	return s
}

func (a *Assembler) durationOK(d time.Duration) bool {
	if d < a.opts.MinDuration {
		return false
	}
	return a.opts.MaxDuration <= 0 || d <= a.opts.MaxDuration
}

// Assemble builds the session and stores it unless it is rejected or
// already present.
func (a *Assembler) Assemble(ctx context.Context, cs *correlate.Session) Outcome {
	s := a.Build(cs)
	out := Outcome{Key: s.Key, Session: s}

	if !a.durationOK(s.Summary.Duration) {
		out.Status = StatusDurationRejected
		out.Err = fmt.Errorf("%s lasted %s: %w", s.Key, s.Summary.Duration, domain.ErrDurationRejected)
		return out
	}

	exists, err := a.store.Exists(ctx, s.Key)
	if err != nil {
		return a.failed(out, err)
	}
	if exists && !a.opts.Overwrite {
		out.Status = StatusDuplicate
		out.Err = fmt.Errorf("%s: %w", s.Key, domain.ErrDuplicateSession)
		return out
	}

	if a.locker != nil {
		unlock, err := a.locker.Lock(ctx, s.Key)
		if errors.Is(err, domain.ErrLockHeld) {
			out.Status = StatusLocked
			out.Err = err
			return out
		}
		if err != nil {
			return a.failed(out, err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				a.logger.WithFields(logrus.Fields{
					"session_key": s.Key.String(),
					"error":       err,
				}).Warn("session lock release failed")
			}
		}()
	}

	if exists {
		if err := a.store.Replace(ctx, s); err != nil {
			return a.failed(out, err)
		}
		out.Status = StatusReplaced
		return out
	}

	inserted, err := a.store.InsertIfAbsent(ctx, s)
	if err != nil {
		return a.failed(out, err)
	}
	if !inserted {
		out.Status = StatusDuplicate
		out.Err = fmt.Errorf("%s: %w", s.Key, domain.ErrDuplicateSession)
		return out
	}
	out.Status = StatusPersisted
	return out
}

func (a *Assembler) failed(out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Err = fmt.Errorf("store %s: %w", out.Key, err)
	return out
}
