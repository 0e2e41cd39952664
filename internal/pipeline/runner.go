// Package pipeline runs a batch of logger exports through parsing,
// correlation and assembly.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fleet-monitor/sessions/internal/assemble"
	"fleet-monitor/sessions/internal/classify"
	"fleet-monitor/sessions/internal/config"
	"fleet-monitor/sessions/internal/correlate"
	"fleet-monitor/sessions/internal/domain"
	"fleet-monitor/sessions/internal/metrics"
	"fleet-monitor/sessions/internal/parser"
	"fleet-monitor/sessions/internal/polarity"
	"fleet-monitor/sessions/internal/splitter"
)

type GeofenceSource interface {
	Geofences(ctx context.Context) ([]domain.Geofence, error)
}

// Publisher is the optional Redis side of a run.
type Publisher interface {
	OutcomePublisher
	EventPublisher
}

type Options struct {
	Naming    *parser.Naming
	Correlate correlate.Options
	// Assemble.Classify.ActiveValue is replaced by the resolved polarity.
	Assemble assemble.Options

	VehicleWorkers int
	FileWorkers    int

	OutcomeQueueSize int
	OutcomeBatchSize int
	OutcomeFlushMS   int
}

func NewOptions(cfg *config.Config) Options {
	return Options{
		Naming: parser.NewNaming(cfg.InertialLabel, cfg.GPSLabel, cfg.BeaconLabel),
		Correlate: correlate.Options{
			Tolerance:      cfg.CorrelationTolerance,
			MaxFragmentGap: cfg.MaxFragmentGap,
		},
		Assemble: assemble.Options{
			Classify: classify.Options{
				MovingSpeedKmh: cfg.MovingSpeedKmh,
				ActiveValue:    polarity.DefaultActive,
			},
			MinDuration:          cfg.MinSessionDuration,
			MaxDuration:          cfg.MaxSessionDuration,
			MaxPlausibleSpeedKmh: cfg.MaxPlausibleSpeedKmh,
			Overwrite:            cfg.Overwrite,
		},
		VehicleWorkers:   cfg.VehicleWorkers,
		FileWorkers:      cfg.FileWorkers,
		OutcomeQueueSize: cfg.OutcomeChannelSize,
		OutcomeBatchSize: cfg.OutcomeBatchSize,
		OutcomeFlushMS:   cfg.OutcomeFlushMS,
	}
}

// Summary is what one run did.
type Summary struct {
	RunID      string
	Files      int
	Skipped    []string
	FileErrors []*FileError
	Orphans    []domain.RawSubStream
	Polarity   polarity.Decision
	Outcomes   []assemble.Outcome
}

func (s *Summary) Count(status assemble.Status) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

type Runner struct {
	opts      Options
	store     assemble.Store
	locker    assemble.Locker
	fences    GeofenceSource
	polarity  *polarity.Resolver
	publisher Publisher
	logger    logrus.FieldLogger
}

// NewRunner wires a run. locker and publisher may be nil.
func NewRunner(
	opts Options,
	store assemble.Store,
	locker assemble.Locker,
	fences GeofenceSource,
	resolver *polarity.Resolver,
	publisher Publisher,
	logger logrus.FieldLogger,
) *Runner {
	return &Runner{
		opts:      opts,
		store:     store,
		locker:    locker,
		fences:    fences,
		polarity:  resolver,
		publisher: publisher,
		logger:    logger,
	}
}

// vehicleWork carries one vehicle from phase A to phase B.
type vehicleWork struct {
	results []correlate.Result
	elapsed time.Duration
}

// Run processes every export under dir. The returned Summary is valid even
// when err is non-nil; on cancellation it covers the vehicles that ran.
func (r *Runner) Run(ctx context.Context, dir string) (*Summary, error) {
	sum := &Summary{RunID: uuid.NewString()}
	log := r.logger.WithField("run_id", sum.RunID)

	inv, err := Discover(dir, r.opts.Naming)
	if err != nil {
		return sum, err
	}
	sum.Files = inv.Files()
	sum.Skipped = inv.Skipped
	for _, path := range inv.Skipped {
		metrics.FilesProcessed.WithLabelValues("unknown", "skipped").Inc()
		log.WithField("path", path).Warn("skipping file with unrecognized name")
	}

	fences, err := r.fences.Geofences(ctx)
	if err != nil {
		return sum, fmt.Errorf("load geofences: %w", err)
	}

	vehicles := inv.Vehicles()
	log.WithFields(logrus.Fields{
		"files":     sum.Files,
		"vehicles":  len(vehicles),
		"geofences": len(fences),
	}).Info("run started")

	var mu sync.Mutex
	work := make(map[string]*vehicleWork, len(vehicles))
	dispatcher := NewDispatcher(r.opts.VehicleWorkers)

	cancelErr := dispatcher.Dispatch(ctx, vehicles, func(ctx context.Context, vehicleID string) {
		start := time.Now()
		results, fileErrs := r.correlateVehicle(ctx, vehicleID, inv.ByVehicle[vehicleID], log)

		mu.Lock()
		defer mu.Unlock()
		work[vehicleID] = &vehicleWork{results: results, elapsed: time.Since(start)}
		sum.FileErrors = append(sum.FileErrors, fileErrs...)
		for _, res := range results {
			sum.Orphans = append(sum.Orphans, res.Orphans...)
		}
	})
	if cancelErr != nil {
		r.finish(sum)
		return sum, cancelErr
	}

	var all []*correlate.Session
	for _, v := range vehicles {
		for _, res := range work[v].results {
			all = append(all, res.Sessions...)
		}
	}
	decision, err := r.polarity.Resolve(ctx, all)
	if err != nil {
		r.finish(sum)
		return sum, err
	}
	sum.Polarity = decision

	opts := r.opts.Assemble
	opts.Classify.ActiveValue = decision.Active
	asm := assemble.New(r.store, r.locker, fences, opts, log)

	var writer *OutcomeWriter
	var notifier *ReviewNotifier
	if r.publisher != nil {
		writer = NewOutcomeWriter(r.publisher, sum.RunID, r.opts.OutcomeQueueSize, r.opts.OutcomeBatchSize, r.opts.OutcomeFlushMS, log)
		go writer.Run(context.WithoutCancel(ctx))
		notifier = NewReviewNotifier(r.publisher, log)
	}

	cancelErr = dispatcher.Dispatch(ctx, vehicles, func(ctx context.Context, vehicleID string) {
		start := time.Now()
		w := work[vehicleID]
		var outs []assemble.Outcome
		for _, res := range w.results {
			for _, cs := range res.Sessions {
				o := asm.Assemble(ctx, cs)
				r.record(log, o)
				if writer != nil {
					writer.Enqueue(o)
					notifier.Notify(ctx, o)
				}
				outs = append(outs, o)
			}
		}
		metrics.VehicleDuration.Observe((w.elapsed + time.Since(start)).Seconds())

		mu.Lock()
		sum.Outcomes = append(sum.Outcomes, outs...)
		mu.Unlock()
	})

	if writer != nil {
		writer.Close()
	}
	r.finish(sum)
	log.WithFields(logrus.Fields{
		"sessions":  len(sum.Outcomes),
		"persisted": sum.Count(assemble.StatusPersisted),
		"replaced":  sum.Count(assemble.StatusReplaced),
		"duplicate": sum.Count(assemble.StatusDuplicate),
		"locked":    sum.Count(assemble.StatusLocked),
		"rejected":  sum.Count(assemble.StatusDurationRejected),
		"failed":    sum.Count(assemble.StatusFailed),
		"orphans":   len(sum.Orphans),
		"file_errs": len(sum.FileErrors),
	}).Info("run finished")
	return sum, cancelErr
}

// correlateVehicle is phase A for one vehicle: parse its files
// concurrently, split them and correlate each vehicle-date.
func (r *Runner) correlateVehicle(ctx context.Context, vehicleID string, files []parser.FileName, log logrus.FieldLogger) ([]correlate.Result, []*FileError) {
	parsed := make([]*parser.Result, len(files))
	errs := make([]error, len(files))

	var g errgroup.Group
	if r.opts.FileWorkers > 0 {
		g.SetLimit(r.opts.FileWorkers)
	}
	for i, fn := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			parsed[i], errs[i] = parser.ParseFile(fn)
			return nil
		})
	}
	// Workers report through errs and never fail the group.
	g.Wait()

	var streams []domain.RawSubStream
	var fileErrs []*FileError
	for i, fn := range files {
		kind := fn.Kind.Lower()
		if errs[i] != nil {
			metrics.FilesProcessed.WithLabelValues(kind, "unreadable").Inc()
			fe := &FileError{Path: fn.Path, Err: errs[i]}
			fileErrs = append(fileErrs, fe)
			if !errors.Is(errs[i], context.Canceled) {
				log.WithFields(logrus.Fields{"path": fn.Path, "error": errs[i]}).Error("file read failed")
			}
			continue
		}
		res := parsed[i]
		metrics.FilesProcessed.WithLabelValues(kind, "parsed").Inc()
		metrics.ParseErrors.WithLabelValues(kind).Add(float64(res.ParseErrors))

		subs, unplaced := splitter.Split(res, fn)
		metrics.SubStreams.WithLabelValues(kind).Add(float64(len(subs)))
		if len(unplaced) > 0 {
			log.WithFields(logrus.Fields{
				"path":   fn.Path,
				"issues": len(unplaced),
				"first":  unplaced[0].Detail,
				"line":   unplaced[0].Line,
			}).Warn("issues in a session without records")
		}
		log.WithFields(logrus.Fields{
			"path":         fn.Path,
			"lines":        res.Lines,
			"records":      len(res.Records),
			"parse_errors": res.ParseErrors,
			"substreams":   len(subs),
			"anomalies":    res.AnomalyLabels(),
		}).Debug("file parsed")
		streams = append(streams, subs...)
	}

	var results []correlate.Result
	for _, group := range correlate.GroupStreams(streams) {
		res := correlate.Correlate(group, r.opts.Correlate)
		for _, orphan := range res.Orphans {
			metrics.OrphanStreams.WithLabelValues(orphan.Kind.Lower()).Inc()
			log.WithFields(logrus.Fields{
				"vehicle_id": vehicleID,
				"stream":     orphan.Label(),
				"start":      orphan.Start,
				"end":        orphan.End,
			}).Warn("unmatched sub-stream")
		}
		log.WithFields(logrus.Fields{
			"vehicle_id": vehicleID,
			"date":       group.Date.Format(domain.DateLayout),
			"sessions":   len(res.Sessions),
			"orphans":    len(res.Orphans),
		}).Info("vehicle-date correlated")
		results = append(results, res)
	}
	return results, fileErrs
}

func (r *Runner) record(log logrus.FieldLogger, o assemble.Outcome) {
	metrics.Sessions.WithLabelValues(string(o.Status)).Inc()
	fields := logrus.Fields{
		"session_key": o.Key.String(),
		"status":      o.Status,
	}
	if o.Session != nil {
		metrics.QualityIndex.Observe(float64(o.Session.Quality.Index))
		for _, reason := range o.Session.ReviewReasons {
			metrics.ReviewFlags.WithLabelValues(string(reason)).Inc()
		}
		fields["quality_index"] = o.Session.Quality.Index
		fields["segments"] = len(o.Session.Segments)
		fields["needs_review"] = o.Session.NeedsReview()
	}
	switch o.Status {
	case assemble.StatusFailed:
		fields["error"] = o.Err
		log.WithFields(fields).Error("session not stored")
	case assemble.StatusDuplicate, assemble.StatusLocked, assemble.StatusDurationRejected:
		fields["reason"] = o.Err
		log.WithFields(fields).Info("session skipped")
	default:
		log.WithFields(fields).Info("session stored")
	}
}

// finish orders the summary so runs are comparable.
func (r *Runner) finish(sum *Summary) {
	sort.Slice(sum.Outcomes, func(i, j int) bool {
		return lessKey(sum.Outcomes[i].Key, sum.Outcomes[j].Key)
	})
	sort.Slice(sum.FileErrors, func(i, j int) bool { return sum.FileErrors[i].Path < sum.FileErrors[j].Path })
	sort.SliceStable(sum.Orphans, func(i, j int) bool {
		a, b := sum.Orphans[i], sum.Orphans[j]
		if a.VehicleID != b.VehicleID {
			return a.VehicleID < b.VehicleID
		}
		return a.Start.Before(b.Start)
	})
}

func lessKey(a, b domain.SessionKey) bool {
	if a.VehicleID != b.VehicleID {
		return a.VehicleID < b.VehicleID
	}
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	return a.Sequence < b.Sequence
}
