package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-monitor/sessions/internal/assemble"
	"fleet-monitor/sessions/internal/metrics"
	"fleet-monitor/sessions/internal/store"
)

// OutcomePublisher receives batches of run outcomes.
type OutcomePublisher interface {
	PublishOutcomes(ctx context.Context, runID string, batch []store.Published) error
}

type outcomeMessage struct {
	RunID         string   `json:"run_id"`
	SessionKey    string   `json:"session_key"`
	SessionID     string   `json:"session_id,omitempty"`
	Status        string   `json:"status"`
	QualityIndex  int      `json:"quality_index"`
	ReviewReasons []string `json:"review_reasons,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// OutcomeWriter batches outcomes onto the publisher. Enqueue never blocks
// the assembling workers; a full queue drops the report.
type OutcomeWriter struct {
	ch        chan assemble.Outcome
	pub       OutcomePublisher
	runID     string
	batchSize int
	flushMS   int
	retry     time.Duration
	logger    logrus.FieldLogger
	done      chan struct{}
}

func NewOutcomeWriter(
	pub OutcomePublisher,
	runID string,
	queueSize int,
	batchSize int,
	flushMS int,
	logger logrus.FieldLogger,
) *OutcomeWriter {
	if batchSize < 1 {
		batchSize = 1
	}
	if flushMS < 1 {
		flushMS = 500
	}
	return &OutcomeWriter{
		ch:        make(chan assemble.Outcome, queueSize),
		pub:       pub,
		runID:     runID,
		batchSize: batchSize,
		flushMS:   flushMS,
		retry:     500 * time.Millisecond,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

func (w *OutcomeWriter) Enqueue(o assemble.Outcome) {
	select {
	case w.ch <- o:
	default:
		metrics.OutcomeChannelDrops.Inc()
	}
}

// Close stops intake and waits for Run to flush what is queued.
func (w *OutcomeWriter) Close() {
	close(w.ch)
	<-w.done
}

func (w *OutcomeWriter) Run(ctx context.Context) {
	defer close(w.done)

	batch := make([]store.Published, 0, w.batchSize)
	ticker := time.NewTicker(time.Duration(w.flushMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case o, ok := <-w.ch:
			if !ok {
				if len(batch) > 0 {
					w.flush(ctx, batch)
				}
				return
			}
			batch = append(batch, w.encode(o))
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			if len(batch) > 0 {
				w.flush(context.WithoutCancel(ctx), batch)
			}
			// Keep draining so Close does not block on a full queue.
			for range w.ch {
			}
			return
		}
	}
}

func (w *OutcomeWriter) encode(o assemble.Outcome) store.Published {
	msg := outcomeMessage{
		RunID:      w.runID,
		SessionKey: o.Key.String(),
		Status:     string(o.Status),
	}
	if o.Session != nil {
		msg.SessionID = o.Session.ID
		msg.QualityIndex = o.Session.Quality.Index
		for _, r := range o.Session.ReviewReasons {
			msg.ReviewReasons = append(msg.ReviewReasons, string(r))
		}
	}
	if o.Err != nil {
		msg.Error = o.Err.Error()
	}
	payload, _ := json.Marshal(msg)
	return store.Published{Counter: string(o.Status), Payload: payload}
}

func (w *OutcomeWriter) flush(ctx context.Context, batch []store.Published) {
	err := w.pub.PublishOutcomes(ctx, w.runID, batch)
	if err == nil {
		return
	}
	w.logger.WithFields(logrus.Fields{"batch": len(batch), "error": err}).Warn("outcome publish failed, retrying")

	select {
	case <-time.After(w.retry):
	case <-ctx.Done():
	}
	if err := w.pub.PublishOutcomes(context.WithoutCancel(ctx), w.runID, batch); err != nil {
		w.logger.WithFields(logrus.Fields{"batch": len(batch), "error": err}).Error("outcome publish permanently failed")
		metrics.OutcomePublishFailures.Add(float64(len(batch)))
	}
}
