package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/sessions/internal/assemble"
	"fleet-monitor/sessions/internal/domain"
	"fleet-monitor/sessions/internal/store"
)

type recordingPublisher struct {
	mu      sync.Mutex
	fails   int
	batches [][]store.Published
	events  map[string][][]byte
}

func (p *recordingPublisher) PublishOutcomes(_ context.Context, _ string, batch []store.Published) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails > 0 {
		p.fails--
		return errors.New("redis down")
	}
	p.batches = append(p.batches, append([]store.Published(nil), batch...))
	return nil
}

func (p *recordingPublisher) PublishSessionEvent(_ context.Context, vehicleID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = map[string][][]byte{}
	}
	p.events[vehicleID] = append(p.events[vehicleID], payload)
	return nil
}

func outcome(seq int, status assemble.Status) assemble.Outcome {
	key := domain.SessionKey{VehicleID: "DOBACK022", Date: day, Sequence: seq}
	return assemble.Outcome{
		Key:    key,
		Status: status,
		Session: &domain.Session{
			ID:      assemble.SessionID(key),
			Key:     key,
			Quality: domain.QualityMetrics{Index: 90},
		},
	}
}

func TestOutcomeWriterBatches(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &recordingPublisher{}
	w := NewOutcomeWriter(pub, "run-1", 10, 2, 60_000, logger)
	go w.Run(context.Background())

	w.Enqueue(outcome(1, assemble.StatusPersisted))
	w.Enqueue(outcome(2, assemble.StatusDuplicate))
	w.Enqueue(outcome(3, assemble.StatusPersisted))
	w.Close()

	require.Len(t, pub.batches, 2)
	assert.Len(t, pub.batches[0], 2)
	assert.Len(t, pub.batches[1], 1)
	assert.Equal(t, "duplicate", pub.batches[0][1].Counter)

	var msg outcomeMessage
	require.NoError(t, json.Unmarshal(pub.batches[0][0].Payload, &msg))
	assert.Equal(t, "run-1", msg.RunID)
	assert.Equal(t, "DOBACK022:20250315:1", msg.SessionKey)
	assert.Equal(t, 90, msg.QualityIndex)
}

func TestOutcomeWriterRetriesOnce(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &recordingPublisher{fails: 1}
	w := NewOutcomeWriter(pub, "run-1", 10, 1, 60_000, logger)
	w.retry = time.Millisecond
	go w.Run(context.Background())

	failed := outcome(1, assemble.StatusFailed)
	failed.Err = errors.New("store DOBACK022:20250315:1: connection refused")
	w.Enqueue(failed)
	w.Close()

	require.Len(t, pub.batches, 1)
	var msg outcomeMessage
	require.NoError(t, json.Unmarshal(pub.batches[0][0].Payload, &msg))
	assert.Equal(t, "failed", msg.Status)
	assert.Contains(t, msg.Error, "connection refused")
}

func TestOutcomeWriterFlushesOnCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &recordingPublisher{}
	w := NewOutcomeWriter(pub, "run-1", 10, 100, 60_000, logger)

	w.Enqueue(outcome(1, assemble.StatusPersisted))
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	require.Eventually(t, func() bool { return len(w.ch) == 0 }, time.Second, time.Millisecond)
	cancel()
	w.Close()

	require.Len(t, pub.batches, 1)
}
