package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/sessions/internal/assemble"
	"fleet-monitor/sessions/internal/domain"
)

func TestReviewNotifierEvaluate(t *testing.T) {
	logger, _ := test.NewNullLogger()
	n := NewReviewNotifier(&recordingPublisher{}, logger)

	clean := outcome(1, assemble.StatusPersisted).Session
	assert.Empty(t, n.Evaluate(clean))

	noisy := outcome(2, assemble.StatusPersisted).Session
	noisy.ReviewReasons = []domain.ReviewReason{domain.ReviewNoBeacon}
	noisy.Quality.Index = 30
	noisy.Quality.MissingKinds = []domain.SensorKind{domain.SensorBeacon}
	noisy.Summary.DiscardedJumps = 2
	assert.Equal(t, []NoticeType{NoticeNeedsReview, NoticeLowQuality, NoticeMissingKinds, NoticeJumps}, n.Evaluate(noisy))
}

func TestReviewNotifierPublishesStoredSessions(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &recordingPublisher{}
	n := NewReviewNotifier(pub, logger)

	stored := outcome(1, assemble.StatusPersisted)
	stored.Session.Events = []domain.Event{
		{Type: domain.EventDeparture, GeofenceID: "base-norte"},
		{Type: domain.EventReturn, GeofenceID: "base-norte"},
	}
	n.Notify(context.Background(), stored)
	n.Notify(context.Background(), outcome(2, assemble.StatusDuplicate))
	n.Notify(context.Background(), assemble.Outcome{Status: assemble.StatusPersisted})

	require.Len(t, pub.events["DOBACK022"], 1)
	var notice sessionNotice
	require.NoError(t, json.Unmarshal(pub.events["DOBACK022"][0], &notice))
	assert.Equal(t, "DOBACK022:20250315:1", notice.SessionKey)
	assert.Equal(t, 1, notice.Departures)
	assert.Equal(t, 1, notice.Returns)
	assert.Empty(t, notice.Notices)
}
