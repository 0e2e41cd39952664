package pipeline

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"fleet-monitor/sessions/internal/assemble"
	"fleet-monitor/sessions/internal/domain"
)

// EventPublisher delivers per-vehicle session notifications.
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, vehicleID string, payload []byte) error
}

type NoticeType string

const (
	NoticeNeedsReview  NoticeType = "NEEDS_REVIEW"
	NoticeLowQuality   NoticeType = "LOW_QUALITY"
	NoticeMissingKinds NoticeType = "MISSING_SENSORS"
	NoticeJumps        NoticeType = "GPS_JUMPS"
)

type NoticeRule struct {
	Type  NoticeType
	Match func(s *domain.Session) bool
}

// lowQualityIndex is the index below which a stored session is called out.
const lowQualityIndex = 50

var DefaultNoticeRules = []NoticeRule{
	{Type: NoticeNeedsReview, Match: func(s *domain.Session) bool { return s.NeedsReview() }},
	{Type: NoticeLowQuality, Match: func(s *domain.Session) bool { return s.Quality.Index < lowQualityIndex }},
	{Type: NoticeMissingKinds, Match: func(s *domain.Session) bool { return len(s.Quality.MissingKinds) > 0 }},
	{Type: NoticeJumps, Match: func(s *domain.Session) bool { return s.Summary.DiscardedJumps > 0 }},
}

type sessionNotice struct {
	SessionKey   string       `json:"session_key"`
	SessionID    string       `json:"session_id"`
	Status       string       `json:"status"`
	StartedAt    int64        `json:"started_at"`
	EndedAt      int64        `json:"ended_at"`
	DistanceKm   float64      `json:"distance_km"`
	QualityIndex int          `json:"quality_index"`
	Notices      []NoticeType `json:"notices,omitempty"`
	Departures   int          `json:"departures"`
	Returns      int          `json:"returns"`
}

// ReviewNotifier announces every stored session on its vehicle's channel,
// tagged with the notice rules it matches.
type ReviewNotifier struct {
	pub    EventPublisher
	rules  []NoticeRule
	logger logrus.FieldLogger
}

func NewReviewNotifier(pub EventPublisher, logger logrus.FieldLogger) *ReviewNotifier {
	return &ReviewNotifier{pub: pub, rules: DefaultNoticeRules, logger: logger}
}

func (n *ReviewNotifier) Evaluate(s *domain.Session) []NoticeType {
	var out []NoticeType
	for _, rule := range n.rules {
		if rule.Match(s) {
			out = append(out, rule.Type)
		}
	}
	return out
}

// Notify publishes o if it stored a session. Publish failures are logged;
// they never change the outcome.
func (n *ReviewNotifier) Notify(ctx context.Context, o assemble.Outcome) {
	if o.Session == nil || (o.Status != assemble.StatusPersisted && o.Status != assemble.StatusReplaced) {
		return
	}
	s := o.Session

	notice := sessionNotice{
		SessionKey:   s.Key.String(),
		SessionID:    s.ID,
		Status:       string(o.Status),
		StartedAt:    s.Start.Unix(),
		EndedAt:      s.End.Unix(),
		DistanceKm:   s.Summary.DistanceKm,
		QualityIndex: s.Quality.Index,
		Notices:      n.Evaluate(s),
	}
	for _, ev := range s.Events {
		switch ev.Type {
		case domain.EventDeparture:
			notice.Departures++
		case domain.EventReturn:
			notice.Returns++
		}
	}

	payload, _ := json.Marshal(notice)
	if err := n.pub.PublishSessionEvent(ctx, s.Key.VehicleID, payload); err != nil {
		n.logger.WithFields(logrus.Fields{
			"session_key": s.Key.String(),
			"error":       err,
		}).Warn("session notification failed")
	}
}
