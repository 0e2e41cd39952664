// Package correlate matches the GPS and beacon sub-streams of one
// vehicle-date to its inertial sub-streams.
package correlate

import (
	"sort"
	"strings"
	"time"

	"fleet-monitor/sessions/internal/domain"
)

// tieWindow is how close two overlaps must be to count as equally good.
const tieWindow = time.Second

type Options struct {
	// Tolerance is the slack allowed on each edge of the anchor span.
	Tolerance time.Duration
	// MaxFragmentGap is the largest hole allowed between merged fragments.
	MaxFragmentGap time.Duration
}

// Session is one correlated trip: at most one sub-stream per kind.
type Session struct {
	VehicleID string
	Date      time.Time
	Sequence  int
	Start     time.Time
	End       time.Time

	Streams       map[domain.SensorKind]*domain.RawSubStream
	ReviewReasons []domain.ReviewReason

	explicit *int
}

func (s *Session) Stream(kind domain.SensorKind) *domain.RawSubStream {
	return s.Streams[kind]
}

func (s *Session) Key() domain.SessionKey {
	return domain.SessionKey{VehicleID: s.VehicleID, Date: s.Date, Sequence: s.Sequence}
}

func (s *Session) flag(r domain.ReviewReason) {
	for _, have := range s.ReviewReasons {
		if have == r {
			return
		}
	}
	s.ReviewReasons = append(s.ReviewReasons, r)
}

type Result struct {
	VehicleID string
	Date      time.Time
	Sessions  []*Session
	// Orphans are GPS or beacon sub-streams no anchor claimed.
	Orphans []domain.RawSubStream
}

type pool struct {
	kind    domain.SensorKind
	streams []domain.RawSubStream
	used    []bool
}

func newPool(g Group, kind domain.SensorKind) *pool {
	s := g.Streams(kind)
	return &pool{kind: kind, streams: s, used: make([]bool, len(s))}
}

type span struct {
	start, end time.Time
}

func (sp span) covers(s *domain.RawSubStream, tol time.Duration) bool {
	return !s.Start.After(sp.start.Add(tol)) && !s.End.Before(sp.end.Add(-tol))
}

func overlap(a span, start, end time.Time) time.Duration {
	lo, hi := a.start, a.end
	if start.After(lo) {
		lo = start
	}
	if end.Before(hi) {
		hi = end
	}
	if hi.Before(lo) {
		return 0
	}
	return hi.Sub(lo)
}

// Correlate builds the sessions of one vehicle-date. Anchors are the
// inertial sub-streams; without any, GPS and then beacon sub-streams anchor
// instead and every session is flagged for review.
func Correlate(g Group, opts Options) Result {
	pools := map[domain.SensorKind]*pool{}
	for _, k := range domain.SensorKinds {
		pools[k] = newPool(g, k)
	}

	anchorKind := domain.SensorInertial
	for _, k := range domain.SensorKinds {
		if len(pools[k].streams) > 0 {
			anchorKind = k
			break
		}
	}

	res := Result{VehicleID: g.VehicleID, Date: g.Date}
	anchors := pools[anchorKind]
	for i := range anchors.streams {
		if anchors.used[i] {
			continue
		}
		anchors.used[i] = true
		a := &anchors.streams[i]

		s := &Session{
			VehicleID: g.VehicleID,
			Date:      g.Date,
			Start:     a.Start,
			End:       a.End,
			Streams:   map[domain.SensorKind]*domain.RawSubStream{anchorKind: a},
		}
		if anchorKind != domain.SensorInertial {
			s.flag(domain.ReviewMissingInertial)
		}

		window := span{start: a.Start, end: a.End}
		for _, k := range domain.SensorKinds {
			if k == anchorKind || k == domain.SensorInertial {
				continue
			}
			match, reason := pools[k].match(window, opts)
			if match == nil {
				s.flag(reason)
				continue
			}
			s.Streams[k] = match
			if match.Start.Before(s.Start) {
				s.Start = match.Start
			}
			if match.End.After(s.End) {
				s.End = match.End
			}
		}
		s.explicit = explicitSequence(s)
		res.Sessions = append(res.Sessions, s)
	}

	for _, k := range domain.SensorKinds {
		p := pools[k]
		for i := range p.streams {
			if !p.used[i] {
				res.Orphans = append(res.Orphans, p.streams[i])
			}
		}
	}

	sort.SliceStable(res.Sessions, func(i, j int) bool {
		return res.Sessions[i].Start.Before(res.Sessions[j].Start)
	})
	resolveSequences(res.Sessions)
	return res
}

// match returns the sub-stream of p that best fits window, or nil and the
// review reason explaining why nothing was attached.
func (p *pool) match(window span, opts Options) (*domain.RawSubStream, domain.ReviewReason) {
	type scored struct {
		idx int
		ov  time.Duration
	}
	var covering []scored
	for i := range p.streams {
		if p.used[i] {
			continue
		}
		s := &p.streams[i]
		if window.covers(s, opts.Tolerance) {
			covering = append(covering, scored{idx: i, ov: overlap(window, s.Start, s.End)})
		}
	}
	if len(covering) > 0 {
		sort.SliceStable(covering, func(i, j int) bool { return covering[i].ov > covering[j].ov })
		if len(covering) > 1 && covering[0].ov-covering[1].ov < tieWindow {
			return nil, domain.AmbiguousReason(p.kind)
		}
		p.used[covering[0].idx] = true
		return &p.streams[covering[0].idx], ""
	}

	if merged := p.mergeFragments(window, opts); merged != nil {
		return merged, ""
	}
	return nil, domain.NoMatchReason(p.kind)
}

// mergeFragments joins unused sub-streams that mostly fall inside the
// tolerance-widened window, provided together they cover it.
func (p *pool) mergeFragments(window span, opts Options) *domain.RawSubStream {
	wide := span{start: window.start.Add(-opts.Tolerance), end: window.end.Add(opts.Tolerance)}

	var idx []int
	for i := range p.streams {
		if p.used[i] {
			continue
		}
		s := &p.streams[i]
		if s.End.Before(wide.start) || s.Start.After(wide.end) {
			continue
		}
		if 2*overlap(wide, s.Start, s.End) >= s.Duration() {
			idx = append(idx, i)
		}
	}
	if len(idx) < 2 {
		return nil
	}

	// Streams are start-ordered, so idx is too.
	first := &p.streams[idx[0]]
	reach := first.End
	for _, i := range idx[1:] {
		s := &p.streams[i]
		if s.Start.Sub(reach) > opts.MaxFragmentGap {
			return nil
		}
		if s.End.After(reach) {
			reach = s.End
		}
	}
	union := &domain.RawSubStream{Start: first.Start, End: reach}
	if !window.covers(union, opts.Tolerance) {
		return nil
	}

	merged := &domain.RawSubStream{
		VehicleID:   first.VehicleID,
		Kind:        first.Kind,
		Date:        first.Date,
		HeaderIndex: first.HeaderIndex,
		Start:       first.Start,
		End:         reach,
		Fragments:   len(idx),
	}
	var sources []string
	for _, i := range idx {
		s := &p.streams[i]
		p.used[i] = true
		if merged.Sequence == nil {
			merged.Sequence = s.Sequence
		}
		merged.Records = append(merged.Records, s.Records...)
		merged.Issues = append(merged.Issues, s.Issues...)
		if len(sources) == 0 || sources[len(sources)-1] != s.SourceFile {
			sources = append(sources, s.SourceFile)
		}
	}
	sort.SliceStable(merged.Records, func(i, j int) bool {
		return merged.Records[i].Timestamp.Before(merged.Records[j].Timestamp)
	})
	merged.SourceFile = strings.Join(sources, ",")
	return merged
}

func explicitSequence(s *Session) *int {
	for _, k := range domain.SensorKinds {
		if st := s.Streams[k]; st != nil && st.Sequence != nil {
			return st.Sequence
		}
	}
	return nil
}

// resolveSequences keeps the first session to claim an explicit number and
// numbers the rest with the smallest unused positive values in start order.
func resolveSequences(sessions []*Session) {
	taken := map[int]bool{}
	var pending []*Session
	for _, s := range sessions {
		if s.explicit != nil && *s.explicit > 0 && !taken[*s.explicit] {
			s.Sequence = *s.explicit
			taken[s.Sequence] = true
			continue
		}
		if s.explicit != nil {
			s.flag(domain.ReviewSequenceConflict)
		}
		pending = append(pending, s)
	}
	next := 1
	for _, s := range pending {
		for taken[next] {
			next++
		}
		s.Sequence = next
		taken[next] = true
	}
}
