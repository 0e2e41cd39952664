// Package classify labels every moment of a correlated session with an
// operational state and reports geofence departures and returns.
package classify

import (
	"sort"
	"time"

	"fleet-monitor/sessions/internal/correlate"
	"fleet-monitor/sessions/internal/domain"
	"fleet-monitor/sessions/internal/geo"
)

type Options struct {
	MovingSpeedKmh float64
	// ActiveValue is the beacon state that means the warning light is on.
	ActiveValue int
	// Rules defaults to domain.DefaultStateRules.
	Rules []domain.StateRule
}

type Result struct {
	Segments []domain.Segment
	Events   []domain.Event
}

type point struct {
	at     time.Time
	hasPos bool
	lat    float64
	lon    float64
	speed  float64
}

// Classify walks the session's valid GPS fixes, or its beacon samples when
// no usable GPS exists, and returns segments covering [Start, End] exactly.
func Classify(s *correlate.Session, fences []domain.Geofence, opts Options) Result {
	rules := opts.Rules
	if rules == nil {
		rules = domain.DefaultStateRules
	}
	sorted := sortFences(fences)

	var beacon []domain.RawRecord
	if b := s.Stream(domain.SensorBeacon); b != nil {
		beacon = b.Records
	}
	var inertial []domain.RawRecord
	if in := s.Stream(domain.SensorInertial); in != nil {
		inertial = in.Records
	}
	var gps []domain.RawRecord
	if g := s.Stream(domain.SensorGPS); g != nil {
		gps = g.Records
	}

	points := timeline(gps, beacon)
	b := &builder{start: s.Start, end: s.End}
	var events []domain.Event
	var inside *domain.Geofence
	seen := false

	for _, p := range points {
		in := &domain.StateInput{}
		if p.hasPos {
			in.Workshop = locate(sorted, domain.GeofenceWorkshop, p.lat, p.lon)
			in.Base = locate(sorted, domain.GeofenceBase, p.lat, p.lon)
			in.HasSpeed = true
			in.SpeedKmh = p.speed
		}
		if i, ok := atOrBefore(beacon, p.at); ok {
			in.BeaconKnown = true
			in.BeaconActive = beacon[i].Beacon != nil && beacon[i].Beacon.State == opts.ActiveValue
		}

		state, fence := domain.Resolve(rules, in, opts.MovingSpeedKmh)
		b.add(p.at, state, fence)

		if !p.hasPos {
			continue
		}
		if inside != nil && (fence == nil || fence.ID != inside.ID) {
			events = append(events, event(domain.EventDeparture, inside.ID, p, gps, inertial))
		}
		if fence != nil && (inside == nil || fence.ID != inside.ID) && seen {
			events = append(events, event(domain.EventReturn, fence.ID, p, gps, inertial))
		}
		inside = fence
		seen = true
	}

	return Result{Segments: b.finish(), Events: events}
}

func timeline(gps, beacon []domain.RawRecord) []point {
	var pts []point
	for i := range gps {
		fix := gps[i].GPS
		if !fix.ValidPosition() {
			continue
		}
		pts = append(pts, point{at: gps[i].Timestamp, hasPos: true, lat: fix.Latitude, lon: fix.Longitude, speed: fix.SpeedKmh})
	}
	if len(pts) > 0 {
		return pts
	}
	for i := range beacon {
		pts = append(pts, point{at: beacon[i].Timestamp})
	}
	return pts
}

func sortFences(fences []domain.Geofence) []domain.Geofence {
	out := make([]domain.Geofence, len(fences))
	copy(out, fences)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func locate(fences []domain.Geofence, kind domain.GeofenceKind, lat, lon float64) *domain.Geofence {
	for i := range fences {
		if fences[i].Kind == kind && geo.Contains(&fences[i], lat, lon) {
			return &fences[i]
		}
	}
	return nil
}

func event(typ domain.EventType, fenceID string, p point, gps, inertial []domain.RawRecord) domain.Event {
	ev := domain.Event{Type: typ, At: p.at, GeofenceID: fenceID, Latitude: p.lat, Longitude: p.lon, SpeedKmh: p.speed}
	if i, ok := Nearest(gps, p.at, func(r *domain.RawRecord) bool { return r.GPS.ValidPosition() }); ok {
		ev.SpeedKmh = gps[i].GPS.SpeedKmh
	}
	if i, ok := Nearest(inertial, p.at, func(r *domain.RawRecord) bool { return r.Inertial != nil && r.Inertial.HasAttitude }); ok {
		ev.Roll = inertial[i].Inertial.Roll
		ev.Pitch = inertial[i].Inertial.Pitch
	}
	return ev
}

// builder accumulates segments so that they always tile [start, end].
type builder struct {
	start, end time.Time
	segs       []domain.Segment
}

func fenceID(g *domain.Geofence) string {
	if g == nil {
		return ""
	}
	return g.ID
}

func (b *builder) add(at time.Time, state domain.OperationalState, fence *domain.Geofence) {
	id := fenceID(fence)
	if len(b.segs) == 0 {
		b.segs = append(b.segs, domain.Segment{State: state, Start: b.start, GeofenceID: id})
		return
	}
	cur := &b.segs[len(b.segs)-1]
	if cur.State == state && cur.GeofenceID == id {
		return
	}
	if at.Before(b.start) {
		at = b.start
	}
	if at.After(b.end) {
		at = b.end
	}
	if !at.After(cur.Start) {
		// Same instant as the open segment: relabel it instead of adding an
		// empty one, then fold it into its predecessor if they now agree.
		cur.State, cur.GeofenceID = state, id
		if n := len(b.segs); n > 1 && b.segs[n-2].State == state && b.segs[n-2].GeofenceID == id {
			b.segs = b.segs[:n-1]
		}
		return
	}
	if !at.Before(b.end) {
		// A change on the closing instant would open an empty segment.
		return
	}
	cur.End = at
	b.segs = append(b.segs, domain.Segment{State: state, Start: at, GeofenceID: id})
}

func (b *builder) finish() []domain.Segment {
	if len(b.segs) == 0 {
		return []domain.Segment{{State: domain.StateReturning, Start: b.start, End: b.end}}
	}
	b.segs[len(b.segs)-1].End = b.end
	return b.segs
}
