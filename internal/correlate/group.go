package correlate

import (
	"sort"
	"time"

	"fleet-monitor/sessions/internal/domain"
)

// Group holds every sub-stream of one vehicle on one calendar date. It is
// built once by GroupStreams and only read afterwards, so it can be handed
// between goroutines without locking.
type Group struct {
	VehicleID string
	Date      time.Time

	streams map[domain.SensorKind][]domain.RawSubStream
}

// Streams returns the group's sub-streams of kind ordered by start time.
// Callers must not modify the returned slice.
func (g Group) Streams(kind domain.SensorKind) []domain.RawSubStream {
	return g.streams[kind]
}

func (g Group) Len() int {
	n := 0
	for _, s := range g.streams {
		n += len(s)
	}
	return n
}

type groupKey struct {
	vehicle string
	date    string
}

// GroupStreams buckets sub-streams by (vehicle, date). Groups are returned
// ordered by vehicle then date.
func GroupStreams(streams []domain.RawSubStream) []Group {
	index := make(map[groupKey]int)
	var groups []Group

	for _, s := range streams {
		k := groupKey{vehicle: s.VehicleID, date: s.Date.Format(domain.DateLayout)}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group{
				VehicleID: s.VehicleID,
				Date:      s.Date,
				streams:   make(map[domain.SensorKind][]domain.RawSubStream),
			})
		}
		groups[i].streams[s.Kind] = append(groups[i].streams[s.Kind], s)
	}

	for _, g := range groups {
		for _, list := range g.streams {
			sort.SliceStable(list, func(a, b int) bool {
				return list[a].Start.Before(list[b].Start)
			})
		}
	}
	sort.Slice(groups, func(a, b int) bool {
		if groups[a].VehicleID != groups[b].VehicleID {
			return groups[a].VehicleID < groups[b].VehicleID
		}
		return groups[a].Date.Before(groups[b].Date)
	})
	return groups
}
