package classify

import (
	"sort"
	"time"

	"fleet-monitor/sessions/internal/domain"
)

// atOrBefore returns the index of the last record at or before t. Before
// the first record it returns 0; ok is false only for an empty slice.
func atOrBefore(recs []domain.RawRecord, t time.Time) (int, bool) {
	if len(recs) == 0 {
		return 0, false
	}
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Timestamp.After(t) })
	if i == 0 {
		return 0, true
	}
	return i - 1, true
}

// Nearest returns the index of the record closest in time to t among those
// accepted by keep. recs must be sorted by timestamp.
func Nearest(recs []domain.RawRecord, t time.Time, keep func(*domain.RawRecord) bool) (int, bool) {
	i := sort.Search(len(recs), func(i int) bool { return !recs[i].Timestamp.Before(t) })

	best, bestGap := -1, time.Duration(0)
	for j := i; j < len(recs); j++ {
		if keep == nil || keep(&recs[j]) {
			best, bestGap = j, recs[j].Timestamp.Sub(t)
			break
		}
	}
	for j := i - 1; j >= 0; j-- {
		if keep == nil || keep(&recs[j]) {
			if gap := t.Sub(recs[j].Timestamp); best < 0 || gap < bestGap {
				best = j
			}
			break
		}
	}
	return best, best >= 0
}
