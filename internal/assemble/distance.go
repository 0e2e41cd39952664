package assemble

import (
	"fleet-monitor/sessions/internal/domain"
	"fleet-monitor/sessions/internal/geo"
)

// Distance sums great-circle hops between consecutive valid fixes. A hop
// whose implied speed exceeds maxKmh is discarded and the next hop is
// measured from the last accepted fix.
func Distance(recs []domain.RawRecord, maxKmh float64) (km float64, discarded int) {
	var last *domain.RawRecord
	for i := range recs {
		rec := &recs[i]
		if !rec.GPS.ValidPosition() {
			continue
		}
		if last == nil {
			last = rec
			continue
		}

		d := geo.HaversineKm(last.GPS.Latitude, last.GPS.Longitude, rec.GPS.Latitude, rec.GPS.Longitude)
		hours := rec.Timestamp.Sub(last.Timestamp).Hours()
		if maxKmh > 0 && d > 0 && (hours <= 0 || d/hours > maxKmh) {
			discarded++
			continue
		}
		km += d
		last = rec
	}
	return km, discarded
}
