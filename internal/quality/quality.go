// Package quality scores how trustworthy a correlated session's data is.
package quality

import (
	"math"

	"fleet-monitor/sessions/internal/correlate"
	"fleet-monitor/sessions/internal/domain"
)

// lines holds the valid and problem line counts of one sensor kind.
type lines struct {
	valid   int
	problem int
}

// Score computes the quality metrics of s. The index is the share of valid
// lines of the dominant kind; a session without any lines scores 100.
func Score(s *correlate.Session) domain.QualityMetrics {
	m := domain.QualityMetrics{
		RecordsByKind:     make(map[domain.SensorKind]int),
		ParseErrorsByKind: make(map[domain.SensorKind]int),
	}
	counts := make(map[domain.SensorKind]lines)

	for _, kind := range domain.SensorKinds {
		st := s.Stream(kind)
		if st == nil {
			m.MissingKinds = append(m.MissingKinds, kind)
			continue
		}
		m.RecordsByKind[kind] = len(st.Records)

		var c lines
		for _, is := range st.Issues {
			switch is.Kind {
			case domain.IssueParseError:
				m.ParseErrorsByKind[kind]++
				c.problem++
			case domain.IssueSignalLoss:
				m.SignalLossEvents++
			case domain.IssueAnomaly:
				switch is.Label {
				case domain.AnomalyCorruptedTimestamp:
					m.CorruptedTimestamp++
				case domain.AnomalyOutOfRangeHour:
					m.OutOfRangeHours++
				}
			}
		}

		if kind != domain.SensorGPS {
			c.valid = len(st.Records)
			counts[kind] = c
			continue
		}
		for i := range st.Records {
			fix := st.Records[i].GPS
			m.GPSFixes++
			switch {
			case !fix.ValidPosition():
				m.InvalidFixes++
				c.problem++
			case fix.Interpolated:
				m.ValidFixes++
				m.InterpolatedFixes++
				c.problem++
			default:
				m.ValidFixes++
				c.valid++
			}
		}
		counts[kind] = c
	}

	if m.GPSFixes > 0 {
		m.ValidFixRatio = float64(m.ValidFixes) / float64(m.GPSFixes)
	}

	m.DominantKind = dominant(counts)
	m.Index = index(counts[m.DominantKind])
	return m
}

// dominant picks the kind with the most valid lines; ties keep the earlier
// kind in domain.SensorKinds.
func dominant(counts map[domain.SensorKind]lines) domain.SensorKind {
	best := domain.SensorKind("")
	for _, kind := range domain.SensorKinds {
		c, ok := counts[kind]
		if !ok {
			continue
		}
		if best == "" || c.valid > counts[best].valid {
			best = kind
		}
	}
	return best
}

func index(c lines) int {
	total := c.valid + c.problem
	if total == 0 {
		return 100
	}
	return int(math.Round(100 * float64(c.valid) / float64(total)))
}
