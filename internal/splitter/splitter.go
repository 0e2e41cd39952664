// Package splitter cuts one parsed file into the recording sessions its
// session-header lines announce.
package splitter

import (
	"sort"

	"fleet-monitor/sessions/internal/domain"
	"fleet-monitor/sessions/internal/parser"
)

// ImplicitHeader is the HeaderIndex of a sub-stream that no header opened:
// a header-less file, or data logged before the first header.
const ImplicitHeader = -1

type bound struct {
	headerIndex int
	firstLine   int
	firstRecord int
	sequence    *int
}

// Split returns the non-empty sub-streams of res in file order. A file
// without headers becomes a single sub-stream; the sequence in the file
// name is only used when the file holds exactly one sub-stream without a
// sequence of its own. Issues raised inside a session that produced no
// records are returned as unplaced so the caller can still report them.
func Split(res *parser.Result, fn parser.FileName) (streams []domain.RawSubStream, unplaced []domain.Issue) {
	bounds := make([]bound, 0, len(res.Headers)+1)
	if len(res.Headers) == 0 || res.Headers[0].Pos > 0 {
		bounds = append(bounds, bound{headerIndex: ImplicitHeader, firstLine: 0, firstRecord: 0})
	}
	for i, h := range res.Headers {
		firstLine := h.Line
		if len(bounds) == 0 {
			// Issues logged before the first header belong to it.
			firstLine = 0
		}
		bounds = append(bounds, bound{
			headerIndex: i,
			firstLine:   firstLine,
			firstRecord: h.Pos,
			sequence:    h.Sequence,
		})
	}

	for i, b := range bounds {
		endRecord := len(res.Records)
		endLine := int(^uint(0) >> 1)
		if i+1 < len(bounds) {
			endRecord = bounds[i+1].firstRecord
			endLine = bounds[i+1].firstLine
		}

		var issues []domain.Issue
		for _, is := range res.Issues {
			if is.Line >= b.firstLine && is.Line < endLine {
				issues = append(issues, is)
			}
		}
		if endRecord <= b.firstRecord {
			unplaced = append(unplaced, issues...)
			continue
		}

		records := make([]domain.RawRecord, endRecord-b.firstRecord)
		copy(records, res.Records[b.firstRecord:endRecord])
		sort.SliceStable(records, func(a, c int) bool {
			return records[a].Timestamp.Before(records[c].Timestamp)
		})

		streams = append(streams, domain.RawSubStream{
			VehicleID:   fn.VehicleID,
			Kind:        res.Kind,
			Date:        fn.Date,
			HeaderIndex: b.headerIndex,
			Sequence:    b.sequence,
			Start:       records[0].Timestamp,
			End:         records[len(records)-1].Timestamp,
			Records:     records,
			SourceFile:  fn.Path,
			Issues:      issues,
		})
	}

	if len(streams) == 1 && streams[0].Sequence == nil {
		streams[0].Sequence = fn.Sequence
	}
	return streams, unplaced
}
