package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fleet-monitor/sessions/internal/domain"
)

// Header is one session-header occurrence. Pos is the index in
// Result.Records of the first record that belongs to it.
type Header struct {
	Line      int
	Pos       int
	Start     time.Time
	VehicleID string
	Sequence  *int
}

type Result struct {
	Kind    domain.SensorKind
	Date    time.Time
	Records []domain.RawRecord
	Headers []Header
	Issues  []domain.Issue

	Lines       int
	ParseErrors int
	Anomalies   map[domain.AnomalyLabel]int
}

// AnomalyLabels returns the distinct anomaly labels seen in the file.
func (r *Result) AnomalyLabels() []domain.AnomalyLabel {
	out := make([]domain.AnomalyLabel, 0, len(r.Anomalies))
	for _, label := range []domain.AnomalyLabel{
		domain.AnomalyCorruptedTimestamp,
		domain.AnomalyOutOfRangeHour,
		domain.AnomalyInvalidCoordinate,
	} {
		if r.Anomalies[label] > 0 {
			out = append(out, label)
		}
	}
	return out
}

const maxLineBytes = 1 << 20

// ParseFile opens and parses one named logger export.
func ParseFile(name FileName) (*Result, error) {
	f, err := os.Open(name.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name.Path, err)
	}
	defer f.Close()

	res, err := Parse(name.Kind, name.Date, f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name.Path, err)
	}
	return res, nil
}

// Parse reads r as a file of the given kind recorded on date. The only
// error returned is a read failure; malformed content is reported through
// Result.Issues.
func Parse(kind domain.SensorKind, date time.Time, r io.Reader) (*Result, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown sensor kind %q", kind)
	}
	p := &lineParser{
		kind:   kind,
		clock:  newClock(date),
		layout: defaultInertialColumns,
		res: &Result{
			Kind:      kind,
			Date:      truncateDay(date),
			Anomalies: make(map[domain.AnomalyLabel]int),
		},
	}

	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	for {
		line, tooLong, err := readLine(br, buf)
		buf = line
		if err != nil && err != io.EOF {
			return nil, err
		}
		if err == io.EOF && len(line) == 0 && !tooLong {
			break
		}
		p.lineNo++
		if tooLong {
			p.fail(fmt.Sprintf("line exceeds %d bytes", maxLineBytes))
		} else {
			p.feed(strings.TrimRight(string(line), "\r\n"))
		}
		if err == io.EOF {
			break
		}
	}
	p.flushPending()
	p.res.Lines = p.lineNo
	return p.res, nil
}

// readLine returns the next line, terminator included. A line longer than
// maxLineBytes is consumed whole and reported as too long.
func readLine(br *bufio.Reader, buf []byte) (line []byte, tooLong bool, err error) {
	buf = buf[:0]
	for {
		var chunk []byte
		chunk, err = br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > maxLineBytes {
				tooLong = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, tooLong, err
	}
}

type pendingSample struct {
	line   int
	sample *domain.InertialSample
}

// lineParser is the per-file state machine: the active clock, the column
// layout announced by the last column header and the time marker that
// undated inertial samples hang off.
type lineParser struct {
	kind   domain.SensorKind
	clock  *clock
	layout []string
	res    *Result
	lineNo int

	marker    time.Time
	hasMarker bool
	pending   []pendingSample
}

func (p *lineParser) pos() int {
	return len(p.res.Records) + len(p.pending)
}

func (p *lineParser) feed(raw string) {
	line := strings.TrimSpace(strings.TrimPrefix(raw, "\uFEFF"))

	switch Classify(p.kind, line) {
	case LineBlank:
		return
	case LineSessionHeader:
		p.flushPending()
		p.header(line)
	case LineColumnHeader:
		if p.kind == domain.SensorInertial {
			p.layout = inertialLayout(splitFields(line, Separator(p.kind)))
		}
	case LineTimeMarker:
		p.flushPending()
		p.timeMarker(line)
	case LineData:
		p.data(line)
	}
}

var sequenceRe = regexp.MustCompile(`(?i)(?:sesi[oó]n|session)\s*:\s*([^;,\s]*)`)

func (p *lineParser) header(line string) {
	h := Header{Line: p.lineNo, Pos: p.pos()}

	fields := splitAny(line)
	dtIndex := -1
	for i := 0; i < len(fields) && dtIndex < 0; i++ {
		tok := fields[i]
		if dateOnlyRe.MatchString(tok) && i+1 < len(fields) && looksLikeTime(fields[i+1]) {
			tok = tok + " " + fields[i+1]
		}
		if st, err := parseStamp(tok); err == nil && st.hasDate {
			h.Start = st.date.Add(st.offset)
			dtIndex = i
		}
	}
	for i := dtIndex + 1; i < len(fields) && dtIndex >= 0; i++ {
		if fields[i] == "" || looksLikeTime(fields[i]) || sessionTokenRe.MatchString(fields[i]) {
			continue
		}
		h.VehicleID = fields[i]
		break
	}
	if m := sequenceRe.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			h.Sequence = &n
		}
	}

	if h.Start.IsZero() {
		p.clock.reset(p.res.Date, time.Time{})
	} else {
		p.clock.reset(h.Start, h.Start)
	}
	p.hasMarker = false
	p.res.Headers = append(p.res.Headers, h)
}

func (p *lineParser) timeMarker(line string) {
	p.hasMarker = false
	t, ok := p.timestamp(line)
	if !ok {
		return
	}
	p.marker = t
	p.hasMarker = true
}

// timestamp parses and resolves tok, recording anomalies for bad tokens.
func (p *lineParser) timestamp(tok string) (time.Time, bool) {
	st, err := parseStamp(tok)
	if err == nil {
		var t time.Time
		if t, err = p.clock.resolve(st); err == nil {
			return t, true
		}
	}

	var tsErr *timestampError
	if errors.As(err, &tsErr) {
		p.anomaly(tsErr.label, tsErr.Error())
	}
	p.fail("unusable timestamp: " + err.Error())
	return time.Time{}, false
}

func (p *lineParser) data(line string) {
	switch p.kind {
	case domain.SensorInertial:
		p.inertial(line)
	case domain.SensorGPS:
		p.gps(line)
	case domain.SensorBeacon:
		p.beacon(line)
	}
}

func (p *lineParser) inertial(line string) {
	fields := splitFields(line, Separator(domain.SensorInertial))
	tsTok, names, values := splitInertial(fields, p.layout)

	if tsTok == "" {
		if !p.hasMarker {
			p.fail("sample without time reference")
			return
		}
		sample, err := decodeInertial(names, values)
		if err != nil {
			p.fail(err.Error())
			return
		}
		p.pending = append(p.pending, pendingSample{line: p.lineNo, sample: sample})
		return
	}

	p.flushPending()
	t, ok := p.timestamp(tsTok)
	if !ok {
		return
	}
	sample, err := decodeInertial(names, values)
	if err != nil {
		p.fail(err.Error())
		return
	}
	p.emit(domain.RawRecord{Timestamp: t, Kind: domain.SensorInertial, Line: p.lineNo, Inertial: sample})
}

// flushPending spreads the samples logged under the current time marker
// evenly across that second.
func (p *lineParser) flushPending() {
	if len(p.pending) == 0 {
		return
	}
	step := time.Second / time.Duration(len(p.pending))
	for i, ps := range p.pending {
		p.res.Records = append(p.res.Records, domain.RawRecord{
			Timestamp: p.marker.Add(time.Duration(i) * step),
			Kind:      domain.SensorInertial,
			Line:      ps.line,
			Inertial:  ps.sample,
		})
	}
	p.pending = p.pending[:0]
}

func (p *lineParser) gps(line string) {
	fields := splitFields(line, Separator(domain.SensorGPS))
	tsTok, values := splitTimestamp(fields)

	if signalLossRe.MatchString(line) {
		p.res.Issues = append(p.res.Issues, domain.Issue{
			Kind:   domain.IssueSignalLoss,
			Line:   p.lineNo,
			Detail: tsTok,
		})
		return
	}

	t, ok := p.timestamp(tsTok)
	if !ok {
		return
	}
	fix, err := decodeGPS(values)
	if err != nil {
		p.fail(err.Error())
		return
	}
	if !fix.ValidPosition() {
		p.anomaly(domain.AnomalyInvalidCoordinate, fmt.Sprintf("%.6f,%.6f", fix.Latitude, fix.Longitude))
	}
	p.emit(domain.RawRecord{Timestamp: t, Kind: domain.SensorGPS, Line: p.lineNo, GPS: fix})
}

func (p *lineParser) beacon(line string) {
	fields := splitFields(line, Separator(domain.SensorBeacon))
	if len(fields) == 1 {
		fields = splitFields(line, ",")
	}
	tsTok, values := splitTimestamp(fields)

	t, ok := p.timestamp(tsTok)
	if !ok {
		return
	}
	sample, err := decodeBeacon(values)
	if err != nil {
		p.fail(err.Error())
		return
	}
	p.emit(domain.RawRecord{Timestamp: t, Kind: domain.SensorBeacon, Line: p.lineNo, Beacon: sample})
}

func (p *lineParser) emit(rec domain.RawRecord) {
	p.res.Records = append(p.res.Records, rec)
}

func (p *lineParser) fail(detail string) {
	p.res.ParseErrors++
	p.res.Issues = append(p.res.Issues, domain.Issue{
		Kind:   domain.IssueParseError,
		Line:   p.lineNo,
		Detail: detail,
	})
}

func (p *lineParser) anomaly(label domain.AnomalyLabel, detail string) {
	p.res.Anomalies[label]++
	p.res.Issues = append(p.res.Issues, domain.Issue{
		Kind:   domain.IssueAnomaly,
		Label:  label,
		Line:   p.lineNo,
		Detail: detail,
	})
}
