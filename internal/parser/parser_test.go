package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/sessions/internal/domain"
)

var day = time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

func at(h, m, s int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		kind domain.SensorKind
		line string
		want LineKind
	}{
		{domain.SensorInertial, "   ", LineBlank},
		{domain.SensorInertial, "ESTABILIDAD;15/03/2025 09:00:00;DOBACK022;Sesión:1;", LineSessionHeader},
		{domain.SensorGPS, "GPS,15/03/2025,09:00:00,DOBACK022,Session:3", LineSessionHeader},
		{domain.SensorBeacon, "ROTATIVO;15/03/2025-09:00:00;DOBACK022;Sesion:", LineSessionHeader},
		{domain.SensorInertial, "ax;ay;az;gx;gy;gz;roll;pitch;yaw;si;temp;", LineColumnHeader},
		{domain.SensorGPS, "HoraRaspberry,Latitud,Longitud,Altitud,Velocidad,Satelites", LineColumnHeader},
		{domain.SensorBeacon, "Fecha-Hora;Estado", LineColumnHeader},
		{domain.SensorInertial, "09:00:01", LineTimeMarker},
		{domain.SensorInertial, "25:00:00", LineTimeMarker},
		{domain.SensorInertial, "0.01;0.02;9.81;0.1;0.2;0.3", LineData},
		{domain.SensorGPS, "09:00:01,40.4169,-3.7035,650,0,7", LineData},
		{domain.SensorGPS, "09:00:02,no GPS data", LineData},
		{domain.SensorBeacon, "15/03/2025-09:00:01;1", LineData},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.kind, tc.line), "%s %q", tc.kind, tc.line)
	}
}

func parse(t *testing.T, kind domain.SensorKind, body string) *Result {
	t.Helper()
	res, err := Parse(kind, day, strings.NewReader(body))
	require.NoError(t, err)
	return res
}

func TestParseInertialTimeMarkers(t *testing.T) {
	res := parse(t, domain.SensorInertial, `ESTABILIDAD;15/03/2025 09:00:00;DOBACK022;Sesión:1;
ax;ay;az;gx;gy;gz;roll;pitch;yaw;si;temp;
09:00:00
0.01;0.02;9.81;0.1;0.2;0.3;1.5;-0.5;180;0.92;31.5;
0.02;0.02;9.80;0.1;0.2;0.3;1.5;-0.5;180;0.91;31.5;
0.03;0.02;9.79;0.1;0.2;0.3;1.5;-0.5;180;0.90;31.5;
0.04;0.02;9.78;0.1;0.2;0.3;1.5;-0.5;180;0.89;31.5;
09:00:01
0.05;0.02;9.81;0.1;0.2;0.3;;;;;
0.06;abc;9.81;0.1;0.2;0.3;
`)

	require.Len(t, res.Headers, 1)
	h := res.Headers[0]
	require.NotNil(t, h.Sequence)
	assert.Equal(t, 1, *h.Sequence)
	assert.Equal(t, "DOBACK022", h.VehicleID)
	assert.Equal(t, at(9, 0, 0), h.Start)
	assert.Equal(t, 0, h.Pos)

	require.Len(t, res.Records, 5)
	for i := 0; i < 4; i++ {
		assert.Equal(t, at(9, 0, 0).Add(time.Duration(i)*250*time.Millisecond), res.Records[i].Timestamp)
	}
	assert.Equal(t, at(9, 0, 1), res.Records[4].Timestamp)

	first := res.Records[0].Inertial
	require.NotNil(t, first)
	assert.True(t, first.HasAttitude)
	assert.Equal(t, 180.0, first.Yaw)
	assert.Equal(t, 0.92, first.Derived["si"])
	assert.True(t, first.HasTemperature)
	assert.False(t, res.Records[4].Inertial.HasAttitude)

	assert.Equal(t, 1, res.ParseErrors)
	assert.Empty(t, res.AnomalyLabels())
}

func TestParseInertialNeverDefaultsToZero(t *testing.T) {
	res := parse(t, domain.SensorInertial, `09:00:00
0.1;;9.8;0;0;0
0.1;0.2;9.8;0;0;NaNx
`)
	assert.Empty(t, res.Records)
	assert.Equal(t, 2, res.ParseErrors)
}

func TestParseInertialWithoutTimeReference(t *testing.T) {
	res := parse(t, domain.SensorInertial, `0.1;0.2;9.8;0;0;0
09:00:00.500;0.1;0.2;9.8;0;0;0
`)
	require.Len(t, res.Records, 1)
	assert.Equal(t, at(9, 0, 0).Add(500*time.Millisecond), res.Records[0].Timestamp)
	assert.Equal(t, 1, res.ParseErrors)
	assert.Equal(t, domain.IssueParseError, res.Issues[0].Kind)
	assert.Equal(t, 1, res.Issues[0].Line)
}

func TestParseGPS(t *testing.T) {
	res := parse(t, domain.SensorGPS, `GPS;15/03/2025-09:00:00;DOBACK022;Sesión:2
HoraRaspberry,Latitud,Longitud,Altitud,Velocidad,Satelites,HDOP,Fix
09:00:01,40.416900,-3.703500,650.2,0.0,7,1.2,3D
09:00:02,no GPS data
09:00:03,0.000000,0.000000,0,0,0
09:00:04,40.417000,-3.703400,650.1,12.5,8,INTERP
09:00:05,40.41x,-3.7,650,10,8
15/03/2025,09:00:06,40.417100,-3.703300,650.0,14.0,9
`)

	require.Len(t, res.Records, 4)
	assert.Equal(t, []time.Time{at(9, 0, 1), at(9, 0, 3), at(9, 0, 4), at(9, 0, 6)},
		[]time.Time{res.Records[0].Timestamp, res.Records[1].Timestamp, res.Records[2].Timestamp, res.Records[3].Timestamp})

	fix := res.Records[0].GPS
	assert.True(t, fix.HasHDOP)
	assert.Equal(t, 1.2, fix.HDOP)
	assert.Equal(t, "3D", fix.FixLabel)
	assert.Equal(t, 7, fix.Satellites)
	assert.False(t, fix.Interpolated)

	assert.False(t, res.Records[1].GPS.ValidPosition())
	assert.True(t, res.Records[2].GPS.Interpolated)
	assert.Equal(t, 14.0, res.Records[3].GPS.SpeedKmh)

	assert.Equal(t, 1, res.ParseErrors, "signal loss must not count as a parse error")
	var kinds []domain.IssueKind
	for _, is := range res.Issues {
		kinds = append(kinds, is.Kind)
	}
	assert.ElementsMatch(t, []domain.IssueKind{domain.IssueSignalLoss, domain.IssueAnomaly, domain.IssueParseError}, kinds)
	assert.Equal(t, []domain.AnomalyLabel{domain.AnomalyInvalidCoordinate}, res.AnomalyLabels())
}

func TestParseBeaconTimestampAnomalies(t *testing.T) {
	res := parse(t, domain.SensorBeacon, `ROTATIVO;15/03/2025-23:59:50;DOBACK022;Sesión:x
23:59:55;1
25:00:00;1
23:59:58;0
00:00:03;1
00:00:01;1
00:00:0x;1
00:00:05;2
00:00:06;0
`)

	require.Len(t, res.Headers, 1)
	assert.Nil(t, res.Headers[0].Sequence)

	require.Len(t, res.Records, 4)
	next := day.Add(24 * time.Hour)
	assert.Equal(t, at(23, 59, 55), res.Records[0].Timestamp)
	assert.Equal(t, at(23, 59, 58), res.Records[1].Timestamp)
	assert.Equal(t, next.Add(3*time.Second), res.Records[2].Timestamp)
	assert.Equal(t, next.Add(6*time.Second), res.Records[3].Timestamp)
	assert.Equal(t, 1, res.Records[2].Beacon.State)

	assert.Equal(t, 4, res.ParseErrors)
	assert.Equal(t, 1, res.Anomalies[domain.AnomalyOutOfRangeHour])
	assert.Equal(t, 2, res.Anomalies[domain.AnomalyCorruptedTimestamp])
	assert.Equal(t, []domain.AnomalyLabel{domain.AnomalyCorruptedTimestamp, domain.AnomalyOutOfRangeHour}, res.AnomalyLabels())
}

func TestParseOutOfRangeMarkerDropsFollowingSamples(t *testing.T) {
	res := parse(t, domain.SensorInertial, `09:00:00
0.1;0.2;9.8;0;0;0
27:00:01
0.1;0.2;9.8;0;0;0
09:00:02
0.1;0.2;9.8;0;0;0
`)
	require.Len(t, res.Records, 2)
	assert.Equal(t, at(9, 0, 2), res.Records[1].Timestamp)
	// one for the marker itself, one for the orphaned sample
	assert.Equal(t, 2, res.ParseErrors)
	assert.Equal(t, 1, res.Anomalies[domain.AnomalyOutOfRangeHour])
}

func TestParseMultipleHeadersRecordPositions(t *testing.T) {
	res := parse(t, domain.SensorBeacon, `15/03/2025-08:59:59;0
ROTATIVO;15/03/2025-09:00:00;DOBACK022;Sesión:1
09:00:01;1
09:00:02;1
ROTATIVO;15/03/2025-11:00:00;DOBACK022;Sesión:2
11:00:01;0
`)
	require.Len(t, res.Headers, 2)
	assert.Equal(t, 1, res.Headers[0].Pos)
	assert.Equal(t, 3, res.Headers[1].Pos)
	assert.Len(t, res.Records, 4)
}

func TestParseOverlongLineIsSkipped(t *testing.T) {
	body := "GPS;15/03/2025-09:00:00;DOBACK022;Sesión:2\n" +
		"09:00:01,40.416900,-3.703500,650.2,0.0,7\n" +
		strings.Repeat("\x00", 2<<20) + "\n" +
		"09:00:03,40.417000,-3.703400,650.1,12.5,8\n"

	res := parse(t, domain.SensorGPS, body)
	require.Len(t, res.Records, 2)
	assert.Equal(t, at(9, 0, 1), res.Records[0].Timestamp)
	assert.Equal(t, at(9, 0, 3), res.Records[1].Timestamp)
	assert.Equal(t, 1, res.ParseErrors)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, domain.IssueParseError, res.Issues[0].Kind)
	assert.Equal(t, 3, res.Issues[0].Line)
	assert.Equal(t, 4, res.Lines)
}

func TestParseUnknownKind(t *testing.T) {
	_, err := Parse(domain.SensorKind("CAN"), day, strings.NewReader(""))
	assert.Error(t, err)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestParseReadFailure(t *testing.T) {
	_, err := Parse(domain.SensorGPS, day, failingReader{})
	assert.EqualError(t, err, "disk gone")
}

func TestNamingParse(t *testing.T) {
	n := NewNaming("ESTABILIDAD", "GPS", "ROTATIVO")

	fn, err := n.Parse("/data/in/ESTABILIDAD_DOBACK022_20250315.txt")
	require.NoError(t, err)
	assert.Equal(t, domain.SensorInertial, fn.Kind)
	assert.Equal(t, "DOBACK022", fn.VehicleID)
	assert.Equal(t, day, fn.Date)
	assert.Nil(t, fn.Sequence)

	fn, err = n.Parse("gps_DOBACK_022_20250315_2.txt")
	require.NoError(t, err)
	assert.Equal(t, domain.SensorGPS, fn.Kind)
	assert.Equal(t, "DOBACK_022", fn.VehicleID)
	require.NotNil(t, fn.Sequence)
	assert.Equal(t, 2, *fn.Sequence)

	for _, bad := range []string{
		"ROTATIVO_DOBACK022_20250315.csv",
		"CAN_DOBACK022_20250315.txt",
		"ROTATIVO_DOBACK022_20251345.txt",
		"ROTATIVO_20250315.txt",
	} {
		_, err := n.Parse(bad)
		assert.ErrorIs(t, err, ErrUnrecognizedName, bad)
	}
}
