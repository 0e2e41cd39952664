package assemble

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/sessions/internal/classify"
	"fleet-monitor/sessions/internal/correlate"
	"fleet-monitor/sessions/internal/domain"
	"fleet-monitor/sessions/internal/store"
)

var (
	day  = time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	park = domain.Geofence{
		ID:   "base-norte",
		Kind: domain.GeofenceBase,
		Ring: []domain.LonLat{{-3.71, 40.40}, {-3.70, 40.40}, {-3.70, 40.41}, {-3.71, 40.41}},
	}
	opts = Options{
		Classify:             classify.Options{MovingSpeedKmh: 5, ActiveValue: 1},
		MinDuration:          280 * time.Second,
		MaxDuration:          18 * time.Hour,
		MaxPlausibleSpeedKmh: 200,
	}
)

func clock(h, m, s int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

// route leaves the park heading north at 09:05 and is back inside at 09:40.
func route(ts time.Time) (lat, lon, speed float64) {
	switch {
	case ts.Before(clock(9, 5, 0)):
		return 40.405, -3.705, 0
	case ts.Before(clock(9, 22, 0)):
		f := ts.Sub(clock(9, 5, 0)).Minutes()
		return 40.405 + f*0.001, -3.705, 45
	case ts.Before(clock(9, 40, 0)):
		f := ts.Sub(clock(9, 22, 0)).Minutes()
		return 40.422 - f*0.001, -3.705, 40
	default:
		return 40.404, -3.705, 0
	}
}

func series(kind domain.SensorKind, from, to time.Time, step time.Duration) []domain.RawRecord {
	var recs []domain.RawRecord
	for ts := from; !ts.After(to); ts = ts.Add(step) {
		rec := domain.RawRecord{Timestamp: ts, Kind: kind}
		switch kind {
		case domain.SensorInertial:
			rec.Inertial = &domain.InertialSample{AccZ: 9.81, HasAttitude: true, Roll: 1, Pitch: -1}
		case domain.SensorGPS:
			lat, lon, speed := route(ts)
			rec.GPS = &domain.GPSFix{Latitude: lat, Longitude: lon, SpeedKmh: speed, Satellites: 9}
		case domain.SensorBeacon:
			state := 0
			if !ts.Before(clock(9, 4, 0)) && ts.Before(clock(9, 30, 0)) {
				state = 1
			}
			rec.Beacon = &domain.BeaconSample{State: state}
		}
		recs = append(recs, rec)
	}
	return recs
}

func subStream(kind domain.SensorKind, recs []domain.RawRecord, file string) domain.RawSubStream {
	return domain.RawSubStream{
		VehicleID:  "DOBACK022",
		Kind:       kind,
		Date:       day,
		Start:      recs[0].Timestamp,
		End:        recs[len(recs)-1].Timestamp,
		Records:    recs,
		SourceFile: file,
	}
}

func correlated(t *testing.T, streams ...domain.RawSubStream) *correlate.Session {
	t.Helper()
	groups := correlate.GroupStreams(streams)
	require.Len(t, groups, 1)
	res := correlate.Correlate(groups[0], correlate.Options{Tolerance: 120 * time.Second, MaxFragmentGap: 10 * time.Minute})
	require.Len(t, res.Sessions, 1)
	return res.Sessions[0]
}

func trip(t *testing.T) *correlate.Session {
	t.Helper()
	return correlated(t,
		subStream(domain.SensorInertial, series(domain.SensorInertial, clock(9, 0, 0), clock(9, 45, 0), 10*time.Second), "ESTABILIDAD"),
		subStream(domain.SensorGPS, series(domain.SensorGPS, clock(9, 0, 30), clock(9, 44, 50), 10*time.Second), "GPS"),
		subStream(domain.SensorBeacon, series(domain.SensorBeacon, clock(9, 0, 10), clock(9, 44, 55), 5*time.Second), "ROTATIVO"),
	)
}

func newSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newLocker(t *testing.T) (*miniredis.Miniredis, *store.RedisStore) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return srv, store.NewRedisStoreWithClient(client, time.Minute)
}

func TestBuild(t *testing.T) {
	logger, _ := test.NewNullLogger()
	a := New(nil, nil, []domain.Geofence{park}, opts, logger)
	s := a.Build(trip(t))

	assert.Equal(t, clock(9, 0, 0), s.Start)
	assert.Equal(t, clock(9, 45, 0), s.End)
	assert.Equal(t, 45*time.Minute, s.Summary.Duration)
	assert.Equal(t, SessionID(s.Key), s.ID)
	assert.Equal(t, 1, s.Key.Sequence)
	assert.Len(t, s.Sources, 3)
	assert.Empty(t, s.ReviewReasons)
	assert.Equal(t, 100, s.Quality.Index)
	// 17 minutes north and 18 back at 0.001 degrees of latitude per minute
	assert.InDelta(t, 3.9, s.Summary.DistanceKm, 0.2)

	var states []domain.OperationalState
	for _, seg := range s.Segments {
		states = append(states, seg.State)
	}
	assert.Equal(t, []domain.OperationalState{
		domain.StateAtBase,
		domain.StateEmergencyDispatch,
		domain.StateReturning,
		domain.StateAtBase,
	}, states)
	require.Len(t, s.Events, 2)
	assert.Equal(t, domain.EventDeparture, s.Events[0].Type)
	assert.Equal(t, 1.0, s.Events[0].Roll)
	assert.Equal(t, domain.EventReturn, s.Events[1].Type)
}

func TestFragmentedGPSMatchesUnfragmented(t *testing.T) {
	inertial := subStream(domain.SensorInertial, series(domain.SensorInertial, clock(9, 0, 0), clock(9, 45, 0), 10*time.Second), "ESTABILIDAD")
	beacon := subStream(domain.SensorBeacon, series(domain.SensorBeacon, clock(9, 0, 10), clock(9, 44, 55), 5*time.Second), "ROTATIVO")
	first := series(domain.SensorGPS, clock(9, 0, 30), clock(9, 20, 0), 10*time.Second)
	second := series(domain.SensorGPS, clock(9, 25, 0), clock(9, 44, 50), 10*time.Second)

	whole := subStream(domain.SensorGPS, append(append([]domain.RawRecord{}, first...), second...), "GPS")
	fragmented := correlated(t, inertial, beacon, subStream(domain.SensorGPS, first, "GPS_1"), subStream(domain.SensorGPS, second, "GPS_2"))
	unfragmented := correlated(t, inertial, beacon, whole)

	logger, _ := test.NewNullLogger()
	a := New(nil, nil, []domain.Geofence{park}, opts, logger)
	got, want := a.Build(fragmented), a.Build(unfragmented)

	assert.Equal(t, clock(9, 0, 0), got.Start)
	assert.Equal(t, clock(9, 45, 0), got.End)
	assert.Equal(t, 2, fragmented.Stream(domain.SensorGPS).Fragments)
	if diff := cmp.Diff(want.Segments, got.Segments); diff != "" {
		t.Errorf("segments differ (-unfragmented +fragmented):\n%s", diff)
	}
	if diff := cmp.Diff(want.Quality, got.Quality); diff != "" {
		t.Errorf("quality differs (-unfragmented +fragmented):\n%s", diff)
	}
	assert.Equal(t, want.Summary, got.Summary)
}

func TestAssembleRejectsShortSession(t *testing.T) {
	db := newSQLite(t)
	logger, _ := test.NewNullLogger()
	a := New(db, nil, nil, opts, logger)

	recs := series(domain.SensorInertial, clock(9, 0, 0), clock(9, 3, 50), 10*time.Second)
	cs := correlated(t, subStream(domain.SensorInertial, recs, "ESTABILIDAD"))
	require.Equal(t, 230*time.Second, cs.End.Sub(cs.Start))

	out := a.Assemble(context.Background(), cs)
	assert.Equal(t, StatusDurationRejected, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrDurationRejected)

	n, err := db.CountSessions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "rejected sessions are not persisted")
}

func TestAssembleRejectsLongSession(t *testing.T) {
	logger, _ := test.NewNullLogger()
	short := opts
	short.MaxDuration = 30 * time.Minute
	out := New(newSQLite(t), nil, nil, short, logger).Assemble(context.Background(), trip(t))
	assert.Equal(t, StatusDurationRejected, out.Status)
}

func TestAssembleIsIdempotent(t *testing.T) {
	db := newSQLite(t)
	_, locker := newLocker(t)
	logger, _ := test.NewNullLogger()
	a := New(db, locker, []domain.Geofence{park}, opts, logger)
	ctx := context.Background()

	out := a.Assemble(ctx, trip(t))
	require.NoError(t, out.Err)
	assert.Equal(t, StatusPersisted, out.Status)

	out = a.Assemble(ctx, trip(t))
	assert.Equal(t, StatusDuplicate, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrDuplicateSession)

	n, err := db.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAssembleOverwrite(t *testing.T) {
	db := newSQLite(t)
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	out := New(db, nil, nil, opts, logger).Assemble(ctx, trip(t))
	require.Equal(t, StatusPersisted, out.Status)

	overwrite := opts
	overwrite.Overwrite = true
	out = New(db, nil, []domain.Geofence{park}, overwrite, logger).Assemble(ctx, trip(t))
	require.NoError(t, out.Err)
	assert.Equal(t, StatusReplaced, out.Status)

	states, err := db.SegmentStates(ctx, out.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAtBase, states[0], "replacement carries the new classification")
}

func TestAssembleLockHeldElsewhere(t *testing.T) {
	srv, locker := newLocker(t)
	logger, _ := test.NewNullLogger()
	cs := trip(t)
	require.NoError(t, srv.Set("session:lock:"+cs.Key().String(), "other-run"))

	out := New(newSQLite(t), locker, nil, opts, logger).Assemble(context.Background(), cs)
	assert.Equal(t, StatusLocked, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrLockHeld)
	assert.NotErrorIs(t, out.Err, domain.ErrDuplicateSession)
}

type brokenStore struct {
	existsErr error
	insertErr error
}

func (b brokenStore) Exists(context.Context, domain.SessionKey) (bool, error) {
	return false, b.existsErr
}

func (b brokenStore) InsertIfAbsent(context.Context, *domain.Session) (bool, error) {
	return false, b.insertErr
}

func (b brokenStore) Replace(context.Context, *domain.Session) error { return nil }

func TestAssembleStoreFailures(t *testing.T) {
	logger, _ := test.NewNullLogger()
	boom := errors.New("connection reset")

	out := New(brokenStore{existsErr: boom}, nil, nil, opts, logger).Assemble(context.Background(), trip(t))
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, boom)

	out = New(brokenStore{insertErr: boom}, nil, nil, opts, logger).Assemble(context.Background(), trip(t))
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, boom)

	out = New(brokenStore{}, nil, nil, opts, logger).Assemble(context.Background(), trip(t))
	assert.Equal(t, StatusDuplicate, out.Status, "losing the insert race is a duplicate")
}

func TestSessionIDIsDeterministic(t *testing.T) {
	k := domain.SessionKey{VehicleID: "DOBACK022", Date: day, Sequence: 1}
	assert.Equal(t, SessionID(k), SessionID(k))
	k2 := k
	k2.Sequence = 2
	assert.NotEqual(t, SessionID(k), SessionID(k2))
}

func TestDistanceDiscardsImplausibleJumps(t *testing.T) {
	fix := func(sec int, lat, lon float64) domain.RawRecord {
		return domain.RawRecord{Timestamp: clock(9, 0, sec), Kind: domain.SensorGPS, GPS: &domain.GPSFix{Latitude: lat, Longitude: lon}}
	}
	recs := []domain.RawRecord{
		fix(0, 40.400, -3.700),
		fix(10, 40.401, -3.700), // ~111 m in 10 s
		fix(20, 41.000, -3.700), // ~66 km in 10 s
		fix(25, 0, 0),           // no fix
		fix(30, 40.402, -3.700),
	}
	km, discarded := Distance(recs, 200)
	assert.Equal(t, 1, discarded)
	assert.InDelta(t, 0.2224, km, 0.001)

	km, discarded = Distance(recs, 0)
	assert.Zero(t, discarded)
	assert.Greater(t, km, 100.0)
}
