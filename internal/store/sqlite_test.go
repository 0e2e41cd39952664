package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/sessions/internal/domain"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteInsertIfAbsent(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	sess := sampleSession()

	ok, err := s.Exists(ctx, sess.Key)
	require.NoError(t, err)
	assert.False(t, ok)

	inserted, err := s.InsertIfAbsent(ctx, sess)
	require.NoError(t, err)
	assert.True(t, inserted)

	ok, err = s.Exists(ctx, sess.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	again := sampleSession()
	again.ID = "another-id"
	inserted, err = s.InsertIfAbsent(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted, "same key must not be stored twice")

	n, err := s.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	states, err := s.SegmentStates(ctx, sess.Key)
	require.NoError(t, err)
	assert.Equal(t, []domain.OperationalState{domain.StateAtBase, domain.StateEmergencyDispatch}, states)
}

func TestSQLiteReplace(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	sess := sampleSession()
	_, err := s.InsertIfAbsent(ctx, sess)
	require.NoError(t, err)

	sess.Segments = []domain.Segment{{State: domain.StateReturning, Start: sess.Start, End: sess.End}}
	sess.Events = nil
	require.NoError(t, s.Replace(ctx, sess))

	states, err := s.SegmentStates(ctx, sess.Key)
	require.NoError(t, err)
	assert.Equal(t, []domain.OperationalState{domain.StateReturning}, states)

	n, err := s.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
