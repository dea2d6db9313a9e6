package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupSessionStore(t *testing.T) (*SessionStore, string) {
	t.Helper()
	dir := t.TempDir()
	return NewSessionStore(dir, zap.NewNop()), dir
}

func record(id, start, status string, violations, focusSeconds int) SessionRecord {
	return SessionRecord{
		ID:                    id,
		StartTime:             start,
		EndTime:               start,
		DurationMinutes:       25,
		Status:                status,
		ViolationCount:        violations,
		TotalFocusTimeSeconds: focusSeconds,
	}
}

func TestSessionStoreAddAndReload(t *testing.T) {
	s, dir := setupSessionStore(t)
	s.Add(record("a", "2026-08-22T10:00:00Z", "COMPLETED", 0, 1500))
	s.Add(record("b", "2026-08-22T11:00:00Z", "VIOLATED", 1, 300))

	reloaded := NewSessionStore(dir, zap.NewNop())
	history := reloaded.History(10, 0, "")
	require.Len(t, history, 2)
}

func TestSessionStoreHistoryNewestFirst(t *testing.T) {
	s, _ := setupSessionStore(t)
	s.Add(record("old", "2026-08-20T10:00:00Z", "COMPLETED", 0, 1500))
	s.Add(record("new", "2026-08-22T10:00:00Z", "COMPLETED", 0, 1500))
	s.Add(record("mid", "2026-08-21T10:00:00Z", "VIOLATED", 2, 600))

	history := s.History(10, 0, "")
	require.Len(t, history, 3)
	assert.Equal(t, "new", history[0].ID)
	assert.Equal(t, "mid", history[1].ID)
	assert.Equal(t, "old", history[2].ID)
}

func TestSessionStoreHistoryPagination(t *testing.T) {
	s, _ := setupSessionStore(t)
	s.Add(record("a", "2026-08-20T10:00:00Z", "COMPLETED", 0, 100))
	s.Add(record("b", "2026-08-21T10:00:00Z", "COMPLETED", 0, 100))
	s.Add(record("c", "2026-08-22T10:00:00Z", "COMPLETED", 0, 100))

	page := s.History(2, 0, "")
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ID)

	page = s.History(2, 2, "")
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].ID)

	assert.Empty(t, s.History(2, 10, ""))
}

func TestSessionStoreHistoryStatusFilter(t *testing.T) {
	s, _ := setupSessionStore(t)
	s.Add(record("a", "2026-08-20T10:00:00Z", "COMPLETED", 0, 100))
	s.Add(record("b", "2026-08-21T10:00:00Z", "VIOLATED", 1, 100))

	violated := s.History(10, 0, "VIOLATED")
	require.Len(t, violated, 1)
	assert.Equal(t, "b", violated[0].ID)
}

func TestSessionStoreStats(t *testing.T) {
	s, _ := setupSessionStore(t)
	assert.Equal(t, Statistics{}, s.Stats())

	s.Add(record("a", "2026-08-20T10:00:00Z", "COMPLETED", 0, 1800))
	s.Add(record("b", "2026-08-21T10:00:00Z", "COMPLETED", 0, 1800))
	s.Add(record("c", "2026-08-22T10:00:00Z", "VIOLATED", 1, 900))

	stats := s.Stats()
	assert.Equal(t, 3, stats.TotalSessions)
	assert.Equal(t, 2, stats.CompletedSessions)
	assert.Equal(t, 1, stats.ViolatedSessions)
	assert.InDelta(t, 66.7, stats.CompletionRate, 0.1)
	assert.InDelta(t, 1.25, stats.TotalFocusTimeHours, 0.01)
	assert.InDelta(t, 25.0, stats.AverageSessionMin, 0.1)
}

func TestSessionStoreSnapshotRoundTrip(t *testing.T) {
	s, _ := setupSessionStore(t)
	assert.Nil(t, s.LoadSessionState())

	s.SaveSessionState(map[string]interface{}{
		"id":               "sess-1",
		"duration_minutes": 25,
		"status":           "ACTIVE",
	})

	snapshot := s.LoadSessionState()
	require.NotNil(t, snapshot)
	assert.Equal(t, "sess-1", snapshot["id"])
	assert.Equal(t, float64(25), snapshot["duration_minutes"])

	s.ClearSessionState()
	assert.Nil(t, s.LoadSessionState())

	// 重复清除不报错
	s.ClearSessionState()
}
