package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupDailyStore(t *testing.T) (*DailyViolationStore, string) {
	t.Helper()
	dir := t.TempDir()
	return NewDailyViolationStore(dir, zap.NewNop()), dir
}

func TestDailyViolationIncrement(t *testing.T) {
	s, _ := setupDailyStore(t)

	assert.Equal(t, 0, s.Count())
	assert.Equal(t, 1, s.Increment())
	assert.Equal(t, 2, s.Increment())
	assert.Equal(t, 2, s.Count())
}

func TestDailyViolationPersistsAcrossReload(t *testing.T) {
	s, dir := setupDailyStore(t)
	s.Increment()
	s.Increment()
	s.Increment()

	reloaded := NewDailyViolationStore(dir, zap.NewNop())
	assert.Equal(t, 3, reloaded.Count())
	assert.Equal(t, s.Date(), reloaded.Date())
}

func TestDailyViolationResetsOnNewDay(t *testing.T) {
	s, _ := setupDailyStore(t)

	currentDay := "2026-08-22"
	s.today = func() string { return currentDay }
	s.Increment()
	s.Increment()
	assert.Equal(t, 2, s.Count())

	// 跨日后计数归零
	currentDay = "2026-08-23"
	assert.Equal(t, 0, s.Count())
	assert.Equal(t, "2026-08-23", s.Date())
	assert.Equal(t, 1, s.Increment())
}

func TestDailyViolationResetPersists(t *testing.T) {
	s, dir := setupDailyStore(t)

	currentDay := "2026-08-22"
	s.today = func() string { return currentDay }
	s.Increment()

	currentDay = "2026-08-23"
	s.Count() // 触发归零与落盘

	reloaded := NewDailyViolationStore(dir, zap.NewNop())
	reloaded.today = func() string { return currentDay }
	assert.Equal(t, 0, reloaded.Count())
	assert.Equal(t, "2026-08-23", reloaded.Date())
}

func TestDailyViolationCorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, dailyViolationFile)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewDailyViolationStore(dir, zap.NewNop())
	assert.Equal(t, 0, s.Count())
	assert.Equal(t, 1, s.Increment())
}
