package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHardwareState(t *testing.T) {
	tests := []struct {
		input string
		want  HardwareState
		ok    bool
	}{
		{"IDLE", HardwareIdle, true},
		{"PREPARING", HardwarePreparing, true},
		{"FOCUSING", HardwareFocusing, true},
		{"PAUSED", HardwarePaused, true},
		{"VIOLATION", HardwareViolation, true},
		{"ERROR", HardwareError, true},
		{"focusing", HardwareIdle, false},
		{"", HardwareIdle, false},
		{"BOGUS", HardwareIdle, false},
	}

	for _, tt := range tests {
		got, ok := ParseHardwareState(tt.input)
		assert.Equal(t, tt.ok, ok, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestDefaultSensorDataKeepsMicDefault(t *testing.T) {
	// mic_db 缺省时保留默认 40，而非零值
	sensor := DefaultSensorData()
	require.NoError(t, json.Unmarshal([]byte(`{"box_open": true}`), &sensor))

	assert.Equal(t, 40, sensor.MicDB)
	assert.True(t, sensor.BoxOpen)
	assert.Empty(t, sensor.NFCID)
}

func TestDefaultSensorDataOverride(t *testing.T) {
	sensor := DefaultSensorData()
	require.NoError(t, json.Unmarshal([]byte(`{"mic_db": 85, "nfc_id": "PHONE_001"}`), &sensor))

	assert.Equal(t, 85, sensor.MicDB)
	assert.Equal(t, "PHONE_001", sensor.NFCID)
}

func TestDefaultPenaltyConfig(t *testing.T) {
	cfg := DefaultPenaltyConfig()

	assert.True(t, cfg.EnablePhonePenalty)
	assert.True(t, cfg.EnablePresencePenalty)
	assert.True(t, cfg.EnableNoisePenalty)
	assert.True(t, cfg.EnableBoxOpenPenalty)
	assert.Equal(t, 70, cfg.NoiseThresholdDB)
	assert.Equal(t, 3, cfg.NoiseDurationSec)
	assert.Equal(t, 10, cfg.PresenceDurationSec)
}

func TestDefaultPenaltySettings(t *testing.T) {
	settings := DefaultPenaltySettings()

	assert.Empty(t, settings.EnabledPlatforms)
	assert.Contains(t, settings.CustomMessages, "discord")
	assert.Contains(t, settings.CustomMessages, "threads")
	assert.Contains(t, settings.CustomMessages, "gmail")
	assert.True(t, settings.IncludeTimestamp)
	assert.True(t, settings.IncludeViolationCount)
	require.Len(t, settings.ProgressiveRules, 2)
	assert.Equal(t, 1, settings.ProgressiveRules[0].ViolationCount)
}

func TestNewSystemState(t *testing.T) {
	state := NewSystemState()

	assert.Nil(t, state.Session)
	assert.Equal(t, PhoneUnknown, state.PhoneStatus)
	assert.Equal(t, PresenceUnknown, state.PresenceStatus)
	assert.Equal(t, BoxUnknown, state.BoxStatus)
	assert.Equal(t, NoiseUnknown, state.NoiseStatus)
	assert.Equal(t, 40, state.CurrentDB)
	assert.Equal(t, HardwareIdle, state.HardwareState)
}

func TestElapsedFocusSeconds(t *testing.T) {
	start := time.Now().Add(-10 * time.Minute)
	sess := &FocusSession{
		StartTime: &start,
		Status:    SessionActive,
	}

	elapsed := sess.ElapsedFocusSeconds(time.Now())
	assert.InDelta(t, 600, elapsed, 2)
}

func TestElapsedFocusSecondsExcludesPauses(t *testing.T) {
	start := time.Now().Add(-10 * time.Minute)
	sess := &FocusSession{
		StartTime:          &start,
		Status:             SessionActive,
		TotalPausedSeconds: 120,
	}

	elapsed := sess.ElapsedFocusSeconds(time.Now())
	assert.InDelta(t, 480, elapsed, 2)
}

func TestElapsedFocusSecondsWhilePaused(t *testing.T) {
	start := time.Now().Add(-10 * time.Minute)
	pausedAt := time.Now().Add(-3 * time.Minute)
	sess := &FocusSession{
		StartTime: &start,
		Status:    SessionPaused,
		PausedAt:  &pausedAt,
	}

	// 进行中的暂停时段同样不计入净专注时长
	elapsed := sess.ElapsedFocusSeconds(time.Now())
	assert.InDelta(t, 420, elapsed, 2)
}

func TestElapsedFocusSecondsNeverNegative(t *testing.T) {
	start := time.Now()
	sess := &FocusSession{
		StartTime:          &start,
		TotalPausedSeconds: 9999,
	}
	assert.Equal(t, 0, sess.ElapsedFocusSeconds(time.Now()))

	var noStart FocusSession
	assert.Equal(t, 0, noStart.ElapsedFocusSeconds(time.Now()))
}
