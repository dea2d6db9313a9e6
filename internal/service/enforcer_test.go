package service

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Piau3425/IoTProject/internal/broadcast"
	"github.com/Piau3425/IoTProject/internal/config"
	"github.com/Piau3425/IoTProject/internal/errs"
	"github.com/Piau3425/IoTProject/internal/models"
	"github.com/Piau3425/IoTProject/internal/notifier"
	"github.com/Piau3425/IoTProject/internal/penalty"
	"github.com/Piau3425/IoTProject/internal/state"
	"github.com/Piau3425/IoTProject/internal/store"
	"github.com/Piau3425/IoTProject/internal/violation"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(event string, payload map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) contains(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

func setupEnforcer(t *testing.T) (*Enforcer, *store.SessionStore, *store.DailyViolationStore, *eventLog) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Hardware.MockIntervalMS = 60000 // 循环不干扰测试，样本手动注入
	cfg.Penalty.CooldownSeconds = 30
	cfg.Broadcast.ThrottleMS = 0
	cfg.Data.Dir = dir
	cfg.Data.SettingsFile = "settings.json"

	logger := zap.NewNop()
	daily := store.NewDailyViolationStore(dir, logger)
	sessions := store.NewSessionStore(dir, logger)
	bcast := broadcast.NewBroadcaster(nil, "", logger)

	log := &eventLog{}
	bcast.Subscribe(log.record)

	stateMgr := state.NewManager(dir, "settings.json", 0, 0, daily, logger)
	checker := violation.NewChecker(cfg.Penalty.CooldownSeconds, daily, bcast.Publish, logger)
	penaltyMgr := penalty.NewManager(daily, logger)

	creds := notifier.NewCredentialStore(filepath.Join(dir, "credentials.json"), logger)
	social := notifier.NewSocialManager(creds, daily, "", logger)

	e := NewEnforcer(cfg, stateMgr, checker, penaltyMgr, social, sessions, bcast, logger)
	t.Cleanup(func() {
		if e.MockActive() {
			e.StopMockHardware()
		}
	})
	return e, sessions, daily, log
}

func compliantSample() map[string]interface{} {
	return map[string]interface{}{
		"nfc_id":         "PHONE_001",
		"radar_presence": true,
		"box_open":       false,
		"mic_db":         45,
	}
}

func phoneRemovedSample() map[string]interface{} {
	return map[string]interface{}{
		"radar_presence": true,
		"box_open":       false,
		"mic_db":         45,
	}
}

func TestStartFocusSession(t *testing.T) {
	e, _, _, log := setupEnforcer(t)

	snapshot, err := e.StartFocusSession(25, "/tmp/hostage.jpg")
	require.NoError(t, err)

	sess, ok := snapshot["session"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(models.SessionActive), sess["status"])
	assert.Equal(t, 25, sess["duration_minutes"])
	assert.True(t, log.contains("system_state"))
}

func TestStartFocusSessionRejectsDoubleStart(t *testing.T) {
	e, _, _, _ := setupEnforcer(t)

	_, err := e.StartFocusSession(25, "")
	require.NoError(t, err)

	_, err = e.StartFocusSession(25, "")
	require.Error(t, err)
	var appErr *errs.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errs.CodeSessionAlreadyActiv, appErr.Code)
}

func TestStartFocusSessionValidatesDuration(t *testing.T) {
	e, _, _, _ := setupEnforcer(t)

	_, err := e.StartFocusSession(0, "")
	require.Error(t, err)
	var appErr *errs.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errs.CodeValidation, appErr.Code)
}

func TestStopFocusSessionArchivesCompleted(t *testing.T) {
	e, sessions, _, _ := setupEnforcer(t)

	_, err := e.StartFocusSession(25, "")
	require.NoError(t, err)
	require.NotNil(t, sessions.LoadSessionState(), "crash snapshot saved on start")

	snapshot, err := e.StopFocusSession()
	require.NoError(t, err)
	assert.Nil(t, snapshot["session"])
	assert.Nil(t, sessions.LoadSessionState(), "crash snapshot cleared on stop")

	history := sessions.History(10, 0, "")
	require.Len(t, history, 1)
	assert.Equal(t, "COMPLETED", history[0].Status)
	assert.Equal(t, 0, history[0].ViolationCount)
}

func TestStopFocusSessionWithoutSession(t *testing.T) {
	e, _, _, _ := setupEnforcer(t)

	_, err := e.StopFocusSession()
	require.Error(t, err)
	var appErr *errs.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errs.CodeSessionNotFound, appErr.Code)
}

func TestPhoneRemovalTriggersSinglePenaltyAndEndsSession(t *testing.T) {
	e, sessions, daily, log := setupEnforcer(t)

	_, err := e.StartFocusSession(25, "")
	require.NoError(t, err)

	e.HandleSensorData(compliantSample(), false)
	snapshot := e.StateSnapshot()
	assert.Equal(t, string(models.PhoneLocked), snapshot["phone_status"])

	// 手机移出 → 违规 → 惩罚 → 任务自动结束
	e.HandleSensorData(phoneRemovedSample(), false)

	snapshot = e.StateSnapshot()
	assert.Nil(t, snapshot["session"], "penalty ends the session")
	assert.Equal(t, 1, daily.Count())
	assert.True(t, log.contains("penalty_executed"))

	history := sessions.History(10, 0, "")
	require.Len(t, history, 1)
	assert.Equal(t, "VIOLATED", history[0].Status)
	assert.Equal(t, 1, history[0].ViolationCount)
	assert.Equal(t, string(penalty.LevelPenalty), history[0].PenaltyLevel)

	// 任务已结束，重复违规样本不再产生任何效果
	e.HandleSensorData(phoneRemovedSample(), false)
	assert.Equal(t, 1, daily.Count())
	assert.Len(t, sessions.History(10, 0, ""), 1)
}

func TestPauseResumeFlow(t *testing.T) {
	e, _, _, _ := setupEnforcer(t)

	_, err := e.PauseFocusSession()
	require.Error(t, err) // 无任务

	_, err = e.StartFocusSession(25, "")
	require.NoError(t, err)

	snapshot, err := e.PauseFocusSession()
	require.NoError(t, err)
	sess := snapshot["session"].(map[string]interface{})
	assert.Equal(t, string(models.SessionPaused), sess["status"])

	_, err = e.PauseFocusSession()
	require.Error(t, err) // 已暂停

	snapshot, err = e.ResumeFocusSession()
	require.NoError(t, err)
	sess = snapshot["session"].(map[string]interface{})
	assert.Equal(t, string(models.SessionActive), sess["status"])
}

func TestPausedSessionIgnoresViolations(t *testing.T) {
	e, sessions, daily, _ := setupEnforcer(t)

	_, err := e.StartFocusSession(25, "")
	require.NoError(t, err)
	_, err = e.PauseFocusSession()
	require.NoError(t, err)

	e.HandleSensorData(phoneRemovedSample(), false)

	assert.Equal(t, 0, daily.Count())
	assert.Empty(t, sessions.History(10, 0, ""))

	snapshot := e.StateSnapshot()
	sess := snapshot["session"].(map[string]interface{})
	assert.Equal(t, string(models.SessionPaused), sess["status"])
}

func TestUpdatePenaltyConfigPropagatesToLiveSession(t *testing.T) {
	e, _, _, _ := setupEnforcer(t)

	_, err := e.StartFocusSession(25, "")
	require.NoError(t, err)

	cfg := models.DefaultPenaltyConfig()
	cfg.EnablePhonePenalty = false
	e.UpdatePenaltyConfig(cfg)

	// 手机惩罚已关闭，移出手机不再触发
	e.HandleSensorData(phoneRemovedSample(), false)
	snapshot := e.StateSnapshot()
	require.NotNil(t, snapshot["session"])
	sess := snapshot["session"].(map[string]interface{})
	assert.Equal(t, string(models.SessionActive), sess["status"])
}

func TestMockModeIgnoresPhysicalData(t *testing.T) {
	e, _, _, _ := setupEnforcer(t)

	require.NoError(t, e.StartMockHardware())
	assert.True(t, e.MockActive())

	// 模拟启动即注入合规样本
	snapshot := e.StateSnapshot()
	assert.Equal(t, string(models.PhoneLocked), snapshot["phone_status"])

	// 实体数据在模拟模式下被丢弃
	physical := phoneRemovedSample()
	physical["box_open"] = true
	e.HandleSensorData(physical, false)

	snapshot = e.StateSnapshot()
	assert.Equal(t, string(models.PhoneLocked), snapshot["phone_status"])
	assert.Equal(t, string(models.BoxClosed), snapshot["box_status"])
}

func TestSetMockStateDrivesSystemState(t *testing.T) {
	e, _, _, _ := setupEnforcer(t)

	require.NoError(t, e.StartMockHardware())

	_, err := e.SetMockState(map[string]interface{}{"phone_inserted": false})
	require.NoError(t, err)

	snapshot := e.StateSnapshot()
	assert.Equal(t, string(models.PhoneRemoved), snapshot["phone_status"])
}

func TestModeSwitchResetsState(t *testing.T) {
	e, _, _, _ := setupEnforcer(t)

	// 实体样本建立状态
	e.HandleSensorData(compliantSample(), false)
	assert.Equal(t, string(models.PhoneLocked), e.StateSnapshot()["phone_status"])

	// 切入模拟模式：旧状态清空后由模拟样本重建
	require.NoError(t, e.StartMockHardware())
	require.NoError(t, e.StopMockHardware())

	snapshot := e.StateSnapshot()
	assert.Equal(t, string(models.PhoneUnknown), snapshot["phone_status"])
	assert.Equal(t, string(models.PresenceUnknown), snapshot["presence_status"])
}

func TestHardwareStatus(t *testing.T) {
	e, _, _, _ := setupEnforcer(t)

	status := e.HardwareStatus()
	assert.Equal(t, false, status["connected"])
	assert.Equal(t, false, status["mock_mode"])
	assert.NotContains(t, status, "mock_state")

	require.NoError(t, e.StartMockHardware())
	status = e.HardwareStatus()
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, true, status["mock_mode"])
	assert.Contains(t, status, "mock_state")
	assert.Equal(t, true, status["nfc_detected"])
}

func TestHandleHardwareStateChange(t *testing.T) {
	e, sessions, daily, _ := setupEnforcer(t)

	require.Error(t, e.HandleHardwareStateChange("NOT_A_STATE"))

	_, err := e.StartFocusSession(25, "")
	require.NoError(t, err)

	// 固件侧上报 VIOLATION：视为开盖违规，走完整惩罚流程
	require.NoError(t, e.HandleHardwareStateChange("VIOLATION"))

	assert.Equal(t, 1, daily.Count())
	history := sessions.History(10, 0, "")
	require.Len(t, history, 1)
	assert.Equal(t, "VIOLATED", history[0].Status)
}

func TestRecoverSessionArchivesAsCancelled(t *testing.T) {
	e, sessions, _, _ := setupEnforcer(t)

	sessions.SaveSessionState(map[string]interface{}{
		"id":               "orphan-1",
		"start_time":       "2026-08-22T10:00:00Z",
		"duration_minutes": float64(25),
		"violations":       float64(1),
	})

	e.RecoverSession()

	assert.Nil(t, sessions.LoadSessionState())
	history := sessions.History(10, 0, "CANCELLED")
	require.Len(t, history, 1)
	assert.Equal(t, "orphan-1", history[0].ID)
	assert.Equal(t, 25, history[0].DurationMinutes)
	assert.Equal(t, 1, history[0].ViolationCount)

	// 无快照时为 no-op
	e.RecoverSession()
	assert.Len(t, sessions.History(10, 0, ""), 1)
}

func TestRegisterPhysicalHardware(t *testing.T) {
	e, _, _, log := setupEnforcer(t)

	e.RegisterPhysicalHardware("2.1.0", "nfc,hall,radar", true, false, true)

	status := e.HardwareStatus()
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, "2.1.0", status["firmware_version"])
	assert.Equal(t, true, status["nfc_detected"])
	assert.Equal(t, false, status["ldr_detected"])
	assert.True(t, log.contains("hardware_status"))
}

func TestMalformedSensorDataDoesNotBreakPipeline(t *testing.T) {
	e, _, _, _ := setupEnforcer(t)

	e.HandleSensorData(map[string]interface{}{"mic_db": "loud"}, false)

	// 后续正常样本照常处理
	e.HandleSensorData(compliantSample(), false)
	assert.Equal(t, string(models.PhoneLocked), e.StateSnapshot()["phone_status"])
}
