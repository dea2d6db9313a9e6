package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Piau3425/IoTProject/internal/broadcast"
	"github.com/Piau3425/IoTProject/internal/config"
	"github.com/Piau3425/IoTProject/internal/errs"
	"github.com/Piau3425/IoTProject/internal/mockhw"
	"github.com/Piau3425/IoTProject/internal/models"
	"github.com/Piau3425/IoTProject/internal/notifier"
	"github.com/Piau3425/IoTProject/internal/penalty"
	"github.com/Piau3425/IoTProject/internal/state"
	"github.com/Piau3425/IoTProject/internal/store"
	"github.com/Piau3425/IoTProject/internal/violation"
)

// CommandPublisher 向硬件下发指令的出口（由 MQTT 消费者实现）
type CommandPublisher interface {
	PublishCommand(command string, params map[string]interface{}) error
}

// Enforcer 专注执法服务的核心编排层
//
// 对应整个系统的单一事实来源：感测数据接入、任务生命周期、
// 违规判定、惩罚执行与状态广播全部经由此处串行化。
//
// 锁规则：mu 串行化所有状态读写；惩罚管理器的回调在持锁上下文中
// 触发，因此任务停止走 stopSessionLocked 而非公开的 StopFocusSession，
// 避免自锁。社交平台 I/O 与 Redis 镜像一律不在关键路径上重试。
type Enforcer struct {
	mu sync.Mutex

	cfg      *config.Config
	stateMgr *state.Manager
	checker  *violation.Checker
	penal    *penalty.Manager
	social   *notifier.SocialManager
	sessions *store.SessionStore
	bcast    *broadcast.Broadcaster
	logger   *zap.Logger

	// 模拟硬件：启停与状态调整由 mockMu 串行化（循环回调会反向抢 mu）
	mockMu sync.Mutex
	mock   *mockhw.Controller

	cmdPub CommandPublisher // 可为 nil（纯模拟模式）

	// 违规条件的边沿检测标记：只在 false→true 跳变时上报惩罚管理器
	violationSeen bool
}

// NewEnforcer 创建编排层并完成各组件间的回调接线
func NewEnforcer(
	cfg *config.Config,
	stateMgr *state.Manager,
	checker *violation.Checker,
	penal *penalty.Manager,
	social *notifier.SocialManager,
	sessions *store.SessionStore,
	bcast *broadcast.Broadcaster,
	logger *zap.Logger,
) *Enforcer {
	e := &Enforcer{
		cfg:      cfg,
		stateMgr: stateMgr,
		checker:  checker,
		penal:    penal,
		social:   social,
		sessions: sessions,
		bcast:    bcast,
		logger:   logger,
	}

	e.mock = mockhw.NewController(
		mockhw.NewState(),
		cfg.Hardware.MockIntervalMS,
		func(data map[string]interface{}) { e.HandleSensorData(data, true) },
		func() {
			e.mu.Lock()
			e.stateMgr.ResetState()
			e.mu.Unlock()
		},
		e.bcast.Publish,
		e.HardwareStatus,
		logger,
	)

	// 惩罚执行 → 社交平台处罚（异步，用状态快照避免持锁做网络 I/O）
	e.penal.OnPenalty(func(level penalty.Level, count int, reason string) {
		stateCopy := *e.stateMgr.State()
		hostage := e.checker.HostagePath()
		go e.social.ExecutePenalty(&stateCopy, hostage)
	})

	e.penal.SetBroadcastCallback(func(payload map[string]interface{}) {
		e.bcast.Publish("penalty_executed", payload)
	})

	// RecordViolation 始终在持有 mu 的上下文中调用，停止任务走无锁内部版本
	e.penal.SetStopSessionCallback(func() {
		e.stopSessionLocked()
	})

	return e
}

// SetCommandPublisher 设置硬件指令下发出口
func (e *Enforcer) SetCommandPublisher(p CommandPublisher) {
	e.cmdPub = p
}

// Sessions 任务历史存储
func (e *Enforcer) Sessions() *store.SessionStore {
	return e.sessions
}

// Social 社交平台管理器
func (e *Enforcer) Social() *notifier.SocialManager {
	return e.social
}

// HandleSensorData 处理一条原始感测数据（实体与模拟共用的唯一入口）
//
// 模拟模式运行中会丢弃实体硬件的数据，防止两个数据源交叉污染状态。
// 解析失败只记录并跳过，采集循环不中断。
func (e *Enforcer) HandleSensorData(data map[string]interface{}, fromMock bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mockActive := e.mock.Active()
	if mockActive && !fromMock {
		e.logger.Debug("Physical sensor data ignored while mock is active")
		return
	}

	if _, err := e.stateMgr.ProcessSensorData(data, mockActive); err != nil {
		e.logger.Warn("Sensor sample skipped", zap.Error(err))
		return
	}

	e.evaluateViolationLocked()
	e.broadcastStateLocked(false)
}

// evaluateViolationLocked 在任务 ACTIVE 时做违规判定（边沿触发）
//
// 同一违规条件持续命中只上报一次；条件解除后再次命中视为新违规。
func (e *Enforcer) evaluateViolationLocked() {
	st := e.stateMgr.State()
	sess := st.Session
	if sess == nil || sess.Status != models.SessionActive {
		return
	}

	detected, reason := e.checker.Detect(st, sess.PenaltyConfig)
	if detected && !e.violationSeen {
		e.violationSeen = true
		sess.Violations++
		sess.Status = models.SessionViolated
		e.penal.RecordViolation(reason)
		return
	}
	if !detected && e.violationSeen {
		e.violationSeen = false
		e.penal.ViolationResolved()
	}
}

// broadcastStateLocked 广播全量系统状态（force 跳过节流）
func (e *Enforcer) broadcastStateLocked(force bool) {
	if !force && !e.stateMgr.ShouldBroadcast() {
		return
	}
	e.stateMgr.MarkBroadcast()
	e.bcast.Publish("system_state", e.stateMgr.StateSnapshot())
}

// BroadcastState 立即广播一次全量状态
func (e *Enforcer) BroadcastState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcastStateLocked(true)
}

// StateSnapshot 当前系统状态的序列化快照
func (e *Enforcer) StateSnapshot() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateMgr.StateSnapshot()
}

// StartFocusSession 启动新的专注任务
//
// 已有 ACTIVE/PAUSED 任务时拒绝。噪音计时与惩罚冷却在启动时清零；
// 若启动瞬间环境已是 NOISY，则立即开始计时（启动前的噪音不累计）。
func (e *Enforcer) StartFocusSession(durationMinutes int, hostagePath string) (map[string]interface{}, error) {
	if durationMinutes <= 0 {
		return nil, errs.Newf(errs.CodeValidation, "duration must be positive, got %d", durationMinutes).
			With("duration_minutes", durationMinutes)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateMgr.State()
	if s := st.Session; s != nil && (s.Status == models.SessionActive || s.Status == models.SessionPaused) {
		return nil, errs.SessionAlreadyActive(s.ID)
	}

	st.NoiseStartTime = nil
	e.violationSeen = false
	e.checker.SetHostagePath(hostagePath)
	e.checker.ResetPenaltyTimer()
	e.penal.StartSession()

	sess := e.stateMgr.StartSession(durationMinutes)

	// 启动瞬间已处于噪音状态：从现在起计时
	if st.NoiseStatus == models.NoiseNoisy {
		now := time.Now()
		st.NoiseStartTime = &now
	}

	e.logger.Info("Focus session started",
		zap.String("session_id", sess.ID),
		zap.Int("duration_minutes", durationMinutes),
		zap.Bool("has_hostage", hostagePath != ""),
	)

	e.saveSessionSnapshotLocked()
	e.publishCommand("START", map[string]interface{}{
		"duration_minutes": durationMinutes,
	})
	e.broadcastStateLocked(true)
	return e.stateMgr.StateSnapshot(), nil
}

// StopFocusSession 手动结束当前专注任务
func (e *Enforcer) StopFocusSession() (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stateMgr.State().Session == nil {
		return nil, errs.SessionNotFound()
	}
	e.stopSessionLocked()
	return e.stateMgr.StateSnapshot(), nil
}

// stopSessionLocked 结束当前任务并存档（调用方须已持有 mu）
//
// 同时作为惩罚管理器的 stop 回调入口：惩罚执行后任务自动结束。
func (e *Enforcer) stopSessionLocked() {
	st := e.stateMgr.State()
	sess := st.Session
	if sess == nil {
		return
	}

	now := time.Now()
	finalStatus := models.SessionCompleted
	if sess.Status == models.SessionViolated {
		finalStatus = models.SessionViolated
	}

	record := store.SessionRecord{
		ID:                    sess.ID,
		EndTime:               now.Format(time.RFC3339),
		DurationMinutes:       sess.DurationMinutes,
		Status:                string(finalStatus),
		ViolationCount:        sess.Violations,
		PenaltyLevel:          string(e.penal.State().CurrentLevel),
		TotalFocusTimeSeconds: sess.ElapsedFocusSeconds(now),
	}
	if sess.StartTime != nil {
		record.StartTime = sess.StartTime.Format(time.RFC3339)
	}

	e.stateMgr.StopSession()
	e.penal.StopSession()
	e.checker.SetHostagePath("")
	e.violationSeen = false

	e.sessions.Add(record)
	e.sessions.ClearSessionState()

	e.logger.Info("Focus session ended",
		zap.String("session_id", record.ID),
		zap.String("status", record.Status),
		zap.Int("violations", record.ViolationCount),
		zap.Int("focus_seconds", record.TotalFocusTimeSeconds),
	)

	e.publishCommand("STOP", nil)
	e.broadcastStateLocked(true)
}

// PauseFocusSession 暂停当前任务
func (e *Enforcer) PauseFocusSession() (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.stateMgr.PauseSession() {
		return nil, errs.InvalidSessionState(e.sessionStatusLocked(), "pause")
	}

	e.logger.Info("Focus session paused")
	e.saveSessionSnapshotLocked()
	e.publishCommand("PAUSE", nil)
	e.broadcastStateLocked(true)
	return e.stateMgr.StateSnapshot(), nil
}

// ResumeFocusSession 恢复暂停中的任务
func (e *Enforcer) ResumeFocusSession() (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.stateMgr.ResumeSession() {
		return nil, errs.InvalidSessionState(e.sessionStatusLocked(), "resume")
	}

	e.logger.Info("Focus session resumed")
	e.saveSessionSnapshotLocked()
	e.publishCommand("RESUME", nil)
	e.broadcastStateLocked(true)
	return e.stateMgr.StateSnapshot(), nil
}

// AcknowledgeViolation 向硬件确认违规提示（解除蜂鸣/警示灯）
func (e *Enforcer) AcknowledgeViolation() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.publishCommand("ACKNOWLEDGE", nil)
	e.broadcastStateLocked(true)
	return e.stateMgr.StateSnapshot()
}

// sessionStatusLocked 当前任务状态的字符串（无任务时为 IDLE）
func (e *Enforcer) sessionStatusLocked() string {
	if s := e.stateMgr.State().Session; s != nil {
		return string(s.Status)
	}
	return string(models.SessionIdle)
}

// saveSessionSnapshotLocked 保存进行中任务的崩溃恢复快照
func (e *Enforcer) saveSessionSnapshotLocked() {
	sess := e.stateMgr.State().Session
	if sess == nil {
		return
	}
	snapshot := map[string]interface{}{
		"id":                   sess.ID,
		"duration_minutes":     sess.DurationMinutes,
		"status":               string(sess.Status),
		"violations":           sess.Violations,
		"total_paused_seconds": sess.TotalPausedSeconds,
		"hostage_path":         e.checker.HostagePath(),
	}
	if sess.StartTime != nil {
		snapshot["start_time"] = sess.StartTime.Format(time.RFC3339)
	}
	e.sessions.SaveSessionState(snapshot)
}

// RecoverSession 进程启动时处理上次遗留的任务快照
//
// 崩溃时进行中的任务无法续跑（感测连续性已断），统一以 CANCELLED 存档。
func (e *Enforcer) RecoverSession() {
	snapshot := e.sessions.LoadSessionState()
	if snapshot == nil {
		return
	}

	record := store.SessionRecord{
		Status:  "CANCELLED",
		EndTime: time.Now().Format(time.RFC3339),
	}
	if v, ok := snapshot["id"].(string); ok {
		record.ID = v
	}
	if v, ok := snapshot["start_time"].(string); ok {
		record.StartTime = v
	}
	if v, ok := snapshot["duration_minutes"].(float64); ok {
		record.DurationMinutes = int(v)
	}
	if v, ok := snapshot["violations"].(float64); ok {
		record.ViolationCount = int(v)
	}

	e.sessions.Add(record)
	e.sessions.ClearSessionState()
	e.logger.Warn("Recovered interrupted session, archived as cancelled",
		zap.String("session_id", record.ID),
	)
}

// publishCommand 向硬件下发指令，失败只记录不上抛
func (e *Enforcer) publishCommand(command string, params map[string]interface{}) {
	if e.cmdPub == nil {
		return
	}
	if err := e.cmdPub.PublishCommand(command, params); err != nil {
		e.logger.Warn("Failed to publish hardware command",
			zap.String("command", command),
			zap.Error(err),
		)
	}
}

// StartMockHardware 启动模拟硬件
func (e *Enforcer) StartMockHardware() error {
	e.mockMu.Lock()
	defer e.mockMu.Unlock()
	return e.mock.Start(e.setHardwareConnected)
}

// StopMockHardware 停止模拟硬件，实体硬件仍在线时交还控制权
func (e *Enforcer) StopMockHardware() error {
	e.mockMu.Lock()
	defer e.mockMu.Unlock()

	e.mu.Lock()
	physical := e.stateMgr.PhysicalWSConnected()
	e.mu.Unlock()

	return e.mock.Stop(e.setHardwareConnected, physical)
}

// SetMockState 调整模拟硬件状态
func (e *Enforcer) SetMockState(fields map[string]interface{}) (map[string]interface{}, error) {
	e.mockMu.Lock()
	defer e.mockMu.Unlock()
	return e.mock.SetState(fields)
}

// MockActive 模拟硬件是否运行中
func (e *Enforcer) MockActive() bool {
	return e.mock.Active()
}

func (e *Enforcer) setHardwareConnected(connected bool) {
	e.mu.Lock()
	e.stateMgr.SetHardwareConnected(connected)
	e.mu.Unlock()
}

// HardwareStatus 硬件接入状态汇总
func (e *Enforcer) HardwareStatus() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	mockActive := e.mock.Active()
	nfc, ldr, radar := e.stateMgr.SensorDetectionStatus(mockActive)

	status := map[string]interface{}{
		"connected":        e.stateMgr.HardwareConnected(),
		"mock_mode":        mockActive,
		"hardware_state":   string(e.stateMgr.State().HardwareState),
		"firmware_version": e.stateMgr.FirmwareVersion(),
		"features":         e.stateMgr.Features(),
		"nfc_detected":     nfc,
		"ldr_detected":     ldr,
		"radar_detected":   radar,
	}
	if mockActive {
		status["mock_state"] = e.mock.StateMap()
	}
	return status
}

// RegisterPhysicalHardware 实体硬件上线注册（固件版本与传感器能力）
func (e *Enforcer) RegisterPhysicalHardware(version, features string, nfcDetected, ldrDetected, radarDetected bool) {
	e.mu.Lock()
	e.stateMgr.UpdateHardwareInfo(version, features, nfcDetected, ldrDetected, radarDetected)
	e.logger.Info("Physical hardware registered",
		zap.String("firmware_version", version),
		zap.String("features", features),
	)
	e.mu.Unlock()

	e.bcast.Publish("hardware_status", e.HardwareStatus())
}

// HandlePhysicalDisconnect 实体硬件断线处理
func (e *Enforcer) HandlePhysicalDisconnect() {
	e.mu.Lock()
	e.stateMgr.SetPhysicalWSConnected(false)
	if !e.mock.Active() {
		e.stateMgr.SetHardwareConnected(false)
		e.logger.Warn("Physical hardware disconnected")
	}
	e.mu.Unlock()

	e.bcast.Publish("hardware_status", e.HardwareStatus())
}

// HandleHardwareStateChange 处理硬件端状态机跳变
//
// VIOLATION 代表固件已在本地检测到开盖等即时违规，直接按违规处理；
// FOCUSING 代表固件恢复监测，视为违规条件解除。
func (e *Enforcer) HandleHardwareStateChange(stateStr string) error {
	hw, ok := models.ParseHardwareState(stateStr)
	if !ok {
		return errs.Newf(errs.CodeValidation, "unknown hardware state: %s", stateStr).
			With("state", stateStr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateMgr.State()
	st.HardwareState = hw

	switch hw {
	case models.HardwareViolation:
		st.BoxStatus = models.BoxOpen
		if sess := st.Session; sess != nil && sess.Status == models.SessionActive && !e.violationSeen {
			e.violationSeen = true
			sess.Violations++
			sess.Status = models.SessionViolated
			e.penal.RecordViolation("hardware reported violation")
		}
	case models.HardwareFocusing:
		st.BoxStatus = models.BoxClosed
		if e.violationSeen {
			e.violationSeen = false
			e.penal.ViolationResolved()
		}
		// 固件恢复监测且任务仍在：违规标记回退为 ACTIVE
		if sess := st.Session; sess != nil && sess.Status == models.SessionViolated {
			sess.Status = models.SessionActive
		}
	}

	e.bcast.Publish("hardware_state_change", map[string]interface{}{
		"state":     string(hw),
		"timestamp": time.Now().Format(time.RFC3339),
	})
	e.broadcastStateLocked(true)
	return nil
}

// UpdatePenaltyConfig 更新全局惩罚判定配置并持久化
//
// 进行中任务的策略快照一并更新（配置调整立即生效）。
func (e *Enforcer) UpdatePenaltyConfig(cfg models.PenaltyConfig) map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateMgr.State()
	st.PenaltyConfig = cfg
	if st.Session != nil {
		st.Session.PenaltyConfig = cfg
	}
	e.stateMgr.SaveSettings()

	e.logger.Info("Penalty config updated",
		zap.Int("noise_threshold_db", cfg.NoiseThresholdDB),
		zap.Int("noise_duration_sec", cfg.NoiseDurationSec),
		zap.Int("presence_duration_sec", cfg.PresenceDurationSec),
	)
	e.broadcastStateLocked(true)
	return e.stateMgr.StateSnapshot()
}

// UpdatePenaltySettings 更新惩罚后果设置（平台、讯息模板等）并持久化
func (e *Enforcer) UpdatePenaltySettings(settings models.PenaltySettings) map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stateMgr.State().PenaltySettings = settings
	e.stateMgr.SaveSettings()

	e.logger.Info("Penalty settings updated",
		zap.Int("enabled_platforms", len(settings.EnabledPlatforms)),
	)
	e.broadcastStateLocked(true)
	return e.stateMgr.StateSnapshot()
}
