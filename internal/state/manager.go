package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Piau3425/IoTProject/internal/errs"
	"github.com/Piau3425/IoTProject/internal/models"
	"github.com/Piau3425/IoTProject/internal/store"
)

// settingsDoc 设置文件的磁盘格式
type settingsDoc struct {
	PenaltySettings *models.PenaltySettings `json:"penalty_settings,omitempty"`
	PenaltyConfig   *models.PenaltyConfig   `json:"penalty_config,omitempty"`
}

// LockPolicy 手机锁定判定策略，按感测来源选择
type LockPolicy interface {
	// PhoneLocked 判定本条样本下手机是否处于锁定状态
	PhoneLocked(sensor *models.SensorData) bool
}

// mockLockPolicy 模拟硬件：NFC 信号是合成的，只看标签是否存在
type mockLockPolicy struct{}

func (mockLockPolicy) PhoneLocked(sensor *models.SensorData) bool {
	return sensor.NFCID != ""
}

// physicalLockPolicy 实体硬件：开盖会导致 NFC 天线信号不稳（硬件特性），
// 开盖或无标签都判为未锁定
type physicalLockPolicy struct{}

func (physicalLockPolicy) PhoneLocked(sensor *models.SensorData) bool {
	return sensor.NFCID != "" && !sensor.BoxOpen
}

// lockPolicyFor 按感测来源选择锁定判定策略
func lockPolicyFor(mockActive bool) LockPolicy {
	if mockActive {
		return mockLockPolicy{}
	}
	return physicalLockPolicy{}
}

// Transition 一次状态轴跳变（纯数据，日志由消费方补上）
type Transition struct {
	Axis string // phone / presence / box / noise
	From string
	To   string
}

// Manager 系统全局状态管理器
//
// 职责：
//   - 解析原始感测数据并更新四个独立状态轴（边沿触发，只在状态跳变时记录日志）
//   - 管理专注任务生命周期（启动/暂停/恢复/停止）
//   - 广播节流控制
//   - 惩罚设置的读取与持久化
//
// 本身不加锁：所有调用由 service 层的互斥锁串行化。
type Manager struct {
	state      *models.SystemState
	logger     *zap.Logger
	dailyStore *store.DailyViolationStore

	// 硬件连线追踪
	hardwareConnected   bool
	physicalWSConnected bool
	firmwareVersion     string
	features            string

	// 实体传感器的可用性
	physicalNFCDetected   bool
	physicalLDRDetected   bool
	physicalRadarDetected bool

	// 广播节流
	lastBroadcast time.Time
	throttle      time.Duration

	settingsPath string
}

// NewManager 创建状态管理器并加载已保存的设置
//
// personAwaySec 是离位判定秒数的环境默认值，设置文件里已保存的值优先。
func NewManager(dataDir, settingsFile string, throttleMS, personAwaySec int, dailyStore *store.DailyViolationStore, logger *zap.Logger) *Manager {
	m := &Manager{
		state:                 models.NewSystemState(),
		logger:                logger,
		dailyStore:            dailyStore,
		physicalRadarDetected: true,
		throttle:              time.Duration(throttleMS) * time.Millisecond,
		settingsPath:          filepath.Join(dataDir, settingsFile),
	}
	if personAwaySec > 0 {
		m.state.PenaltyConfig.PresenceDurationSec = personAwaySec
	}
	m.LoadSettings()
	return m
}

// State 获取当前系统状态（调用方须持有 service 层的锁）
func (m *Manager) State() *models.SystemState {
	return m.state
}

// LoadSettings 从 JSON 文件加载惩罚设置
func (m *Manager) LoadSettings() {
	data, err := os.ReadFile(m.settingsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Error("Failed to read settings file",
				zap.String("path", m.settingsPath),
				zap.Error(err),
			)
		}
		return
	}

	var doc settingsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		m.logger.Error("Failed to parse settings file",
			zap.String("path", m.settingsPath),
			zap.Error(err),
		)
		return
	}

	if doc.PenaltySettings != nil {
		m.state.PenaltySettings = *doc.PenaltySettings
	}
	if doc.PenaltyConfig != nil {
		m.state.PenaltyConfig = *doc.PenaltyConfig
	}
	m.logger.Info("Settings loaded from file", zap.String("path", m.settingsPath))
}

// SaveSettings 将当前惩罚设置持久化到 JSON 文件
func (m *Manager) SaveSettings() {
	doc := settingsDoc{
		PenaltySettings: &m.state.PenaltySettings,
		PenaltyConfig:   &m.state.PenaltyConfig,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		m.logger.Error("Failed to marshal settings", zap.Error(err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(m.settingsPath), 0o755); err != nil {
		m.logger.Error("Failed to create settings dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(m.settingsPath, data, 0o644); err != nil {
		m.logger.Error("Failed to write settings file",
			zap.String("path", m.settingsPath),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("Settings saved to file", zap.String("path", m.settingsPath))
}

// ProcessSensorData 处理任意来源（实体或模拟）的原始感测数据并更新系统状态
//
// 入参为原始 map：先做旧版字段归一化，再解析为 SensorData。
// 解析失败返回校验错误，调用方应跳过本条数据，绝不中断采集循环。
func (m *Manager) ProcessSensorData(data map[string]interface{}, mockActive bool) (*models.SensorData, error) {
	// 归一化 nfc_id：空字符串视为无标签
	if v, ok := data["nfc_id"]; ok {
		if s, isStr := v.(string); isStr && s == "" {
			delete(data, "nfc_id")
		}
		if v == nil {
			delete(data, "nfc_id")
		}
	}

	// 兼容处理：v1.0 固件只上报 box_locked，统一换算为 box_open
	if _, ok := data["box_open"]; !ok {
		boxLocked := true
		if v, ok := data["box_locked"].(bool); ok {
			boxLocked = v
		}
		data["box_open"] = !boxLocked
	}

	raw, err := json.Marshal(data)
	if err != nil {
		m.logger.Error("Failed to encode sensor payload", zap.Error(err))
		return nil, errs.New(errs.CodeValidation, "invalid sensor payload")
	}

	sensor := models.DefaultSensorData()
	if err := json.Unmarshal(raw, &sensor); err != nil {
		m.logger.Error("Failed to parse sensor payload",
			zap.Error(err),
			zap.ByteString("payload", raw),
		)
		return nil, errs.New(errs.CodeValidation, fmt.Sprintf("malformed sensor payload: %v", err)).
			With("payload", string(raw))
	}

	m.state.LastSensorData = &sensor
	m.state.CurrentDB = sensor.MicDB

	// 从感测数据中同步硬件端状态机状态
	if sensor.State != "" {
		if hw, ok := models.ParseHardwareState(sensor.State); ok {
			m.state.HardwareState = hw
		}
	}

	transitions := m.applySensorData(&sensor, lockPolicyFor(mockActive))
	m.logTransitions(transitions)

	return &sensor, nil
}

// applySensorData 将样本套用到四个状态轴，返回实际发生的跳变清单
//
// 纯状态转换：不做任何日志输出，跳变事件交由调用方消费。
func (m *Manager) applySensorData(sensor *models.SensorData, policy LockPolicy) []Transition {
	var transitions []Transition

	record := func(axis string, from, to string) {
		if from != to {
			transitions = append(transitions, Transition{Axis: axis, From: from, To: to})
		}
	}

	// 手机锁定轴（判定逻辑由来源策略决定）
	phone := models.PhoneRemoved
	if policy.PhoneLocked(sensor) {
		phone = models.PhoneLocked
	}
	record("phone", string(m.state.PhoneStatus), string(phone))
	m.state.PhoneStatus = phone

	// 人员在位轴：离开瞬间打点计时，回位即清除
	if sensor.RadarPresence {
		record("presence", string(m.state.PresenceStatus), string(models.PresenceDetected))
		m.state.PresenceStatus = models.PresenceDetected
		m.state.PersonAwaySince = nil
	} else {
		record("presence", string(m.state.PresenceStatus), string(models.PresenceAway))
		if m.state.PresenceStatus == models.PresenceDetected {
			now := time.Now()
			m.state.PersonAwaySince = &now
		}
		m.state.PresenceStatus = models.PresenceAway
	}

	// 盒子开关轴
	box := models.BoxClosed
	if sensor.BoxOpen {
		box = models.BoxOpen
	}
	record("box", string(m.state.BoxStatus), string(box))
	m.state.BoxStatus = box

	// 噪音轴：此层不做去抖，每条样本重算；持续时长判定在违规检查层完成
	noise := models.NoiseQuiet
	if sensor.MicDB >= m.state.PenaltyConfig.NoiseThresholdDB {
		noise = models.NoiseNoisy
	}
	record("noise", string(m.state.NoiseStatus), string(noise))
	m.state.NoiseStatus = noise

	return transitions
}

// logTransitions 将状态跳变转为日志（边沿触发：无跳变无日志）
func (m *Manager) logTransitions(transitions []Transition) {
	for _, tr := range transitions {
		switch {
		case tr.Axis == "phone" && tr.To == string(models.PhoneLocked):
			m.logger.Info("Phone locked in box")
		case tr.Axis == "phone" && tr.From == string(models.PhoneLocked):
			m.logger.Warn("Phone removed from box")
		case tr.Axis == "presence" && tr.To == string(models.PresenceDetected):
			m.logger.Info("Person presence detected")
		case tr.Axis == "presence" && tr.From == string(models.PresenceDetected):
			m.logger.Warn("Person left, away timer started")
		case tr.Axis == "box" && tr.To == string(models.BoxOpen):
			m.logger.Warn("Box opened")
		case tr.Axis == "box" && tr.To == string(models.BoxClosed):
			m.logger.Info("Box closed")
		case tr.Axis == "noise" && tr.To == string(models.NoiseNoisy):
			m.logger.Warn("Excessive ambient noise detected",
				zap.Int("mic_db", m.state.CurrentDB),
			)
		}
	}
}

// ResetState 将系统状态重置为初始值（用于实体/模拟模式切换，避免跨模式残留）
func (m *Manager) ResetState() {
	m.state.LastSensorData = nil
	m.state.CurrentDB = 40
	m.state.PhoneStatus = models.PhoneUnknown
	m.state.PresenceStatus = models.PresenceUnknown
	m.state.BoxStatus = models.BoxUnknown
	m.state.NoiseStatus = models.NoiseUnknown
	m.state.PersonAwaySince = nil
	m.state.NoiseStartTime = nil
	m.logger.Info("System state reset after hardware mode switch")
}

// UpdateHardwareInfo 更新硬件连线与能力信息
func (m *Manager) UpdateHardwareInfo(version, features string, nfcDetected, ldrDetected, radarDetected bool) {
	m.hardwareConnected = true
	m.physicalWSConnected = true
	m.firmwareVersion = version
	m.features = features
	m.physicalNFCDetected = nfcDetected
	m.physicalLDRDetected = ldrDetected
	m.physicalRadarDetected = radarDetected
}

// SensorDetectionStatus 获取各传感器的当前可用性 (nfc, ldr, radar)
func (m *Manager) SensorDetectionStatus(mockActive bool) (bool, bool, bool) {
	if mockActive {
		// 模拟模式下所有传感器都视为可用
		return true, true, true
	}
	if m.hardwareConnected {
		return m.physicalNFCDetected, m.physicalLDRDetected, m.physicalRadarDetected
	}
	return false, false, false
}

// HardwareConnected 当前是否有硬件（实体或模拟）在线
func (m *Manager) HardwareConnected() bool {
	return m.hardwareConnected
}

// SetHardwareConnected 更新硬件连线状态
func (m *Manager) SetHardwareConnected(connected bool) {
	m.hardwareConnected = connected
}

// PhysicalWSConnected 实体硬件连线是否仍然保持
func (m *Manager) PhysicalWSConnected() bool {
	return m.physicalWSConnected
}

// SetPhysicalWSConnected 更新实体硬件连线状态
func (m *Manager) SetPhysicalWSConnected(connected bool) {
	m.physicalWSConnected = connected
}

// FirmwareVersion 硬件固件版本
func (m *Manager) FirmwareVersion() string {
	return m.firmwareVersion
}

// Features 硬件能力字符串
func (m *Manager) Features() string {
	return m.features
}

// ShouldBroadcast 判断距离上次广播是否已超过节流间隔
func (m *Manager) ShouldBroadcast() bool {
	if m.lastBroadcast.IsZero() {
		return true
	}
	return time.Since(m.lastBroadcast) >= m.throttle
}

// MarkBroadcast 标记当前时间为最后一次广播时间
func (m *Manager) MarkBroadcast() {
	m.lastBroadcast = time.Now()
}

// StateSnapshot 序列化系统状态为可传输格式
//
// 时间一律转为 ISO-8601 字符串，枚举使用其字符串值。
func (m *Manager) StateSnapshot() map[string]interface{} {
	snapshot := map[string]interface{}{
		"session":               nil,
		"phone_status":          string(m.state.PhoneStatus),
		"presence_status":       string(m.state.PresenceStatus),
		"box_status":            string(m.state.BoxStatus),
		"noise_status":          string(m.state.NoiseStatus),
		"current_db":            m.state.CurrentDB,
		"hardware_state":        string(m.state.HardwareState),
		"prepare_remaining_ms":  m.state.PrepareRemainingMS,
		"today_violation_count": m.dailyStore.Count(),
		"penalty_config":        m.state.PenaltyConfig,
		"penalty_settings":      m.state.PenaltySettings,
	}

	if m.state.PersonAwaySince != nil {
		snapshot["person_away_since"] = m.state.PersonAwaySince.Format(time.RFC3339)
	}
	if m.state.NoiseStartTime != nil {
		snapshot["noise_start_time"] = m.state.NoiseStartTime.Format(time.RFC3339)
	}

	if s := m.state.Session; s != nil {
		sess := map[string]interface{}{
			"id":                   s.ID,
			"duration_minutes":     s.DurationMinutes,
			"status":               string(s.Status),
			"violations":           s.Violations,
			"penalties_executed":   s.PenaltiesExec,
			"total_paused_seconds": s.TotalPausedSeconds,
		}
		if s.StartTime != nil {
			sess["start_time"] = s.StartTime.Format(time.RFC3339)
		}
		if s.EndTime != nil {
			sess["end_time"] = s.EndTime.Format(time.RFC3339)
		}
		if s.PausedAt != nil {
			sess["paused_at"] = s.PausedAt.Format(time.RFC3339)
		}
		snapshot["session"] = sess
	}

	return snapshot
}

// StartSession 初始化并启动一个新的专注任务（复制当前策略配置作为快照）
func (m *Manager) StartSession(durationMinutes int) *models.FocusSession {
	now := time.Now()
	m.state.Session = &models.FocusSession{
		ID:              uuid.New().String(),
		DurationMinutes: durationMinutes,
		StartTime:       &now,
		Status:          models.SessionActive,
		PenaltyConfig:   m.state.PenaltyConfig,
	}
	return m.state.Session
}

// StopSession 终结当前专注任务（已违规的任务保留 VIOLATED 终态）
func (m *Manager) StopSession() {
	if m.state.Session == nil {
		return
	}
	now := time.Now()
	if m.state.Session.Status != models.SessionViolated {
		m.state.Session.Status = models.SessionCompleted
	}
	m.state.Session.EndTime = &now
	m.state.Session = nil
}

// PauseSession 暂停当前专注任务，非 ACTIVE 状态下返回 false
func (m *Manager) PauseSession() bool {
	s := m.state.Session
	if s == nil || s.Status != models.SessionActive {
		return false
	}
	now := time.Now()
	s.PausedAt = &now
	s.Status = models.SessionPaused
	return true
}

// ResumeSession 从暂停状态恢复任务并累计暂停时长，非 PAUSED 状态下返回 false
func (m *Manager) ResumeSession() bool {
	s := m.state.Session
	if s == nil || s.Status != models.SessionPaused {
		return false
	}
	if s.PausedAt != nil {
		s.TotalPausedSeconds += int(time.Since(*s.PausedAt).Seconds())
		s.PausedAt = nil
	}
	s.Status = models.SessionActive
	return true
}
