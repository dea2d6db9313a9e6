package penalty

import (
	"time"

	"go.uber.org/zap"

	"github.com/Piau3425/IoTProject/internal/store"
)

// Level 惩罚状态
type Level string

const (
	LevelNone    Level = "NONE"    // 本次任务尚无违规
	LevelPenalty Level = "PENALTY" // 已执行惩罚（任务内终态）
)

// ViolationState 单次专注任务内的违规追踪状态
type ViolationState struct {
	Count           int        // 本次任务累计违规次数
	CurrentLevel    Level      // 当前惩罚状态
	LastViolation   *time.Time // 最后一次违规时间
	PenaltyExecuted bool       // 是否已执行过惩罚
}

// reset 重置违规状态（新任务启动时）
func (v *ViolationState) reset() {
	v.Count = 0
	v.CurrentLevel = LevelNone
	v.LastViolation = nil
	v.PenaltyExecuted = false
}

// Callback 惩罚执行回调 (level, count, reason)
type Callback func(level Level, count int, reason string)

// Manager 惩罚执行状态机（简化的一次性模型）
//
// 状态机：NONE → PENALTY（任务内终态）。任何违规直接触发惩罚并结束任务，
// 不做分级升级。penalty_executed 置位后，后续违规全部幂等跳过，
// 保证每次任务至多执行一次惩罚。
//
// “违规即结束任务”是刻意的：系统的价值在于后果不可回避，
// 违规后允许无限重试会瓦解惩罚的威慑力。
type Manager struct {
	state  ViolationState
	active bool

	callbacks   []Callback
	broadcast   func(payload map[string]interface{})
	stopSession func()

	daily  *store.DailyViolationStore
	logger *zap.Logger
}

// NewManager 创建惩罚管理器
func NewManager(daily *store.DailyViolationStore, logger *zap.Logger) *Manager {
	return &Manager{
		daily:  daily,
		logger: logger,
	}
}

// OnPenalty 注册惩罚执行回调
func (m *Manager) OnPenalty(cb Callback) {
	m.callbacks = append(m.callbacks, cb)
}

// SetBroadcastCallback 设置惩罚状态广播回调
func (m *Manager) SetBroadcastCallback(cb func(payload map[string]interface{})) {
	m.broadcast = cb
}

// SetStopSessionCallback 设置惩罚后自动停止任务的回调
func (m *Manager) SetStopSessionCallback(cb func()) {
	m.stopSession = cb
}

// StartSession 为新任务启动违规追踪
func (m *Manager) StartSession() {
	m.state.reset()
	m.active = true
	m.logger.Info("Penalty tracking started")
}

// StopSession 停止当前任务的违规追踪
func (m *Manager) StopSession() {
	m.state.reset()
	m.active = false
	m.logger.Info("Penalty tracking stopped")
}

// Active 惩罚追踪是否启用中
func (m *Manager) Active() bool {
	return m.active
}

// State 当前违规追踪状态的副本
func (m *Manager) State() ViolationState {
	return m.state
}

// RecordViolation 记录一次违规并执行惩罚
//
// 未启用时为 no-op；本次任务已执行过惩罚时幂等返回 PENALTY，
// 不再重复触发回调 —— 无论违规条件重复命中多少次，每次任务至多
// 执行一次惩罚。
func (m *Manager) RecordViolation(reason string) Level {
	if !m.active {
		return LevelNone
	}

	if m.state.PenaltyExecuted {
		m.logger.Info("Penalty already executed, skipping violation",
			zap.String("reason", reason),
		)
		return LevelPenalty
	}

	m.state.Count++
	todayCount := m.daily.Increment()
	now := time.Now()
	m.state.LastViolation = &now

	m.logger.Warn("Violation recorded",
		zap.Int("session_count", m.state.Count),
		zap.Int("today_count", todayCount),
		zap.String("reason", reason),
	)

	m.executePenalty(reason)
	return LevelPenalty
}

// ViolationResolved 违规状态解除时调用
//
// 简化模型中惩罚一经执行不可撤销，始终返回 false。
func (m *Manager) ViolationResolved() bool {
	return false
}

// executePenalty 执行惩罚：回调、广播，最后自动结束任务
func (m *Manager) executePenalty(reason string) {
	m.state.CurrentLevel = LevelPenalty
	m.state.PenaltyExecuted = true

	m.logger.Warn("Executing penalty", zap.String("reason", reason))

	// 回调逐个执行，单个 panic 不阻断后续回调
	for _, cb := range m.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Penalty callback panicked", zap.Any("panic", r))
				}
			}()
			cb(LevelPenalty, m.state.Count, reason)
		}()
	}

	if m.broadcast != nil {
		m.broadcast(map[string]interface{}{
			"type":                  "penalty_executed",
			"level":                 string(LevelPenalty),
			"violation_count":       m.state.Count,
			"today_violation_count": m.daily.Count(),
			"reason":                reason,
		})
	}

	// 惩罚执行后自动结束专注任务
	if m.stopSession != nil {
		m.logger.Info("Penalty complete, stopping session")
		m.stopSession()
	}
}

// StateDict 当前惩罚状态的序列化格式（供 API 返回）
func (m *Manager) StateDict() map[string]interface{} {
	return map[string]interface{}{
		"active":                m.active,
		"violation_count":       m.state.Count,
		"today_violation_count": m.daily.Count(),
		"current_level":         string(m.state.CurrentLevel),
		"penalty_executed":      m.state.PenaltyExecuted,
	}
}
