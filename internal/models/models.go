package models

import "time"

// PhoneStatus 手机在位状态
type PhoneStatus string

const (
	PhoneLocked  PhoneStatus = "LOCKED"  // 手机已放入盒子并锁定
	PhoneRemoved PhoneStatus = "REMOVED" // 手机被移出盒子
	PhoneUnknown PhoneStatus = "UNKNOWN" // 状态未知
)

// PresenceStatus 人员在位状态
type PresenceStatus string

const (
	PresenceDetected PresenceStatus = "DETECTED" // 雷达检测到人员在位
	PresenceAway     PresenceStatus = "AWAY"     // 人员不在位
	PresenceUnknown  PresenceStatus = "UNKNOWN"  // 状态未知
)

// BoxStatus 盒子开关状态
type BoxStatus string

const (
	BoxClosed  BoxStatus = "CLOSED"  // 盒子已关闭
	BoxOpen    BoxStatus = "OPEN"    // 盒子被打开
	BoxUnknown BoxStatus = "UNKNOWN" // 状态未知
)

// NoiseStatus 环境噪音状态
type NoiseStatus string

const (
	NoiseQuiet   NoiseStatus = "QUIET"   // 环境安静
	NoiseNoisy   NoiseStatus = "NOISY"   // 检测到持续噪音
	NoiseUnknown NoiseStatus = "UNKNOWN" // 状态未知
)

// SessionStatus 专注任务生命周期状态
type SessionStatus string

const (
	SessionIdle      SessionStatus = "IDLE"
	SessionActive    SessionStatus = "ACTIVE"
	SessionPaused    SessionStatus = "PAUSED"
	SessionViolated  SessionStatus = "VIOLATED"
	SessionCompleted SessionStatus = "COMPLETED"
)

// HardwareState 硬件端状态机状态（与固件端同步，不作为惩罚判定依据）
type HardwareState string

const (
	HardwareIdle      HardwareState = "IDLE"      // 待机，等待启动指令
	HardwarePreparing HardwareState = "PREPARING" // 启动前倒数宽限期
	HardwareFocusing  HardwareState = "FOCUSING"  // 专注中，实时监测
	HardwarePaused    HardwareState = "PAUSED"    // 硬件端监测暂停
	HardwareViolation HardwareState = "VIOLATION" // 硬件检测到即时违规
	HardwareError     HardwareState = "ERROR"     // 系统内部异常
)

// ParseHardwareState 解析硬件状态字符串，非法值返回 false
func ParseHardwareState(s string) (HardwareState, bool) {
	switch HardwareState(s) {
	case HardwareIdle, HardwarePreparing, HardwareFocusing,
		HardwarePaused, HardwareViolation, HardwareError:
		return HardwareState(s), true
	}
	return HardwareIdle, false
}

// SocialPlatform 支持的社交/通知平台
type SocialPlatform string

const (
	PlatformDiscord SocialPlatform = "discord"
	PlatformThreads SocialPlatform = "threads"
	PlatformGmail   SocialPlatform = "gmail"
)

// AllPlatforms 平台全集（用于登录状态汇总）
var AllPlatforms = []SocialPlatform{PlatformDiscord, PlatformThreads, PlatformGmail}

// SensorData 硬件感测器上报数据（v1.0 格式，含旧版兼容字段）
type SensorData struct {
	State string `json:"state,omitempty"` // 对应 HardwareState 的字符串值

	BoxOpen       bool `json:"box_open"`       // 霍尔传感器：true 代表盒子被打开
	RadarPresence bool `json:"radar_presence"` // 雷达：是否检测到有人

	Timestamp int64 `json:"timestamp,omitempty"`
	Uptime    int64 `json:"uptime,omitempty"` // 硬件开机至今的秒数

	// 旧版固件兼容字段
	NFCID         string  `json:"nfc_id,omitempty"`
	GyroX         float64 `json:"gyro_x"`
	GyroY         float64 `json:"gyro_y"`
	GyroZ         float64 `json:"gyro_z"`
	MicDB         int     `json:"mic_db"`
	BoxLocked     bool    `json:"box_locked"`
	NFCDetected   bool    `json:"nfc_detected"`
	GyroDetected  bool    `json:"gyro_detected"`
	LDRDetected   bool    `json:"ldr_detected"`
	RadarDetected bool    `json:"radar_detected"`
}

// DefaultSensorData 返回带默认值的感测数据（mic_db 默认 40，反序列化时缺省字段保留默认）
func DefaultSensorData() SensorData {
	return SensorData{MicDB: 40}
}

// PenaltyConfig 细粒度的惩罚触发配置
type PenaltyConfig struct {
	EnablePhonePenalty    bool `json:"enable_phone_penalty"`    // 手机移出惩罚
	EnablePresencePenalty bool `json:"enable_presence_penalty"` // 人员离位惩罚
	EnableNoisePenalty    bool `json:"enable_noise_penalty"`    // 噪音超标惩罚
	EnableBoxOpenPenalty  bool `json:"enable_box_open_penalty"` // 盒子打开惩罚
	NoiseThresholdDB      int  `json:"noise_threshold_db"`      // 噪音判定分贝阈值
	NoiseDurationSec      int  `json:"noise_duration_sec"`      // 噪音需持续多少秒才触发
	PresenceDurationSec   int  `json:"presence_duration_sec"`   // 离位多少秒才触发
}

// DefaultPenaltyConfig 默认惩罚配置
func DefaultPenaltyConfig() PenaltyConfig {
	return PenaltyConfig{
		EnablePhonePenalty:    true,
		EnablePresencePenalty: true,
		EnableNoisePenalty:    true,
		EnableBoxOpenPenalty:  true,
		NoiseThresholdDB:      70,
		NoiseDurationSec:      3,
		PresenceDurationSec:   10,
	}
}

// ProgressivePenaltyRule 阶段性惩罚规则：违规次数与触发平台的映射
type ProgressivePenaltyRule struct {
	ViolationCount int      `json:"violation_count"` // 违规次数门槛
	Platforms      []string `json:"platforms"`       // 触发的平台列表
}

// PenaltySettings 全局惩罚后果设置：违规后要执行的具体动作
type PenaltySettings struct {
	EnabledPlatforms      []SocialPlatform          `json:"enabled_platforms"`
	CustomMessages        map[string]string         `json:"custom_messages"`
	GmailRecipients       []string                  `json:"gmail_recipients"`
	IncludeTimestamp      bool                      `json:"include_timestamp"`
	IncludeViolationCount bool                      `json:"include_violation_count"`
	ProgressiveRules      []ProgressivePenaltyRule  `json:"progressive_rules"`
}

// DefaultPenaltySettings 默认惩罚后果设置
func DefaultPenaltySettings() PenaltySettings {
	return PenaltySettings{
		EnabledPlatforms: []SocialPlatform{},
		CustomMessages: map[string]string{
			"discord": "[警报] 我是一个没有毅力的废物，刚才的专注挑战失败了。请尽情嘲笑我。",
			"threads": "[系统公告] 使用者自律协议违规，专注任务执行失败。这是耻辱的印记。",
			"gmail":   "[专注执法者通报] 我无法完成专注任务，这是我的耻辱。",
		},
		GmailRecipients:       []string{},
		IncludeTimestamp:      true,
		IncludeViolationCount: true,
		ProgressiveRules: []ProgressivePenaltyRule{
			{ViolationCount: 1, Platforms: []string{"discord"}},
			{ViolationCount: 2, Platforms: []string{"discord", "gmail"}},
		},
	}
}

// FocusSession 单次专注任务的核心数据
type FocusSession struct {
	ID              string        `json:"id"`
	DurationMinutes int           `json:"duration_minutes"`
	StartTime       *time.Time    `json:"start_time,omitempty"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	Status          SessionStatus `json:"status"`
	Violations      int           `json:"violations"`         // 累计违规次数
	PenaltiesExec   int           `json:"penalties_executed"` // 实际执行过的惩罚次数
	PenaltyConfig   PenaltyConfig `json:"penalty_config"`     // 启动时的策略快照

	// 暂停与恢复追踪
	PausedAt           *time.Time `json:"paused_at,omitempty"` // 上次暂停的时间点
	TotalPausedSeconds int        `json:"total_paused_seconds"`
}

// ElapsedFocusSeconds 计算净专注秒数（扣除累计暂停时长）
func (s *FocusSession) ElapsedFocusSeconds(now time.Time) int {
	if s.StartTime == nil {
		return 0
	}
	elapsed := int(now.Sub(*s.StartTime).Seconds()) - s.TotalPausedSeconds
	if s.PausedAt != nil {
		elapsed -= int(now.Sub(*s.PausedAt).Seconds())
	}
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// SystemState 应用当前的核心运行状态汇总
//
// 单实例、进程生命周期，仅由 state.Manager 修改。
// 并发访问由 service 层的互斥锁串行化。
type SystemState struct {
	Session        *FocusSession  `json:"session"`
	PhoneStatus    PhoneStatus    `json:"phone_status"`
	PresenceStatus PresenceStatus `json:"presence_status"`
	BoxStatus      BoxStatus      `json:"box_status"`
	NoiseStatus    NoiseStatus    `json:"noise_status"`

	CurrentDB           int         `json:"current_db"`            // 当前环境分贝值
	TodayViolationCount int         `json:"today_violation_count"` // 今日累计违规次数
	LastSensorData      *SensorData `json:"last_sensor_data"`

	HardwareState      HardwareState `json:"hardware_state"`
	PrepareRemainingMS int           `json:"prepare_remaining_ms"` // 启动前倒数剩余毫秒

	// 时长判定的起点标记
	PersonAwaySince *time.Time `json:"person_away_since,omitempty"`
	NoiseStartTime  *time.Time `json:"noise_start_time,omitempty"`

	PenaltySettings PenaltySettings `json:"penalty_settings"`
	PenaltyConfig   PenaltyConfig   `json:"penalty_config"` // 全局默认惩罚配置
}

// NewSystemState 创建初始系统状态
func NewSystemState() *SystemState {
	return &SystemState{
		PhoneStatus:     PhoneUnknown,
		PresenceStatus:  PresenceUnknown,
		BoxStatus:       BoxUnknown,
		NoiseStatus:     NoiseUnknown,
		CurrentDB:       40,
		HardwareState:   HardwareIdle,
		PenaltySettings: DefaultPenaltySettings(),
		PenaltyConfig:   DefaultPenaltyConfig(),
	}
}
