package violation

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Piau3425/IoTProject/internal/models"
	"github.com/Piau3425/IoTProject/internal/store"
)

// EventFunc 广播命名事件的回调
type EventFunc func(event string, payload map[string]interface{})

// Callback 惩罚执行回调，接收系统状态与人质照片路径
type Callback func(state *models.SystemState, hostagePath string)

// Checker 违规检查器
//
// 职责：
//   - 按固定优先级检查各感测状态是否构成违规（首个命中的条件决定上报原因）
//   - 管理惩罚冷却时间，避免短时间内重复触发
//   - 违规成立时依次执行注册的惩罚回调
//
// 每次调用都是无状态的策略评估；跨调用只保留冷却计时与噪音起始时间
// （后者存放在 SystemState 上）。
type Checker struct {
	logger    *zap.Logger
	broadcast EventFunc
	daily     *store.DailyViolationStore

	cooldown        time.Duration
	lastPenaltyTime time.Time // 零值表示尚未触发过

	callbacks   []Callback
	hostagePath string
}

// NewChecker 创建违规检查器
func NewChecker(cooldownSeconds int, daily *store.DailyViolationStore, broadcast EventFunc, logger *zap.Logger) *Checker {
	return &Checker{
		logger:    logger,
		broadcast: broadcast,
		daily:     daily,
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

// RegisterCallback 注册惩罚执行回调
func (c *Checker) RegisterCallback(cb Callback) {
	c.callbacks = append(c.callbacks, cb)
}

// SetHostagePath 设置当前人质照片路径，空串表示清除
func (c *Checker) SetHostagePath(path string) {
	c.hostagePath = path
}

// HostagePath 当前绑定的人质照片路径
func (c *Checker) HostagePath() string {
	return c.hostagePath
}

// ResetPenaltyTimer 重置冷却计时器，使下一次违规立即生效（新任务启动时调用）
func (c *Checker) ResetPenaltyTimer() {
	c.lastPenaltyTime = time.Time{}
}

// checkCooldown 检查是否已过冷却期，返回 (可触发, 剩余秒数)
func (c *Checker) checkCooldown() (bool, float64) {
	if c.lastPenaltyTime.IsZero() {
		return true, 0
	}
	elapsed := time.Since(c.lastPenaltyTime)
	if elapsed >= c.cooldown {
		return true, 0
	}
	return false, (c.cooldown - elapsed).Seconds()
}

// Detect 按固定优先级检测当前状态是否构成违规，返回 (是否违规, 原因)
//
// 优先级：手机移出 > 人员离位超时 > 盒子打开 > 噪音持续超标。
// 噪音的持续时长必须连续：任一低于阈值的样本都会清零计时。
func (c *Checker) Detect(state *models.SystemState, config models.PenaltyConfig) (bool, string) {
	// 1. 手机被移出（即时违规）
	if config.EnablePhonePenalty && state.PhoneStatus == models.PhoneRemoved {
		c.logger.Info("Violation: phone removed during focus session")
		return true, "phone removed"
	}

	// 2. 人员离位超过设定时长
	if config.EnablePresencePenalty && state.PersonAwaySince != nil {
		awaySeconds := time.Since(*state.PersonAwaySince).Seconds()
		if awaySeconds > float64(config.PresenceDurationSec) {
			c.logger.Info("Violation: person away too long",
				zap.Float64("away_seconds", awaySeconds),
			)
			return true, fmt.Sprintf("person away for %.1fs", awaySeconds)
		}
	}

	// 3. 盒子被打开（即时违规）
	if config.EnableBoxOpenPenalty && state.BoxStatus == models.BoxOpen {
		c.logger.Info("Violation: box opened during focus session")
		return true, "box opened"
	}

	// 4. 噪音持续超标
	if config.EnableNoisePenalty && state.NoiseStatus == models.NoiseNoisy {
		if state.NoiseStartTime == nil {
			now := time.Now()
			state.NoiseStartTime = &now
			return false, ""
		}
		noiseSeconds := time.Since(*state.NoiseStartTime).Seconds()
		if noiseSeconds > float64(config.NoiseDurationSec) {
			c.logger.Info("Violation: sustained noise",
				zap.Int("mic_db", state.CurrentDB),
				zap.Float64("noise_seconds", noiseSeconds),
			)
			state.NoiseStartTime = nil
			return true, fmt.Sprintf("noise detected (%d dB)", state.CurrentDB)
		}
	} else {
		// 恢复安静时清零计时（持续时长必须连续，不能累计）
		state.NoiseStartTime = nil
	}

	return false, ""
}

// CheckAndTrigger 执行完整的违规检核与惩罚触发流程
//
// 仅在任务 ACTIVE 时检查。违规成立且不在冷却期时：累加任务违规数、
// 将任务标记为 VIOLATED、广播 penalty_triggered 事件、异步执行全部
// 惩罚回调。返回本次调用是否实际触发了惩罚。
func (c *Checker) CheckAndTrigger(state *models.SystemState) bool {
	if state.Session == nil || state.Session.Status != models.SessionActive {
		return false
	}

	config := state.Session.PenaltyConfig
	detected, reason := c.Detect(state, config)
	if !detected {
		return false
	}

	canTrigger, remaining := c.checkCooldown()
	if !canTrigger {
		c.logger.Info("Penalty suppressed by cooldown",
			zap.Float64("remaining_seconds", remaining),
		)
		return false
	}

	state.Session.Violations++
	state.Session.Status = models.SessionViolated
	c.lastPenaltyTime = time.Now()

	c.logger.Warn("Penalty triggered",
		zap.String("reason", reason),
		zap.Int("session_violations", state.Session.Violations),
	)

	todayCount := c.daily.Count()
	c.broadcast("penalty_triggered", map[string]interface{}{
		"timestamp":             time.Now().Format(time.RFC3339),
		"violations":            todayCount,
		"session_violations":    state.Session.Violations,
		"has_hostage":           c.hostagePath != "",
		"today_violation_count": todayCount,
		"reason":                reason,
	})

	// 回调以 fire-and-forget 方式执行，单个回调的失败不影响其他回调
	for _, cb := range c.callbacks {
		go func(cb Callback) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Penalty callback panicked", zap.Any("panic", r))
				}
			}()
			cb(state, c.hostagePath)
		}(cb)
	}

	state.Session.PenaltiesExec++
	return true
}
