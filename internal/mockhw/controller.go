package mockhw

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Piau3425/IoTProject/internal/errs"
)

// State 模拟硬件的持久状态（跨启停周期保留，作为合成样本的“真实环境”）
type State struct {
	PhoneInserted bool `json:"phone_inserted"` // 手机是否已“放入”盒子
	PersonPresent bool `json:"person_present"` // 雷达是否“检测”到人
	NFCValid      bool `json:"nfc_valid"`      // NFC 标签是否合法
	BoxLocked     bool `json:"box_locked"`     // 旧版字段：盒子是否锁上
	BoxOpen       bool `json:"box_open"`       // 盒子是否被“打开”
	ManualMode    bool `json:"manual_mode"`    // 手动控制模式（不走随机变化）
	NoiseMin      int  `json:"noise_min"`      // 合成分贝下限
	NoiseMax      int  `json:"noise_max"`      // 合成分贝上限
}

// NewState 创建“完全合规”基线的模拟状态
func NewState() *State {
	s := &State{}
	s.Reset()
	return s
}

// Reset 重置为默认的完全合规状态
func (s *State) Reset() {
	s.PhoneInserted = true
	s.PersonPresent = true
	s.NFCValid = true
	s.BoxLocked = true
	s.BoxOpen = false
	s.ManualMode = false
	s.NoiseMin = 35
	s.NoiseMax = 55
}

// ToMap 转换为可序列化的字典格式
func (s *State) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"phone_inserted": s.PhoneInserted,
		"person_present": s.PersonPresent,
		"nfc_valid":      s.NFCValid,
		"box_locked":     s.BoxLocked,
		"box_open":       s.BoxOpen,
		"manual_mode":    s.ManualMode,
		"noise_min":      s.NoiseMin,
		"noise_max":      s.NoiseMax,
	}
}

// ProcessSensorFunc 感测数据处理回调（与实体硬件走同一条采集路径）
type ProcessSensorFunc func(data map[string]interface{})

// Controller 模拟硬件控制器
//
// 懒启动的周期性生成循环：按配置间隔从当前 State 合成感测样本，
// 通过与实体硬件相同的处理路径注入。循环支持协作式取消，
// 意外 panic 不会使循环静默死亡（记录后退避 1 秒重试）。
//
// mu 保护 state / active / rnd：生成循环与外部的启停、状态调整
// 并发访问同一份字段。cancel / done 只由启停方（service 层已串行化）
// 触碰，不在 mu 保护范围内。回调（processSensor、broadcastEvent 等）
// 一律在 mu 之外调用，它们会反向进入 service 层的锁。
type Controller struct {
	mu       sync.Mutex
	state    *State
	interval time.Duration
	logger   *zap.Logger

	processSensor  ProcessSensorFunc
	resetState     func()
	broadcastEvent func(event string, payload map[string]interface{})
	buildStatus    func() map[string]interface{}

	active bool
	cancel context.CancelFunc
	done   chan struct{}

	rnd *rand.Rand
}

// NewController 创建模拟硬件控制器
func NewController(
	state *State,
	intervalMS int,
	processSensor ProcessSensorFunc,
	resetState func(),
	broadcastEvent func(event string, payload map[string]interface{}),
	buildStatus func() map[string]interface{},
	logger *zap.Logger,
) *Controller {
	return &Controller{
		state:          state,
		interval:       time.Duration(intervalMS) * time.Millisecond,
		logger:         logger,
		processSensor:  processSensor,
		resetState:     resetState,
		broadcastEvent: broadcastEvent,
		buildStatus:    buildStatus,
		rnd:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Active 模拟循环是否运行中
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// StateMap 模拟硬件内部状态的一致性快照
func (c *Controller) StateMap() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ToMap()
}

// generateSensorData 根据当前模拟状态合成一份原始感测报文
func (c *Controller) generateSensorData() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	var nfcID interface{}
	if c.state.PhoneInserted && c.state.NFCValid {
		nfcID = "PHONE_MOCK_001"
	}

	// 倒置的分贝区间按单点处理，不让 Intn 崩掉循环
	span := c.state.NoiseMax - c.state.NoiseMin + 1
	if span < 1 {
		span = 1
	}

	return map[string]interface{}{
		"nfc_id":         nfcID,
		"gyro_x":         0.0,
		"gyro_y":         0.0,
		"gyro_z":         0.0,
		"radar_presence": c.state.PersonPresent,
		"mic_db":         c.state.NoiseMin + c.rnd.Intn(span),
		"box_locked":     !c.state.BoxOpen,
		"box_open":       c.state.BoxOpen,
		"timestamp":      time.Now().UnixMilli(),
		"nfc_detected":   true,
		"gyro_detected":  false,
		"ldr_detected":   true,
	}
}

// Start 启动模拟循环
//
// 重复启动时只重新广播硬件状态，不会再派生一条循环。
// 启动即重置模拟状态为合规基线并立即注入一份样本，让 UI 即刻有反馈。
func (c *Controller) Start(setConnected func(bool)) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		c.logger.Info("Mock hardware loop already running")
		c.broadcastEvent("hardware_status", c.buildStatus())
		return nil
	}
	c.active = true
	c.mu.Unlock()

	c.resetState()

	// 清理可能残留的旧循环
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)

	setConnected(true)
	c.logger.Info("Mock hardware simulation started")
	c.broadcastEvent("hardware_status", c.buildStatus())

	// 即刻注入一份初始样本
	c.processSensor(c.generateSensorData())
	return nil
}

// Stop 停止模拟循环
//
// 等待循环真正退出后再重置模拟状态，避免一条迟到样本落在重置之后。
// 若实体硬件仍在线则交还控制权，否则标记硬件离线。
func (c *Controller) Stop(setConnected func(bool), physicalConnected bool) error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}

	c.mu.Lock()
	c.active = false
	c.state.Reset()
	c.mu.Unlock()

	c.resetState()

	if physicalConnected {
		setConnected(true)
		c.logger.Info("Mock hardware stopped, switched back to physical hardware")
	} else {
		setConnected(false)
		c.logger.Info("Mock hardware simulation stopped")
	}

	c.broadcastEvent("hardware_status", c.buildStatus())
	return nil
}

// SetState 动态更新模拟硬件状态
//
// 未知字段记录警告；无实际变更时为 no-op（避免冗余广播）；
// 循环运行中会立即强制注入一份新样本，UI 无需等待下一个周期。
func (c *Controller) SetState(fields map[string]interface{}) (map[string]interface{}, error) {
	c.mu.Lock()
	changed := false
	for key, value := range fields {
		switch key {
		case "phone_inserted":
			changed = setBool(&c.state.PhoneInserted, value) || changed
		case "person_present":
			changed = setBool(&c.state.PersonPresent, value) || changed
		case "nfc_valid":
			changed = setBool(&c.state.NFCValid, value) || changed
		case "box_locked":
			changed = setBool(&c.state.BoxLocked, value) || changed
		case "box_open":
			changed = setBool(&c.state.BoxOpen, value) || changed
		case "manual_mode":
			changed = setBool(&c.state.ManualMode, value) || changed
		case "noise_min":
			changed = setInt(&c.state.NoiseMin, value) || changed
		case "noise_max":
			changed = setInt(&c.state.NoiseMax, value) || changed
		default:
			c.mu.Unlock()
			c.logger.Warn("Unknown mock state field", zap.String("field", key))
			return nil, errs.Newf(errs.CodeValidation, "unknown mock state field: %s", key).
				With("field", key)
		}
	}

	snapshot := c.state.ToMap()
	active := c.active
	phoneInserted := c.state.PhoneInserted
	personPresent := c.state.PersonPresent
	boxOpen := c.state.BoxOpen
	c.mu.Unlock()

	if !changed {
		return snapshot, nil
	}

	c.logger.Info("Mock state updated",
		zap.Bool("phone_inserted", phoneInserted),
		zap.Bool("person_present", personPresent),
		zap.Bool("box_open", boxOpen),
	)

	c.broadcastEvent("hardware_status", c.buildStatus())

	if active {
		c.processSensor(c.generateSensorData())
	}

	return snapshot, nil
}

// loop 主模拟循环：周期性合成并注入感测样本
func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	c.logger.Info("Mock sensor generation loop running")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	loopCount := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Mock sensor generation stopped")
			return
		case <-ticker.C:
			loopCount++
			if loopCount%20 == 0 {
				c.mu.Lock()
				phoneInserted := c.state.PhoneInserted
				personPresent := c.state.PersonPresent
				boxOpen := c.state.BoxOpen
				c.mu.Unlock()
				c.logger.Debug("Mock loop heartbeat",
					zap.Bool("phone_inserted", phoneInserted),
					zap.Bool("person_present", personPresent),
					zap.Bool("box_open", boxOpen),
				)
			}
			if err := c.tick(); err != nil {
				// 循环绝不能静默死亡：记录后退避再继续
				c.logger.Error("Mock loop iteration failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}
}

// tick 执行一次样本注入，panic 转为错误返回
func (c *Controller) tick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Newf(errs.CodeMockStartFailed, "mock loop panic: %v", r)
		}
	}()
	c.processSensor(c.generateSensorData())
	return nil
}

func setBool(dst *bool, value interface{}) bool {
	v, ok := value.(bool)
	if !ok || *dst == v {
		return false
	}
	*dst = v
	return true
}

func setInt(dst *int, value interface{}) bool {
	var v int
	switch n := value.(type) {
	case int:
		v = n
	case float64: // JSON 数字
		v = int(n)
	default:
		return false
	}
	if *dst == v {
		return false
	}
	*dst = v
	return true
}
