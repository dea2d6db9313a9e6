package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Piau3425/IoTProject/internal/config"
	"github.com/Piau3425/IoTProject/internal/mqtt"
	"github.com/Piau3425/IoTProject/internal/service"
)

// MQTTConsumer MQTT消息消费者
//
// 订阅硬件的感测数据与状态机主题，并承担指令下发出口。
// 主题格式: focusbox/{device_id}/sensor 与 focusbox/{device_id}/state。
type MQTTConsumer struct {
	config     *config.Config
	mqttClient *mqtt.Client
	enforcer   *service.Enforcer
	logger     *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqtt.Client,
	enforcer *service.Enforcer,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		enforcer:   enforcer,
		logger:     logger,
	}
}

// Start 启动消费者
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.mqttClient.Subscribe(c.config.Hardware.Topics.Sensor, 1, c.handleSensorMessage); err != nil {
		return fmt.Errorf("failed to subscribe to sensor topic: %w", err)
	}
	if err := c.mqttClient.Subscribe(c.config.Hardware.Topics.State, 1, c.handleStateMessage); err != nil {
		return fmt.Errorf("failed to subscribe to state topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("sensor_topic", c.config.Hardware.Topics.Sensor),
		zap.String("state_topic", c.config.Hardware.Topics.State),
	)

	// 等待上下文取消
	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.mqttClient.Unsubscribe(
		c.config.Hardware.Topics.Sensor,
		c.config.Hardware.Topics.State,
	); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.enforcer.HandlePhysicalDisconnect()
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleSensorMessage 处理感测数据消息
func (c *MQTTConsumer) handleSensorMessage(topic string, payload []byte) error {
	c.logger.Debug("Received sensor message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	if _, err := deviceIDFromTopic(topic); err != nil {
		return err
	}

	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		c.logger.Error("Failed to unmarshal sensor message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	c.enforcer.HandleSensorData(data, false)
	return nil
}

// handleStateMessage 处理硬件状态机消息
//
// 两类报文：上线注册（event=register，携带固件版本与传感器能力）
// 与状态跳变（state 字段）。
func (c *MQTTConsumer) handleStateMessage(topic string, payload []byte) error {
	deviceID, err := deviceIDFromTopic(topic)
	if err != nil {
		return err
	}

	var msg struct {
		Event           string `json:"event,omitempty"`
		State           string `json:"state,omitempty"`
		FirmwareVersion string `json:"firmware_version,omitempty"`
		Features        string `json:"features,omitempty"`
		NFCDetected     bool   `json:"nfc_detected"`
		LDRDetected     bool   `json:"ldr_detected"`
		RadarDetected   bool   `json:"radar_detected"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Error("Failed to unmarshal state message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if msg.Event == "register" {
		c.logger.Info("Hardware registration received",
			zap.String("device_id", deviceID),
			zap.String("firmware_version", msg.FirmwareVersion),
		)
		c.enforcer.RegisterPhysicalHardware(
			msg.FirmwareVersion,
			msg.Features,
			msg.NFCDetected,
			msg.LDRDetected,
			msg.RadarDetected,
		)
		return nil
	}

	if msg.State == "" {
		return fmt.Errorf("state message missing state field: %s", topic)
	}
	return c.enforcer.HandleHardwareStateChange(msg.State)
}

// PublishCommand 向硬件下发指令（service.CommandPublisher 实现）
func (c *MQTTConsumer) PublishCommand(command string, params map[string]interface{}) error {
	msg := map[string]interface{}{
		"command":   command,
		"timestamp": time.Now().Unix(),
	}
	for k, v := range params {
		msg[k] = v
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	if err := c.mqttClient.Publish(c.config.Hardware.Topics.Command, 1, false, payload); err != nil {
		return fmt.Errorf("failed to publish command %s: %w", command, err)
	}

	c.logger.Info("Hardware command published",
		zap.String("command", command),
		zap.String("topic", c.config.Hardware.Topics.Command),
	)
	return nil
}

// deviceIDFromTopic 从主题中提取设备标识符
// 主题格式: focusbox/{device_id}/sensor
func deviceIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[1], nil
}
