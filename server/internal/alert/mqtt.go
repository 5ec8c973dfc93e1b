package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vigilance-ai/server/internal/config"
	"vigilance-ai/server/internal/emergency"
	"vigilance-ai/server/internal/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Client 是 Publisher 用到的 paho 客户端子集，便于测试替换。
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher 把紧急事件发布到 <prefix>/<vehicle>/emergency。
type Publisher struct {
	client      Client
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// Connect 连接 MQTT broker，自动重连。
func Connect(cfg config.MQTTConfig, log *zap.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	l := logger.OrNop(log).Named("alert")
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.Warn("MQTT connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	l.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))

	return NewPublisher(client, cfg, l), nil
}

func NewPublisher(client Client, cfg config.MQTTConfig, log *zap.Logger) *Publisher {
	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		qos:         cfg.QoS,
		logger:      logger.OrNop(log),
	}
}

// Topic 返回某辆车的紧急事件主题。
func (p *Publisher) Topic(vehicleID string) string {
	if vehicleID == "" {
		vehicleID = "unknown"
	}
	return fmt.Sprintf("%s/%s/emergency", p.topicPrefix, vehicleID)
}

// PublishEmergency 以 JSON 发布事件，等待 broker 确认或 ctx 取消。
func (p *Publisher) PublishEmergency(ctx context.Context, ev emergency.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal emergency event: %w", err)
	}

	topic := p.Topic(ev.VehicleID)
	token := p.client.Publish(topic, p.qos, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to topic %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	p.logger.Debug("Emergency event published",
		zap.String("topic", topic),
		zap.String("kind", string(ev.Kind)),
	)
	return nil
}

func (p *Publisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Close 断开连接，最多等待 250ms 发送完未完成的消息。
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
