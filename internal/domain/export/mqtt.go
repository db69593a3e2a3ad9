package export

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"outbound-call-server-golang/internal/data/model"
	log "outbound-call-server-golang/logger"
)

type MqttConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Mqtt 发布到 <topic>/<campaign_id>
type Mqtt struct {
	client  publisher
	topic   string
	qos     byte
	timeout time.Duration
}

// DialMqtt 连接 broker, 断线后由 paho 自动重连
func DialMqtt(cfg MqttConfig, topic string, qos byte) (*Mqtt, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Errorf("MQTT连接丢失: %v", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info("MQTT已连接")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("连接MQTT服务器失败: %v", token.Error())
	}
	return NewMqtt(client, topic, qos), nil
}

func NewMqtt(client publisher, topic string, qos byte) *Mqtt {
	return &Mqtt{client: client, topic: topic, qos: qos, timeout: 5 * time.Second}
}

func (m *Mqtt) Export(ctx context.Context, rec *model.CallRecord) error {
	payload, err := Marshal(rec, time.Now())
	if err != nil {
		return err
	}
	topic := m.topic + "/" + rec.CampaignID
	token := m.client.Publish(topic, m.qos, false, payload)

	wait := m.timeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (m *Mqtt) Close() error {
	m.client.Disconnect(250)
	return nil
}
