// Package mqtt ingests readings published by devices on the broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"vehicle-blackbox/internal/config"
	"vehicle-blackbox/internal/domain"
	"vehicle-blackbox/internal/metrics"
)

const (
	connectTimeout = 10 * time.Second
	ingestTimeout  = 5 * time.Second
)

type Ingester interface {
	Ingest(ctx context.Context, r *domain.Reading) (*domain.Reading, error)
}

type Subscriber struct {
	client paho.Client
	topic  string
	qos    byte
	ingest Ingester
	logger *zap.Logger
}

// NewSubscriber connects to the broker. Subscriptions are restored on every
// reconnect.
func NewSubscriber(cfg *config.Config, ingest Ingester, logger *zap.Logger) (*Subscriber, error) {
	s := &Subscriber{
		topic:  cfg.MQTTTopic,
		qos:    cfg.MQTTQoS,
		ingest: ingest,
		logger: logger,
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
	}
	if cfg.MQTTPassword != "" {
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		if err := s.subscribe(c); err != nil {
			logger.Error("mqtt subscribe failed", zap.String("topic", s.topic), zap.Error(err))
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	s.client = paho.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.MQTTBroker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	logger.Info("mqtt connected", zap.String("broker", cfg.MQTTBroker), zap.String("topic", s.topic))
	return s, nil
}

func (s *Subscriber) subscribe(c paho.Client) error {
	token := c.Subscribe(s.topic, s.qos, func(_ paho.Client, msg paho.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		defer cancel()
		if err := s.HandleMessage(ctx, msg.Topic(), msg.Payload()); err != nil {
			s.logger.Warn("mqtt reading rejected", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	})
	token.Wait()
	return token.Error()
}

// HandleMessage decodes one device payload and ingests it. The device id in
// the topic fills an empty deviceId and must match a present one.
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	var r domain.Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		metrics.ParseErrors.WithLabelValues("mqtt").Inc()
		return fmt.Errorf("%w: %v", domain.ErrParse, err)
	}

	if device := DeviceFromTopic(topic); device != "" {
		if r.DeviceID == "" {
			r.DeviceID = device
		} else if r.DeviceID != device {
			return fmt.Errorf("%w: payload device %q published on topic of %q", domain.ErrParse, r.DeviceID, device)
		}
	}

	saved, err := s.ingest.Ingest(ctx, &r)
	if err != nil {
		return err
	}
	s.logger.Debug("mqtt reading ingested",
		zap.String("reading_id", saved.ID),
		zap.String("device_id", saved.DeviceID),
	)
	return nil
}

// DeviceFromTopic extracts <deviceId> from blackbox/<deviceId>/readings.
func DeviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[2] != "readings" {
		return ""
	}
	return parts[1]
}

func (s *Subscriber) Close() {
	if s.client == nil {
		return
	}
	s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
	s.client.Disconnect(250)
}
