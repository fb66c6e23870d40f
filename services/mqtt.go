package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"carelink/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTService maintains the persistent broker session. Each inbound
// message is scheduled on its own goroutine so handler latency never
// stalls the receive loop; in-flight handlers are tracked so shutdown can
// drain them within a bounded grace period.
type MQTTService struct {
	cfg    *config.Config
	router *Router
	logger *zap.Logger

	client   mqtt.Client
	ctx      context.Context
	inFlight sync.WaitGroup
	closing  atomic.Bool
}

func NewMQTTService(cfg *config.Config, router *Router, logger *zap.Logger) *MQTTService {
	return &MQTTService{
		cfg:    cfg,
		router: router,
		logger: logger,
	}
}

// Connect establishes the broker session and subscribes to the device
// topic wildcards. Subscriptions are re-established inside OnConnect so a
// reconnect never resumes traffic before they are in place.
func (s *MQTTService) Connect(ctx context.Context) error {
	s.ctx = ctx

	clientID := s.cfg.MQTTClientIDPrefix + uuid.NewString()
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", s.cfg.MQTTBrokerHost, s.cfg.MQTTBrokerPort)).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if s.cfg.MQTTUsername != "" {
		opts.SetUsername(s.cfg.MQTTUsername)
		opts.SetPassword(s.cfg.MQTTPassword)
	}

	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Info("Connected to MQTT broker",
			zap.String("broker", s.cfg.MQTTBrokerHost),
			zap.Int("port", s.cfg.MQTTBrokerPort),
			zap.String("client_id", clientID))
		s.subscribe(c)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Error("MQTT connection lost, reconnecting", zap.Error(err))
	}

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

func (s *MQTTService) subscribe(c mqtt.Client) {
	subscriptions := map[string]byte{
		"devices/+/event/#": s.cfg.MQTTQoS,
		"devices/+/status":  s.cfg.MQTTQoS,
		"devices/+/log":     0,
	}
	for topic, qos := range subscriptions {
		if token := c.Subscribe(topic, qos, s.onMessage); token.Wait() && token.Error() != nil {
			s.logger.Error("Failed to subscribe",
				zap.String("topic", topic), zap.Error(token.Error()))
			continue
		}
		s.logger.Info("Subscribed to device topic",
			zap.String("topic", topic), zap.Uint8("qos", qos))
	}
}

// onMessage is the receive loop's single entry point. It hands the
// message to the router on a tracked goroutine and returns immediately.
func (s *MQTTService) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if s.closing.Load() {
		// Shutdown in progress, no new work is accepted. Redelivery is
		// the broker's concern at the subscription QoS level.
		return
	}

	topic := msg.Topic()
	payload := msg.Payload()

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Handler panic recovered",
					zap.String("topic", topic), zap.Any("panic", r))
			}
		}()
		s.router.Route(s.ctx, topic, payload)
	}()
}

// Publish sends one JSON message and reports the broker's verdict. No
// internal retry; the caller decides what a failed publish means.
func (s *MQTTService) Publish(topic string, payload any, qos byte) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	token := s.client.Publish(topic, qos, false, body)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}

// Disconnect stops accepting messages, waits up to grace for in-flight
// handlers to finish, then tears down the broker session.
func (s *MQTTService) Disconnect(grace time.Duration) {
	s.closing.Store(true)

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("All in-flight handlers drained")
	case <-time.After(grace):
		s.logger.Warn("Shutdown grace period elapsed, abandoning in-flight handlers",
			zap.Duration("grace", grace))
	}

	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.logger.Info("MQTT client disconnected")
}
