package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carelink/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	mqttBroker = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser   = flag.String("user", "", "MQTT username")
	mqttPass   = flag.String("pass", "", "MQTT password")
	imei       = flag.String("imei", "867400051234567", "Device IMEI to simulate")
	event      = flag.String("event", "status", "Event to emit: status|sos|bill|time")
	interval   = flag.Duration("interval", 5*time.Second, "Interval between messages")
	qos        = flag.Int("qos", 1, "Publish QoS (0-2)")
)

// MockHandset emits the message grammar a real handset speaks, with a
// slowly draining battery and a wandering location.
type MockHandset struct {
	imei    string
	battery int
	lat     float64
	lon     float64
	logger  *zap.Logger
}

func NewMockHandset(imei string, logger *zap.Logger) *MockHandset {
	return &MockHandset{
		imei:    imei,
		battery: 100,
		lat:     30.2741,
		lon:     120.1551,
		logger:  logger,
	}
}

func (m *MockHandset) topic(suffix string) string {
	return fmt.Sprintf("devices/%s/%s", m.imei, suffix)
}

func (m *MockHandset) nextMessage(event string) (string, any) {
	// Drift location a little each report
	m.lat += (rand.Float64() - 0.5) * 0.001
	m.lon += (rand.Float64() - 0.5) * 0.001

	switch event {
	case "sos":
		return m.topic("event/sos_alert"), map[string]any{
			"location": map[string]any{
				"latitude":  m.lat,
				"longitude": m.lon,
				"address":   "Simulated Street 42",
			},
		}
	case "bill":
		return m.topic("event/bill_request"), map[string]any{
			"balance": fmt.Sprintf("%.2f", rand.Float64()*5),
		}
	case "time":
		return m.topic("event/time_query"), models.TimeQueryPayload{
			RequestID: uuid.NewString(),
		}
	default:
		if m.battery > 1 && rand.Float64() < 0.3 {
			m.battery--
		}
		signal := 3 + rand.Intn(3)
		online := true
		return m.topic("status"), models.DeviceStatusUpdate{
			IsOnline: &online,
			Battery:  &m.battery,
			Signal:   &signal,
			LastLocation: &models.DeviceLocation{
				Latitude:  m.lat,
				Longitude: m.lon,
			},
		}
	}
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Handset simulator started",
		zap.String("imei", *imei),
		zap.String("event", *event),
		zap.Duration("interval", *interval),
		zap.String("broker", *mqttBroker))
	logger.Info("Press Ctrl+C to stop gracefully")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("handset-sim-%s", *imei))
	if *mqttUser != "" {
		opts.SetUsername(*mqttUser)
		opts.SetPassword(*mqttPass)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}

	// Hear the backend's replies for the round-trip events
	replyTopics := []string{
		fmt.Sprintf("devices/%s/action/+", *imei),
		fmt.Sprintf("devices/%s/response/error", *imei),
	}
	for _, topic := range replyTopics {
		client.Subscribe(topic, byte(*qos), func(_ mqtt.Client, msg mqtt.Message) {
			logger.Info("Reply received",
				zap.String("topic", msg.Topic()),
				zap.ByteString("payload", msg.Payload()))
		})
	}

	handset := NewMockHandset(*imei, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping simulator")
		cancel()
	}()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down", zap.Int("messages_sent", sent))
			client.Disconnect(250)
			return

		case <-ticker.C:
			topic, payload := handset.nextMessage(*event)
			body, err := json.Marshal(payload)
			if err != nil {
				logger.Error("Failed to marshal payload", zap.Error(err))
				continue
			}
			token := client.Publish(topic, byte(*qos), false, body)
			if token.Wait() && token.Error() != nil {
				logger.Error("Publish failed",
					zap.String("topic", topic), zap.Error(token.Error()))
				continue
			}
			sent++
			logger.Info("Message published",
				zap.String("topic", topic), zap.Int("sent", sent))
		}
	}
}
