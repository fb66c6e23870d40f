package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// MQTT broker
	MQTTBrokerHost     string
	MQTTBrokerPort     int
	MQTTUsername       string
	MQTTPassword       string
	MQTTClientIDPrefix string
	MQTTQoS            byte

	// MongoDB
	MongoURI    string
	MongoDBName string

	// WeChat mini-program push
	WxAppID        string
	WxSecret       string
	WxSubIDSos     string
	WxSubIDBilling string
	WxSubIDLowBatt string

	// Text-to-speech collaborator
	TTSApiURL string

	// Telegram ops channel (optional)
	TelegramBotToken string
	TelegramChatID   string

	// Thresholds
	LowBatteryThreshold int

	// Shutdown grace period for in-flight handlers
	ShutdownGraceSeconds int
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		MQTTBrokerHost:     getEnv("MQTT_BROKER_HOST", ""),
		MQTTBrokerPort:     getEnvInt("MQTT_BROKER_PORT", 1883),
		MQTTUsername:       getEnv("MQTT_USERNAME", ""),
		MQTTPassword:       getEnv("MQTT_PASSWORD", ""),
		MQTTClientIDPrefix: getEnv("MQTT_CLIENT_ID_PREFIX", "backend_client_"),
		MQTTQoS:            byte(getEnvInt("MQTT_QOS", 1)),

		MongoURI:    getEnv("MONGO_URI", ""),
		MongoDBName: getEnv("MONGO_DB_NAME", ""),

		WxAppID:        getEnv("WX_APPID", ""),
		WxSecret:       getEnv("WX_SECRET", ""),
		WxSubIDSos:     getEnv("WX_SUB_ID_SOS", ""),
		WxSubIDBilling: getEnv("WX_SUB_ID_BILLING", ""),
		WxSubIDLowBatt: getEnv("WX_SUB_ID_LOW_BATT", ""),

		TTSApiURL: getEnv("TTS_API_URL", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		LowBatteryThreshold:  getEnvInt("LOW_BATTERY_THRESHOLD", 20),
		ShutdownGraceSeconds: getEnvInt("SHUTDOWN_GRACE_SECONDS", 10),
	}

	if config.MQTTBrokerHost == "" {
		return nil, fmt.Errorf("MQTT_BROKER_HOST not set")
	}
	if config.MongoURI == "" {
		return nil, fmt.Errorf("MONGO_URI not set")
	}
	if config.MongoDBName == "" {
		return nil, fmt.Errorf("MONGO_DB_NAME not set")
	}
	if config.MQTTQoS > 2 {
		return nil, fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
