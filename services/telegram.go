package services

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"carelink/config"
	"carelink/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramService mirrors SOS events to a fixed operations chat so the
// on-call operator sees emergencies even when the family-facing push is
// refused. Alerts for the same device are throttled to one per 15 s.
type TelegramService struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	logger         *zap.Logger
}

const opsAlertThrottle = 15 * time.Second

func NewTelegramService(cfg *config.Config, logger *zap.Logger) (*TelegramService, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram ops bot authorized", zap.String("username", bot.Self.UserName))

	return &TelegramService{
		bot:            bot,
		chatID:         chatID,
		lastAlertTimes: make(map[string]time.Time),
		logger:         logger,
	}, nil
}

// SendSosAlert posts a formatted emergency message to the ops chat.
func (ts *TelegramService) SendSosAlert(device *models.Device, alert *models.SosAlert) error {
	if ts.shouldThrottle(device.DeviceID) {
		ts.logger.Debug("Throttling ops SOS alert", zap.String("device_imei", device.DeviceID))
		return nil
	}

	var sb strings.Builder
	sb.WriteString("🚨 <b>EMERGENCY CALL</b> 🚨\n\n")
	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s (%s)\n", device.Name, device.DeviceID))
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n", alert.Timestamp.Format("2006-01-02 15:04:05")))
	if alert.Location != nil {
		sb.WriteString(fmt.Sprintf("📍 <b>Location:</b> %v, %v\n", alert.Location.Latitude, alert.Location.Longitude))
		if alert.Location.Address != "" {
			sb.WriteString(fmt.Sprintf("🏠 <b>Address:</b> %s\n", alert.Location.Address))
		}
	} else {
		sb.WriteString("📍 <b>Location:</b> not reported\n")
	}
	sb.WriteString("\n🔴 <b>Status:</b> PENDING — family member has been notified")

	msg := tgbotapi.NewMessage(ts.chatID, sb.String())
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	if _, err := ts.bot.Send(msg); err != nil {
		return fmt.Errorf("error sending ops SOS alert: %w", err)
	}

	ts.mu.Lock()
	ts.lastAlertTimes[device.DeviceID] = time.Now()
	ts.mu.Unlock()

	ts.logger.Info("Ops SOS alert sent", zap.String("device_imei", device.DeviceID))
	return nil
}

func (ts *TelegramService) shouldThrottle(deviceIMEI string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	last, exists := ts.lastAlertTimes[deviceIMEI]
	return exists && time.Since(last) < opsAlertThrottle
}

// SendStartupMessage announces the service to the ops chat.
func (ts *TelegramService) SendStartupMessage() error {
	message := "🟢 <b>Care backend started</b>\n\n" +
		"📡 Listening for device events\n" +
		"👀 SOS alerts will be mirrored here"

	msg := tgbotapi.NewMessage(ts.chatID, message)
	msg.ParseMode = "HTML"
	_, err := ts.bot.Send(msg)
	return err
}
