package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"carelink/config"
	"carelink/models"

	"go.uber.org/zap"
)

// Collaborator interfaces consumed by the event handlers. Handlers accept
// interfaces so every external touchpoint can be replaced in tests.

// DeviceStore resolves and updates bound handsets.
type DeviceStore interface {
	// DeviceByIMEI returns (nil, nil) when no device is bound to the IMEI.
	DeviceByIMEI(ctx context.Context, imei string) (*models.Device, error)
	UpdateStatusByIMEI(ctx context.Context, imei string, update *models.DeviceStatusUpdate) (*models.Device, error)
}

// NotificationStore persists user-facing notifications and SOS alerts.
type NotificationStore interface {
	CreateNotification(ctx context.Context, draft *models.Notification) (*models.Notification, error)
	CreateSosAlert(ctx context.Context, alert *models.SosAlert) (*models.SosAlert, error)
}

// Publisher sends one message to a device topic.
type Publisher interface {
	Publish(topic string, payload any, qos byte) error
}

// Pusher delivers a templated push to a user's push channel. Delivery is
// best effort; Send never reports back to the caller.
type Pusher interface {
	Send(ctx context.Context, userID string, kind models.NotificationType, data map[string]string)
}

// SpeechSynthesizer turns text into a playable audio URL.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// OpsNotifier mirrors critical events to an operations channel.
type OpsNotifier interface {
	SendSosAlert(device *models.Device, alert *models.SosAlert) error
}

// HandlerDeps bundles the collaborators an EventHandlers needs. Ops may
// be nil when no operations channel is configured.
type HandlerDeps struct {
	Devices       DeviceStore
	Notifications NotificationStore
	Push          Pusher
	Speech        SpeechSynthesizer
	Publisher     Publisher
	Ops           OpsNotifier
}

// EventHandlers holds one handler per inbound event kind. Every handler
// fails closed: a malformed or spoofed device message is logged and
// dropped, never raised past the handler boundary.
type EventHandlers struct {
	cfg    *config.Config
	deps   HandlerDeps
	logger *zap.Logger
}

func NewEventHandlers(cfg *config.Config, deps HandlerDeps, logger *zap.Logger) *EventHandlers {
	return &EventHandlers{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
}

// Register binds all handlers to their event kinds.
func (h *EventHandlers) Register(r *Router) {
	r.Register(EventKindStatus, h.HandleStatus)
	r.Register(EventKindSosAlert, h.HandleSosAlert)
	r.Register(EventKindBillRequest, h.HandleBillRequest)
	r.Register(EventKindTimeQuery, h.HandleTimeQuery)
}

// HandleStatus applies a telemetry report to the device record. Fields
// absent from the payload are left unchanged; updates are last-write-wins.
func (h *EventHandlers) HandleStatus(ctx context.Context, imei string, payload []byte) {
	var update models.DeviceStatusUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		h.logger.Warn("Invalid status payload",
			zap.String("device_imei", imei), zap.Error(err))
		return
	}
	if err := update.Validate(); err != nil {
		h.logger.Warn("Status payload failed validation",
			zap.String("device_imei", imei), zap.Error(err))
		return
	}
	if update.IsEmpty() {
		return
	}
	if update.LastLocation != nil && update.LastLocation.Timestamp == nil {
		now := time.Now().UTC()
		update.LastLocation.Timestamp = &now
	}

	device, err := h.deps.Devices.DeviceByIMEI(ctx, imei)
	if err != nil {
		h.logger.Error("Device lookup failed",
			zap.String("device_imei", imei), zap.Error(err))
		return
	}
	if device == nil {
		h.logger.Warn("Status report from unknown device",
			zap.String("device_imei", imei))
		return
	}

	updated, err := h.deps.Devices.UpdateStatusByIMEI(ctx, imei, &update)
	if err != nil {
		h.logger.Error("Failed to update device status",
			zap.String("device_imei", imei), zap.Error(err))
		return
	}

	h.logger.Debug("Device status updated",
		zap.String("device_imei", imei),
		zap.Boolp("is_online", update.IsOnline),
		zap.Intp("battery", update.Battery),
		zap.Intp("signal", update.Signal))

	h.maybeNotifyLowBattery(ctx, device, updated, &update)
}

// maybeNotifyLowBattery emits a LowBattery notification when a battery
// report crosses below the threshold from a previously higher or unknown
// reading. Repeated reports below the threshold stay silent.
func (h *EventHandlers) maybeNotifyLowBattery(ctx context.Context, before, after *models.Device, update *models.DeviceStatusUpdate) {
	if update.Battery == nil || *update.Battery > h.cfg.LowBatteryThreshold {
		return
	}
	if before.Battery != nil && *before.Battery <= h.cfg.LowBatteryThreshold {
		return
	}

	device := after
	if device == nil {
		device = before
	}
	draft := &models.Notification{
		UserID:     device.UserID,
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Type:       models.NotificationLowBattery,
		Content:    fmt.Sprintf("Device %q battery is at %d%%. Please charge it soon.", device.Name, *update.Battery),
		Payload:    map[string]any{"battery": *update.Battery},
	}
	if _, err := h.deps.Notifications.CreateNotification(ctx, draft); err != nil {
		h.logger.Error("Failed to create low battery notification",
			zap.String("device_imei", device.DeviceID), zap.Error(err))
		return
	}

	h.deps.Push.Send(ctx, device.UserID, models.NotificationLowBattery, map[string]string{
		"thing1":  device.Name,
		"number2": fmt.Sprintf("%d", *update.Battery),
		"thing3":  "Device battery is low, please charge it.",
	})
}

// HandleSosAlert records an emergency call and notifies the family
// member. The alert record is authoritative; the notification and push
// are best-effort derivatives and failures never roll the alert back.
func (h *EventHandlers) HandleSosAlert(ctx context.Context, imei string, payload []byte) {
	device, err := h.deps.Devices.DeviceByIMEI(ctx, imei)
	if err != nil {
		h.logger.Error("Device lookup failed",
			zap.String("device_imei", imei), zap.Error(err))
		return
	}
	if device == nil {
		h.logger.Warn("SOS alert from unknown device",
			zap.String("device_imei", imei))
		return
	}

	var p models.SosPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		// The alert still proceeds without location.
		h.logger.Warn("Unparseable SOS payload, proceeding without location",
			zap.String("device_imei", imei), zap.Error(err))
		p = models.SosPayload{}
	}
	location := p.Location.ToDeviceLocation()
	if p.Location != nil && location == nil {
		h.logger.Warn("Dropping partial or invalid SOS location",
			zap.String("device_imei", imei))
	}
	if location != nil && location.Timestamp == nil {
		now := time.Now().UTC()
		location.Timestamp = &now
	}

	alert := &models.SosAlert{
		DeviceID:  device.ID,
		UserID:    device.UserID,
		Timestamp: time.Now().UTC(),
		Location:  location,
		Status:    models.SosAlertPending,
	}
	if _, err := h.deps.Notifications.CreateSosAlert(ctx, alert); err != nil {
		h.logger.Error("Failed to persist SOS alert",
			zap.String("device_imei", imei), zap.Error(err))
	} else {
		h.logger.Info("SOS alert recorded",
			zap.String("device_imei", imei),
			zap.String("user_id", device.UserID),
			zap.Bool("has_location", location != nil))
	}

	content := fmt.Sprintf("Device %q raised an emergency call!", device.Name)
	notifPayload := map[string]any{}
	if location != nil {
		content += fmt.Sprintf(" Location: lat %v, lon %v", location.Latitude, location.Longitude)
		notifPayload["latitude"] = location.Latitude
		notifPayload["longitude"] = location.Longitude
		if location.Address != "" {
			notifPayload["address"] = location.Address
		}
		if location.Timestamp != nil {
			notifPayload["timestamp"] = location.Timestamp.Format(time.RFC3339)
		}
	}

	draft := &models.Notification{
		UserID:     device.UserID,
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Type:       models.NotificationSOS,
		Content:    content,
		Payload:    notifPayload,
	}
	if _, err := h.deps.Notifications.CreateNotification(ctx, draft); err != nil {
		h.logger.Error("Failed to create SOS notification",
			zap.String("device_imei", imei), zap.Error(err))
	} else {
		h.deps.Push.Send(ctx, device.UserID, models.NotificationSOS, map[string]string{
			"thing1": device.Name,
			"time2":  time.Now().UTC().Format("2006-01-02 15:04"),
			"thing3": "Emergency call raised, respond immediately!",
		})
	}

	if h.deps.Ops != nil {
		if err := h.deps.Ops.SendSosAlert(device, alert); err != nil {
			h.logger.Error("Failed to mirror SOS alert to ops channel",
				zap.String("device_imei", imei), zap.Error(err))
		}
	}
}

// HandleBillRequest notifies the family member that the handset asked for
// a balance top-up. No separate alert entity is persisted for this kind.
func (h *EventHandlers) HandleBillRequest(ctx context.Context, imei string, payload []byte) {
	device, err := h.deps.Devices.DeviceByIMEI(ctx, imei)
	if err != nil {
		h.logger.Error("Device lookup failed",
			zap.String("device_imei", imei), zap.Error(err))
		return
	}
	if device == nil {
		h.logger.Warn("Bill request from unknown device",
			zap.String("device_imei", imei))
		return
	}

	// Pass the raw payload through so the balance the device reported
	// stays inspectable in the notification record.
	var extra map[string]any
	_ = json.Unmarshal(payload, &extra)

	draft := &models.Notification{
		UserID:     device.UserID,
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Type:       models.NotificationBilling,
		Content:    fmt.Sprintf("Device %q is low on call balance and requests a top-up.", device.Name),
		Payload:    extra,
	}
	if _, err := h.deps.Notifications.CreateNotification(ctx, draft); err != nil {
		h.logger.Error("Failed to create billing notification",
			zap.String("device_imei", imei), zap.Error(err))
		return
	}

	h.deps.Push.Send(ctx, device.UserID, models.NotificationBilling, map[string]string{
		"thing1":  device.Name,
		"phrase2": "Low balance",
		"thing3":  "Please top up the device balance.",
	})
}

// HandleTimeQuery answers a device-initiated spoken-time request. This is
// the round-trip pattern every device query follows: the correlation
// identifier from the request is echoed verbatim in the reply, success on
// the play_audio action topic, failure on the error response topic.
func (h *EventHandlers) HandleTimeQuery(ctx context.Context, imei string, payload []byte) {
	var q models.TimeQueryPayload
	if err := json.Unmarshal(payload, &q); err != nil {
		h.logger.Warn("Invalid time query payload",
			zap.String("device_imei", imei), zap.Error(err))
		return
	}
	if q.RequestID == "" {
		h.logger.Warn("Time query missing requestId",
			zap.String("device_imei", imei))
		return
	}

	now := time.Now()
	text := fmt.Sprintf("It is now %s.", now.Format("3:04 PM on Monday, January 2"))

	audioURL, err := h.deps.Speech.Synthesize(ctx, text)
	if err != nil {
		h.logger.Error("Speech synthesis failed",
			zap.String("device_imei", imei),
			zap.String("request_id", q.RequestID),
			zap.Error(err))
		reply := models.ErrorResponse{Error: "speech synthesis failed", RequestID: q.RequestID}
		if perr := h.deps.Publisher.Publish(errorTopic(imei), reply, h.cfg.MQTTQoS); perr != nil {
			h.logger.Error("Failed to publish error response",
				zap.String("device_imei", imei), zap.Error(perr))
		}
		return
	}

	command := models.PlayAudioCommand{URL: audioURL, RequestID: q.RequestID}
	if err := h.deps.Publisher.Publish(actionTopic(imei, "play_audio"), command, h.cfg.MQTTQoS); err != nil {
		h.logger.Error("Failed to publish play_audio command",
			zap.String("device_imei", imei),
			zap.String("request_id", q.RequestID),
			zap.Error(err))
		return
	}

	h.logger.Info("Time query answered",
		zap.String("device_imei", imei),
		zap.String("request_id", q.RequestID))
}

func actionTopic(imei, actionKind string) string {
	return fmt.Sprintf("devices/%s/action/%s", imei, actionKind)
}

func errorTopic(imei string) string {
	return fmt.Sprintf("devices/%s/response/error", imei)
}
