package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationType classifies user-facing notifications.
type NotificationType string

const (
	NotificationSOS           NotificationType = "SOS"
	NotificationBilling       NotificationType = "Billing"
	NotificationLowBattery    NotificationType = "LowBattery"
	NotificationReminderDue   NotificationType = "ReminderDue"
	NotificationDeviceOffline NotificationType = "DeviceOffline"
	NotificationUnbind        NotificationType = "Unbind"
)

// DefaultTitle derives the user-visible title for a notification type.
// Every notification created without an explicit title goes through this
// table so wording stays consistent across handlers.
func (t NotificationType) DefaultTitle(deviceName string) string {
	if deviceName == "" {
		deviceName = "unknown device"
	}
	switch t {
	case NotificationSOS:
		return fmt.Sprintf("Emergency call: %s", deviceName)
	case NotificationBilling:
		return fmt.Sprintf("Balance reminder: %s", deviceName)
	case NotificationLowBattery:
		return fmt.Sprintf("Low battery warning: %s", deviceName)
	case NotificationDeviceOffline:
		return fmt.Sprintf("Device offline: %s", deviceName)
	default:
		return "System notification"
	}
}

// Notification is a user-facing message derived from a device event.
// Immutable once created except for IsRead, which the CRUD layer owns.
// Location is reconstructed from Payload for SOS notifications on read
// and never stored directly.
type Notification struct {
	ID         string           `bson:"_id" json:"id"`
	UserID     string           `bson:"userId" json:"userId"`
	DeviceID   string           `bson:"deviceId,omitempty" json:"deviceId,omitempty"`
	DeviceName string           `bson:"deviceName,omitempty" json:"deviceName,omitempty"`
	Type       NotificationType `bson:"type" json:"type"`
	Title      string           `bson:"title" json:"title"`
	Content    string           `bson:"content" json:"content"`
	Time       time.Time        `bson:"time" json:"time"`
	IsRead     bool             `bson:"isRead" json:"isRead"`
	Payload    map[string]any   `bson:"payload,omitempty" json:"payload,omitempty"`
	Location   *DeviceLocation  `bson:"-" json:"location,omitempty"`
}

// SosAlertStatus tracks the lifecycle of an SOS alert. The pipeline only
// ever writes the initial pending record; transitions belong to the CRUD
// layer.
type SosAlertStatus string

const (
	SosAlertPending      SosAlertStatus = "pending"
	SosAlertAcknowledged SosAlertStatus = "acknowledged"
	SosAlertResolved     SosAlertStatus = "resolved"
)

// SosAlert is the authoritative record of an emergency call.
type SosAlert struct {
	ID             string          `bson:"_id" json:"id"`
	DeviceID       string          `bson:"deviceId" json:"deviceId"`
	UserID         string          `bson:"userId" json:"userId"`
	Timestamp      time.Time       `bson:"timestamp" json:"timestamp"`
	Location       *DeviceLocation `bson:"location,omitempty" json:"location,omitempty"`
	Status         SosAlertStatus  `bson:"status" json:"status"`
	AcknowledgedBy string          `bson:"acknowledgedBy,omitempty" json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time      `bson:"acknowledgedAt,omitempty" json:"acknowledgedAt,omitempty"`
}

// LocationFromPayload reconstructs a structured location from a
// notification payload map. Both latitude and longitude must be present
// and well-formed; anything else degrades to an absent location.
func LocationFromPayload(payload map[string]any) *DeviceLocation {
	if payload == nil {
		return nil
	}
	lat, ok := toFloat(payload["latitude"])
	if !ok {
		return nil
	}
	lon, ok := toFloat(payload["longitude"])
	if !ok {
		return nil
	}
	loc := &DeviceLocation{Latitude: lat, Longitude: lon}
	if addr, ok := payload["address"].(string); ok {
		loc.Address = addr
	}
	if ts, ok := payload["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			loc.Timestamp = &t
		}
	}
	if err := loc.Validate(); err != nil {
		return nil
	}
	return loc
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
