package models

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestDefaultTitle(t *testing.T) {
	is := is.New(t)

	is.Equal(NotificationSOS.DefaultTitle("Grandma's phone"), "Emergency call: Grandma's phone")
	is.Equal(NotificationBilling.DefaultTitle("Grandma's phone"), "Balance reminder: Grandma's phone")
	is.Equal(NotificationLowBattery.DefaultTitle("Grandma's phone"), "Low battery warning: Grandma's phone")
	is.Equal(NotificationDeviceOffline.DefaultTitle("Grandma's phone"), "Device offline: Grandma's phone")
	is.Equal(NotificationUnbind.DefaultTitle("Grandma's phone"), "System notification")
	is.Equal(NotificationSOS.DefaultTitle(""), "Emergency call: unknown device")
}

func TestLocationFromPayload(t *testing.T) {
	is := is.New(t)

	loc := LocationFromPayload(map[string]any{
		"latitude":  30.2741,
		"longitude": 120.1551,
		"address":   "West Lake",
		"timestamp": "2026-08-30T09:30:00Z",
	})
	is.True(loc != nil)
	is.Equal(loc.Latitude, 30.2741)
	is.Equal(loc.Longitude, 120.1551)
	is.Equal(loc.Address, "West Lake")
	is.True(loc.Timestamp != nil)
	is.Equal(*loc.Timestamp, time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC))
}

func TestLocationFromPayloadDegradesToNil(t *testing.T) {
	is := is.New(t)

	is.Equal(LocationFromPayload(nil), (*DeviceLocation)(nil))
	// Missing longitude
	is.Equal(LocationFromPayload(map[string]any{"latitude": 30.2741}), (*DeviceLocation)(nil))
	// Wrong types
	is.Equal(LocationFromPayload(map[string]any{"latitude": "30.2", "longitude": "120.1"}), (*DeviceLocation)(nil))
	// Off the globe
	is.Equal(LocationFromPayload(map[string]any{"latitude": 95.0, "longitude": 120.1551}), (*DeviceLocation)(nil))
}

func TestLocationFromPayloadIgnoresBadTimestamp(t *testing.T) {
	is := is.New(t)

	loc := LocationFromPayload(map[string]any{
		"latitude":  30.2741,
		"longitude": 120.1551,
		"timestamp": "yesterday",
	})
	is.True(loc != nil)
	is.Equal(loc.Timestamp, (*time.Time)(nil))
}
