package models

import "time"

// Wire payloads exchanged with devices over MQTT. All payloads are UTF-8
// JSON.

// SosPayload is the body of a devices/{imei}/event/sos_alert message.
// Additional fields devices may send are ignored.
type SosPayload struct {
	Location *SosLocation `json:"location,omitempty"`
}

// SosLocation uses pointer coordinates so a partial location (for example
// a missing longitude) is detectable and can be dropped while the alert
// itself still proceeds.
type SosLocation struct {
	Latitude  *float64   `json:"latitude,omitempty"`
	Longitude *float64   `json:"longitude,omitempty"`
	Address   string     `json:"address,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ToDeviceLocation returns a validated DeviceLocation, or nil when the
// report is partial or out of range.
func (l *SosLocation) ToDeviceLocation() *DeviceLocation {
	if l == nil || l.Latitude == nil || l.Longitude == nil {
		return nil
	}
	loc := &DeviceLocation{
		Latitude:  *l.Latitude,
		Longitude: *l.Longitude,
		Address:   l.Address,
		Timestamp: l.Timestamp,
	}
	if err := loc.Validate(); err != nil {
		return nil
	}
	return loc
}

// TimeQueryPayload is the body of a devices/{imei}/event/time_query
// message. RequestID is the correlation identifier the device uses to
// match our reply to its request; it is echoed verbatim.
type TimeQueryPayload struct {
	RequestID string `json:"requestId"`
}

// PlayAudioCommand is published to devices/{imei}/action/play_audio after
// a successful speech synthesis.
type PlayAudioCommand struct {
	URL       string `json:"url"`
	RequestID string `json:"requestId"`
}

// ErrorResponse is published to devices/{imei}/response/error when a
// device-initiated request cannot be served.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId"`
}
