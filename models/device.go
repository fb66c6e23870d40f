package models

import (
	"fmt"
	"time"
)

// DeviceLocation is a position report from a handset. Timestamp is stamped
// with ingestion time when the device omits it.
type DeviceLocation struct {
	Latitude  float64    `bson:"latitude" json:"latitude"`
	Longitude float64    `bson:"longitude" json:"longitude"`
	Address   string     `bson:"address,omitempty" json:"address,omitempty"`
	Timestamp *time.Time `bson:"timestamp,omitempty" json:"timestamp,omitempty"`
}

// Validate checks that coordinates are on the globe.
func (l *DeviceLocation) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", l.Longitude)
	}
	return nil
}

// Device is a bound care handset. Telemetry fields (isOnline, battery,
// signal, firmwareVersion, lastLocation) are owned by the ingestion
// pipeline; the rest belongs to the CRUD layer.
type Device struct {
	ID                     string          `bson:"_id" json:"id"`
	DeviceID               string          `bson:"deviceId" json:"deviceId"` // hardware identity (IMEI)
	UserID                 string          `bson:"userId" json:"userId"`
	Name                   string          `bson:"name" json:"name"`
	IsOnline               bool            `bson:"isOnline" json:"isOnline"`
	Battery                *int            `bson:"battery,omitempty" json:"battery,omitempty"`
	Signal                 *int            `bson:"signal,omitempty" json:"signal,omitempty"`
	FirmwareVersion        string          `bson:"firmwareVersion,omitempty" json:"firmwareVersion,omitempty"`
	LastLocation           *DeviceLocation `bson:"lastLocation,omitempty" json:"lastLocation,omitempty"`
	SosContactPhone        string          `bson:"sosContactPhone,omitempty" json:"sosContactPhone,omitempty"`
	AutoBillRequestEnabled bool            `bson:"autoBillRequestEnabled" json:"autoBillRequestEnabled"`
	UpdatedAt              time.Time       `bson:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// DeviceStatusUpdate is the telemetry subset a device reports over MQTT.
// Absent fields leave the stored values untouched.
type DeviceStatusUpdate struct {
	IsOnline        *bool           `json:"isOnline,omitempty"`
	Battery         *int            `json:"battery,omitempty"`
	Signal          *int            `json:"signal,omitempty"`
	FirmwareVersion *string         `json:"firmwareVersion,omitempty"`
	LastLocation    *DeviceLocation `json:"lastLocation,omitempty"`
}

func (u *DeviceStatusUpdate) Validate() error {
	if u.Battery != nil && (*u.Battery < 0 || *u.Battery > 100) {
		return fmt.Errorf("battery %d out of range 0-100", *u.Battery)
	}
	if u.Signal != nil && (*u.Signal < 0 || *u.Signal > 5) {
		return fmt.Errorf("signal %d out of range 0-5", *u.Signal)
	}
	if u.LastLocation != nil {
		if err := u.LastLocation.Validate(); err != nil {
			return fmt.Errorf("lastLocation: %w", err)
		}
	}
	return nil
}

// IsEmpty reports whether the update carries no fields at all.
func (u *DeviceStatusUpdate) IsEmpty() bool {
	return u.IsOnline == nil && u.Battery == nil && u.Signal == nil &&
		u.FirmwareVersion == nil && u.LastLocation == nil
}

// User holds the subset of the account record the pipeline needs: the
// push-channel address of the family member to notify.
type User struct {
	ID       string `bson:"_id" json:"id"`
	WxOpenid string `bson:"wxOpenid" json:"wxOpenid"`
	NickName string `bson:"nickName,omitempty" json:"nickName,omitempty"`
}
