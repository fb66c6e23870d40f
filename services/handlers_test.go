package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"carelink/config"
	"carelink/models"

	"github.com/matryer/is"
	"go.uber.org/zap"
)

type fakeDeviceStore struct {
	devices map[string]*models.Device
	updates []*models.DeviceStatusUpdate
}

func (f *fakeDeviceStore) DeviceByIMEI(_ context.Context, imei string) (*models.Device, error) {
	device, ok := f.devices[imei]
	if !ok {
		return nil, nil
	}
	// Decoding from the store always yields a fresh value.
	snapshot := *device
	return &snapshot, nil
}

func (f *fakeDeviceStore) UpdateStatusByIMEI(_ context.Context, imei string, update *models.DeviceStatusUpdate) (*models.Device, error) {
	device, ok := f.devices[imei]
	if !ok {
		return nil, nil
	}
	f.updates = append(f.updates, update)
	if update.Battery != nil {
		device.Battery = update.Battery
	}
	if update.IsOnline != nil {
		device.IsOnline = *update.IsOnline
	}
	return device, nil
}

type fakeNotificationStore struct {
	notifications []*models.Notification
	alerts        []*models.SosAlert
	alertErr      error
}

func (f *fakeNotificationStore) CreateNotification(_ context.Context, draft *models.Notification) (*models.Notification, error) {
	f.notifications = append(f.notifications, draft)
	return draft, nil
}

func (f *fakeNotificationStore) CreateSosAlert(_ context.Context, alert *models.SosAlert) (*models.SosAlert, error) {
	if f.alertErr != nil {
		return nil, f.alertErr
	}
	f.alerts = append(f.alerts, alert)
	return alert, nil
}

type sentPush struct {
	userID string
	kind   models.NotificationType
	data   map[string]string
}

type fakePusher struct {
	sent []sentPush
}

func (f *fakePusher) Send(_ context.Context, userID string, kind models.NotificationType, data map[string]string) {
	f.sent = append(f.sent, sentPush{userID: userID, kind: kind, data: data})
}

type published struct {
	topic   string
	payload any
	qos     byte
}

type fakePublisher struct {
	messages []published
}

func (f *fakePublisher) Publish(topic string, payload any, qos byte) error {
	f.messages = append(f.messages, published{topic: topic, payload: payload, qos: qos})
	return nil
}

type fakeSpeech struct {
	url string
	err error
}

func (f *fakeSpeech) Synthesize(_ context.Context, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type handlerFixture struct {
	handlers      *EventHandlers
	devices       *fakeDeviceStore
	notifications *fakeNotificationStore
	push          *fakePusher
	publisher     *fakePublisher
	speech        *fakeSpeech
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	battery := 80
	f := &handlerFixture{
		devices: &fakeDeviceStore{devices: map[string]*models.Device{
			"867400051234567": {
				ID:       "dev-1",
				DeviceID: "867400051234567",
				UserID:   "user-1",
				Name:     "Grandma's phone",
				Battery:  &battery,
			},
		}},
		notifications: &fakeNotificationStore{},
		push:          &fakePusher{},
		publisher:     &fakePublisher{},
		speech:        &fakeSpeech{url: "https://tts.example/clip.mp3"},
	}
	cfg := &config.Config{MQTTQoS: 1, LowBatteryThreshold: 20}
	f.handlers = NewEventHandlers(cfg, HandlerDeps{
		Devices:       f.devices,
		Notifications: f.notifications,
		Push:          f.push,
		Speech:        f.speech,
		Publisher:     f.publisher,
	}, zap.NewNop())
	return f
}

func TestHandleStatusUpdatesOnlyProvidedFields(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	f.handlers.HandleStatus(context.Background(), "867400051234567", []byte(`{"battery":63}`))

	is.Equal(len(f.devices.updates), 1)
	update := f.devices.updates[0]
	is.Equal(*update.Battery, 63)
	is.Equal(update.IsOnline, (*bool)(nil))
	is.Equal(update.Signal, (*int)(nil))
	is.Equal(update.LastLocation, (*models.DeviceLocation)(nil))
}

func TestHandleStatusDropsUnknownDevice(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	f.handlers.HandleStatus(context.Background(), "000000000000000", []byte(`{"battery":63}`))

	is.Equal(len(f.devices.updates), 0)
	is.Equal(len(f.notifications.notifications), 0)
}

func TestHandleStatusStampsLocationTimestamp(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	before := time.Now().UTC()
	f.handlers.HandleStatus(context.Background(), "867400051234567",
		[]byte(`{"lastLocation":{"latitude":30.2741,"longitude":120.1551}}`))

	is.Equal(len(f.devices.updates), 1)
	loc := f.devices.updates[0].LastLocation
	is.True(loc != nil)
	is.True(loc.Timestamp != nil)
	is.True(!loc.Timestamp.Before(before))
}

func TestHandleStatusKeepsDeviceLocationTimestamp(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	f.handlers.HandleStatus(context.Background(), "867400051234567",
		[]byte(`{"lastLocation":{"latitude":30.2741,"longitude":120.1551,"timestamp":"2026-08-29T10:00:00Z"}}`))

	is.Equal(len(f.devices.updates), 1)
	loc := f.devices.updates[0].LastLocation
	is.True(loc != nil)
	is.True(loc.Timestamp != nil)
	is.Equal(*loc.Timestamp, time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC))
}

func TestHandleStatusDropsOutOfRangeBattery(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	f.handlers.HandleStatus(context.Background(), "867400051234567", []byte(`{"battery":150}`))

	is.Equal(len(f.devices.updates), 0)
}

func TestHandleStatusLowBatteryCrossingFiresOnce(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	// 80 -> 15 crosses the threshold
	f.handlers.HandleStatus(context.Background(), "867400051234567", []byte(`{"battery":15}`))
	is.Equal(len(f.notifications.notifications), 1)
	is.Equal(f.notifications.notifications[0].Type, models.NotificationLowBattery)
	is.Equal(len(f.push.sent), 1)

	// 15 -> 12 stays below, no second notification
	f.handlers.HandleStatus(context.Background(), "867400051234567", []byte(`{"battery":12}`))
	is.Equal(len(f.notifications.notifications), 1)
	is.Equal(len(f.push.sent), 1)
}

func TestHandleSosAlertPersistsAlertAndNotifies(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	payload := []byte(`{"location":{"latitude":30.2741,"longitude":120.1551,"address":"West Lake"}}`)
	f.handlers.HandleSosAlert(context.Background(), "867400051234567", payload)

	is.Equal(len(f.notifications.alerts), 1)
	alert := f.notifications.alerts[0]
	is.Equal(alert.Status, models.SosAlertPending)
	is.Equal(alert.UserID, "user-1")
	is.True(alert.Location != nil)
	is.Equal(alert.Location.Latitude, 30.2741)
	is.Equal(alert.Location.Address, "West Lake")
	// Device sent no timestamp, so the location carries ingestion time
	is.True(alert.Location.Timestamp != nil)

	is.Equal(len(f.notifications.notifications), 1)
	n := f.notifications.notifications[0]
	is.Equal(n.Type, models.NotificationSOS)
	is.Equal(n.UserID, "user-1")
	is.Equal(n.Payload["latitude"], 30.2741)
	is.Equal(n.Payload["longitude"], 120.1551)

	is.Equal(len(f.push.sent), 1)
	is.Equal(f.push.sent[0].kind, models.NotificationSOS)
}

func TestHandleSosAlertKeepsDeviceLocationTimestamp(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	payload := []byte(`{"location":{"latitude":30.2741,"longitude":120.1551,"timestamp":"2026-08-29T10:00:00Z"}}`)
	f.handlers.HandleSosAlert(context.Background(), "867400051234567", payload)

	is.Equal(len(f.notifications.alerts), 1)
	loc := f.notifications.alerts[0].Location
	is.True(loc != nil)
	is.True(loc.Timestamp != nil)
	is.Equal(*loc.Timestamp, time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC))
}

func TestHandleSosAlertProceedsWithoutLocation(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	// Partial location: longitude missing
	payload := []byte(`{"location":{"latitude":30.2741}}`)
	f.handlers.HandleSosAlert(context.Background(), "867400051234567", payload)

	is.Equal(len(f.notifications.alerts), 1)
	is.Equal(f.notifications.alerts[0].Location, (*models.DeviceLocation)(nil))
	is.Equal(len(f.notifications.notifications), 1)
	_, hasLat := f.notifications.notifications[0].Payload["latitude"]
	is.True(!hasLat)
}

func TestHandleSosAlertDropsUnknownDevice(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	f.handlers.HandleSosAlert(context.Background(), "000000000000000", []byte(`{}`))

	is.Equal(len(f.notifications.alerts), 0)
	is.Equal(len(f.notifications.notifications), 0)
	is.Equal(len(f.push.sent), 0)
}

func TestHandleSosAlertReplayCreatesDistinctRecords(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	payload := []byte(`{"location":{"latitude":30.2741,"longitude":120.1551}}`)
	f.handlers.HandleSosAlert(context.Background(), "867400051234567", payload)
	f.handlers.HandleSosAlert(context.Background(), "867400051234567", payload)

	is.Equal(len(f.notifications.alerts), 2)
	is.Equal(len(f.notifications.notifications), 2)
}

func TestHandleSosAlertNotificationSurvivesAlertFailure(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)
	f.notifications.alertErr = errors.New("insert failed")

	f.handlers.HandleSosAlert(context.Background(), "867400051234567", []byte(`{}`))

	is.Equal(len(f.notifications.alerts), 0)
	is.Equal(len(f.notifications.notifications), 1)
	is.Equal(len(f.push.sent), 1)
}

func TestHandleBillRequestNotifies(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	f.handlers.HandleBillRequest(context.Background(), "867400051234567", []byte(`{"balance":"1.20"}`))

	is.Equal(len(f.notifications.notifications), 1)
	n := f.notifications.notifications[0]
	is.Equal(n.Type, models.NotificationBilling)
	is.Equal(n.Payload["balance"], "1.20")
	is.Equal(len(f.push.sent), 1)
	is.Equal(f.push.sent[0].kind, models.NotificationBilling)
}

func TestHandleTimeQuerySuccessPublishesPlayAudio(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	f.handlers.HandleTimeQuery(context.Background(), "867400051234567", []byte(`{"requestId":"req-42"}`))

	is.Equal(len(f.publisher.messages), 1)
	msg := f.publisher.messages[0]
	is.Equal(msg.topic, "devices/867400051234567/action/play_audio")
	command, ok := msg.payload.(models.PlayAudioCommand)
	is.True(ok)
	is.Equal(command.URL, "https://tts.example/clip.mp3")
	is.Equal(command.RequestID, "req-42")
}

func TestHandleTimeQueryFailurePublishesErrorResponse(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)
	f.speech.err = fmt.Errorf("synthesis backend down")

	f.handlers.HandleTimeQuery(context.Background(), "867400051234567", []byte(`{"requestId":"req-42"}`))

	is.Equal(len(f.publisher.messages), 1)
	msg := f.publisher.messages[0]
	is.Equal(msg.topic, "devices/867400051234567/response/error")
	reply, ok := msg.payload.(models.ErrorResponse)
	is.True(ok)
	is.Equal(reply.RequestID, "req-42")
	is.True(reply.Error != "")
}

func TestHandleTimeQueryRequiresRequestID(t *testing.T) {
	is := is.New(t)
	f := newHandlerFixture(t)

	f.handlers.HandleTimeQuery(context.Background(), "867400051234567", []byte(`{}`))

	is.Equal(len(f.publisher.messages), 0)
}
