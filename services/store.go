package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carelink/models"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// UserStore resolves the push-channel address of a user.
type UserStore interface {
	// UserByID returns (nil, nil) when the user does not exist.
	UserByID(ctx context.Context, userID string) (*models.User, error)
}

// MongoStore is the document-store backend for devices, users,
// notifications and SOS alerts. The ingestion core only ever uses
// per-document operations; cross-entity consistency is eventual and
// handler-local.
type MongoStore struct {
	devices       *mongo.Collection
	users         *mongo.Collection
	notifications *mongo.Collection
	sosAlerts     *mongo.Collection
	logger        *zap.Logger
}

func NewMongoStore(db *mongo.Database, logger *zap.Logger) *MongoStore {
	return &MongoStore{
		devices:       db.Collection("devices"),
		users:         db.Collection("users"),
		notifications: db.Collection("notifications"),
		sosAlerts:     db.Collection("sos_alerts"),
		logger:        logger,
	}
}

func (s *MongoStore) DeviceByIMEI(ctx context.Context, imei string) (*models.Device, error) {
	var device models.Device
	err := s.devices.FindOne(ctx, bson.M{"deviceId": imei}).Decode(&device)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device %s: %w", imei, err)
	}
	return &device, nil
}

// UpdateStatusByIMEI applies a telemetry report as a $set of only the
// fields the payload carried.
func (s *MongoStore) UpdateStatusByIMEI(ctx context.Context, imei string, update *models.DeviceStatusUpdate) (*models.Device, error) {
	set := bson.M{"updatedAt": time.Now().UTC()}
	if update.IsOnline != nil {
		set["isOnline"] = *update.IsOnline
	}
	if update.Battery != nil {
		set["battery"] = *update.Battery
	}
	if update.Signal != nil {
		set["signal"] = *update.Signal
	}
	if update.FirmwareVersion != nil {
		set["firmwareVersion"] = *update.FirmwareVersion
	}
	if update.LastLocation != nil {
		set["lastLocation"] = update.LastLocation
	}

	result, err := s.devices.UpdateOne(ctx, bson.M{"deviceId": imei}, bson.M{"$set": set})
	if err != nil {
		return nil, fmt.Errorf("failed to update status for device %s: %w", imei, err)
	}
	if result.MatchedCount == 0 {
		return nil, nil
	}
	return s.DeviceByIMEI(ctx, imei)
}

func (s *MongoStore) UserByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", userID, err)
	}
	return &user, nil
}

func (s *MongoStore) CreateSosAlert(ctx context.Context, alert *models.SosAlert) (*models.SosAlert, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if alert.Status == "" {
		alert.Status = models.SosAlertPending
	}
	if _, err := s.sosAlerts.InsertOne(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to insert SOS alert for device %s: %w", alert.DeviceID, err)
	}
	return alert, nil
}

// CreateNotification is the single choke point for user-visible output.
// It fills in the device name when absent and derives the title from the
// notification type, so wording stays consistent regardless of which
// handler produced the record.
func (s *MongoStore) CreateNotification(ctx context.Context, draft *models.Notification) (*models.Notification, error) {
	if draft.DeviceID != "" && draft.DeviceName == "" {
		var device models.Device
		err := s.devices.FindOne(ctx, bson.M{"_id": draft.DeviceID}).Decode(&device)
		if err == nil {
			draft.DeviceName = device.Name
		} else if !errors.Is(err, mongo.ErrNoDocuments) {
			s.logger.Warn("Device name lookup failed for notification",
				zap.String("device_id", draft.DeviceID), zap.Error(err))
		}
	}
	if draft.Title == "" {
		draft.Title = draft.Type.DefaultTitle(draft.DeviceName)
	}
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.Time.IsZero() {
		draft.Time = time.Now().UTC()
	}

	if _, err := s.notifications.InsertOne(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to insert notification for user %s: %w", draft.UserID, err)
	}
	return draft, nil
}

// NotificationsForUser lists a user's notifications newest first. SOS
// records get their location reconstructed from the payload map;
// malformed payload data degrades to an absent location.
func (s *MongoStore) NotificationsForUser(ctx context.Context, userID string, skip, limit int64) ([]*models.Notification, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "time", Value: -1}}).
		SetSkip(skip).
		SetLimit(limit)
	cursor, err := s.notifications.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications for user %s: %w", userID, err)
	}
	defer cursor.Close(ctx)

	var results []*models.Notification
	for cursor.Next(ctx) {
		var n models.Notification
		if err := cursor.Decode(&n); err != nil {
			s.logger.Warn("Skipping undecodable notification document", zap.Error(err))
			continue
		}
		attachLocation(&n)
		results = append(results, &n)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("notification cursor failed for user %s: %w", userID, err)
	}
	return results, nil
}

func (s *MongoStore) NotificationByID(ctx context.Context, notificationID, userID string) (*models.Notification, error) {
	var n models.Notification
	err := s.notifications.FindOne(ctx, bson.M{"_id": notificationID, "userId": userID}).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up notification %s: %w", notificationID, err)
	}
	attachLocation(&n)
	return &n, nil
}

func (s *MongoStore) MarkNotificationRead(ctx context.Context, notificationID, userID string) error {
	result, err := s.notifications.UpdateOne(ctx,
		bson.M{"_id": notificationID, "userId": userID},
		bson.M{"$set": bson.M{"isRead": true, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("failed to mark notification %s read: %w", notificationID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("notification %s not found for user %s", notificationID, userID)
	}
	return nil
}

func (s *MongoStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	result, err := s.notifications.UpdateMany(ctx,
		bson.M{"userId": userID, "isRead": false},
		bson.M{"$set": bson.M{"isRead": true, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read for user %s: %w", userID, err)
	}
	return result.ModifiedCount, nil
}

func (s *MongoStore) DeleteNotification(ctx context.Context, notificationID, userID string) error {
	result, err := s.notifications.DeleteOne(ctx, bson.M{"_id": notificationID, "userId": userID})
	if err != nil {
		return fmt.Errorf("failed to delete notification %s: %w", notificationID, err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("notification %s not found for user %s", notificationID, userID)
	}
	return nil
}

func (s *MongoStore) DeleteAllNotifications(ctx context.Context, userID string) (int64, error) {
	result, err := s.notifications.DeleteMany(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete notifications for user %s: %w", userID, err)
	}
	return result.DeletedCount, nil
}

func attachLocation(n *models.Notification) {
	if n.Type == models.NotificationSOS {
		n.Location = models.LocationFromPayload(n.Payload)
	}
}
