package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"clipsync/internal/model"
)

var (
	// ErrNotFound is returned when a device does not exist or belongs to another user.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a write names a device registered by another user.
	ErrForbidden = errors.New("device belongs to another user")
)

// Store defines the device directory operations the relay depends on.
type Store interface {
	UpsertPresence(ctx context.Context, p Presence) error
	ListDevices(ctx context.Context, userID string) ([]model.Device, error)
	RenameDevice(ctx context.Context, userID, deviceID, name string) error
	DeleteDevice(ctx context.Context, userID, deviceID string) error
	LogoutDevice(ctx context.Context, userID, deviceID string) error
	ResetPresence(ctx context.Context) error

	UpsertSubscription(ctx context.Context, sub model.PushSubscription) error
	ListSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, deviceID, endpoint string) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// UpsertPresence creates the device row on first sight and otherwise updates
// its online flag and last activity. The name is only overwritten when the
// update carries one.
func (s *gormStore) UpsertPresence(ctx context.Context, p Presence) error {
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	device := model.Device{
		ID:           p.DeviceID,
		UserID:       p.UserID,
		Name:         p.Name,
		IsOnline:     p.Online,
		LastActiveAt: at,
	}

	updates := []string{"is_online", "last_active_at", "updated_at"}
	if p.Name != "" {
		updates = append(updates, "name")
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		// A device id registered by another user is left untouched.
		Where:     clause.Where{Exprs: []clause.Expression{clause.Eq{Column: clause.Column{Table: "devices", Name: "user_id"}, Value: p.UserID}}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&device).Error
	if err != nil {
		return fmt.Errorf("upsert presence for device %s: %w", p.DeviceID, err)
	}
	return nil
}

// ListDevices returns the user's devices, most recently active first.
func (s *gormStore) ListDevices(ctx context.Context, userID string) ([]model.Device, error) {
	var devices []model.Device
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_active_at DESC").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// RenameDevice changes the display name of one of the user's devices.
func (s *gormStore) RenameDevice(ctx context.Context, userID, deviceID, name string) error {
	res := s.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("id = ? AND user_id = ?", deviceID, userID).
		Update("name", name)
	if res.Error != nil {
		return fmt.Errorf("rename device %s: %w", deviceID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDevice removes the device row and its push subscription.
func (s *gormStore) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", deviceID, userID).Delete(&model.Device{})
		if res.Error != nil {
			return fmt.Errorf("delete device %s: %w", deviceID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("device_id = ? AND user_id = ?", deviceID, userID).
			Delete(&model.PushSubscription{}).Error; err != nil {
			return fmt.Errorf("delete subscription for device %s: %w", deviceID, err)
		}
		return nil
	})
}

// LogoutDevice marks the device offline and drops its push subscription so a
// logged-out device stops receiving content.
func (s *gormStore) LogoutDevice(ctx context.Context, userID, deviceID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Device{}).
			Where("id = ? AND user_id = ?", deviceID, userID).
			Updates(map[string]any{"is_online": false, "last_active_at": time.Now().UTC()})
		if res.Error != nil {
			return fmt.Errorf("logout device %s: %w", deviceID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("device_id = ? AND user_id = ?", deviceID, userID).
			Delete(&model.PushSubscription{}).Error; err != nil {
			return fmt.Errorf("delete subscription for device %s: %w", deviceID, err)
		}
		return nil
	})
}

// ResetPresence marks every device offline. Run at startup, before any
// session exists, to clear flags left by a process that did not stop cleanly.
func (s *gormStore) ResetPresence(ctx context.Context) error {
	if err := s.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("is_online = ?", true).
		Update("is_online", false).Error; err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}
	return nil
}

// UpsertSubscription creates or replaces the subscription of a device. A
// device id that another user registered, as a device or as a subscription,
// is rejected with ErrForbidden.
func (s *gormStore) UpsertSubscription(ctx context.Context, sub model.PushSubscription) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owners int64
		if err := tx.Model(&model.Device{}).
			Where("id = ? AND user_id <> ?", sub.DeviceID, sub.UserID).
			Count(&owners).Error; err != nil {
			return fmt.Errorf("check owner of device %s: %w", sub.DeviceID, err)
		}
		if owners > 0 {
			return ErrForbidden
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			Where:     clause.Where{Exprs: []clause.Expression{clause.Eq{Column: clause.Column{Table: "push_subscriptions", Name: "user_id"}, Value: sub.UserID}}},
			DoUpdates: clause.AssignmentColumns([]string{"endpoint", "p256dh", "auth", "updated_at"}),
		}).Create(&sub)
		if res.Error != nil {
			return fmt.Errorf("upsert subscription for device %s: %w", sub.DeviceID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrForbidden
		}
		return nil
	})
}

// ListSubscriptions returns every push subscription registered by the user.
func (s *gormStore) ListSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// DeleteSubscription removes a subscription, but only while it still points at
// the given endpoint: a device that re-registered in the meantime keeps its
// fresh subscription.
func (s *gormStore) DeleteSubscription(ctx context.Context, deviceID, endpoint string) error {
	if err := s.db.WithContext(ctx).
		Where("device_id = ? AND endpoint = ?", deviceID, endpoint).
		Delete(&model.PushSubscription{}).Error; err != nil {
		return fmt.Errorf("delete subscription for device %s: %w", deviceID, err)
	}
	return nil
}
