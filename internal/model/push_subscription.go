package model

import "time"

// PushSubscription holds the browser push endpoint registered by one device.
// A device has at most one subscription; re-registering replaces it.
type PushSubscription struct {
	DeviceID  string    `gorm:"primaryKey;size:64"`
	UserID    string    `gorm:"index;size:128;not null"`
	Endpoint  string    `gorm:"not null"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}
