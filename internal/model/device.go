package model

import "time"

// Device is a row of the device directory. The ID is generated by the client
// and stays stable across reconnects.
type Device struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	UserID       string    `gorm:"index;size:128;not null" json:"userId"`
	Name         string    `gorm:"size:256;not null;default:''" json:"name"`
	IsOnline     bool      `gorm:"not null;default:false" json:"isOnline"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
