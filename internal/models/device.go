// Package models defines GORM data models for hotspotmon.
package models

import "time"

// DefaultDeviceType is assigned to devices provisioned from observed traffic.
const DefaultDeviceType = "Unknown"

// User owns devices. The monitor only reads users to resolve the default
// owner at startup; the dashboard manages them.
type User struct {
	ID        string    `gorm:"column:user_id;primaryKey;size:32" json:"user_id"`
	FirstName string    `gorm:"column:first_name;index;size:64" json:"first_name"`
	LastName  string    `gorm:"column:last_name;size:64" json:"last_name"`
	Email     string    `gorm:"column:email;size:128" json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

// Device represents a client of the access point, keyed by its hardware address.
// Rows are created by the registry the first time a hardware address carries
// traffic and are only ever removed by an operator.
type Device struct {
	ID     string `gorm:"column:device_id;primaryKey;size:32" json:"device_id"`
	UserID string `gorm:"column:user_id;index;size:32;not null" json:"user_id"`
	// HardwareAddress is the canonical lower-case colon form, e.g. "aa:bb:cc:dd:ee:01".
	HardwareAddress string    `gorm:"column:mac_address;uniqueIndex;size:17;not null" json:"mac_address"`
	Name            string    `gorm:"column:device_name;size:128" json:"device_name"`
	Type            string    `gorm:"column:device_type;size:32" json:"device_type"`
	CreatedAt       time.Time `json:"created_at"`
}

func (Device) TableName() string { return "devices" }
