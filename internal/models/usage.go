package models

import "time"

// ConnectionLog records that a device produced traffic during one flush cycle.
// Exactly one Usage row belongs to every ConnectionLog; both are written in
// the same transaction.
type ConnectionLog struct {
	ID        string    `gorm:"column:log_id;primaryKey;size:32" json:"log_id"`
	NetworkID string    `gorm:"column:network_id;index;size:32;not null" json:"network_id"`
	DeviceID  string    `gorm:"column:device_id;index;size:32;not null" json:"device_id"`
	Timestamp time.Time `gorm:"column:timestamp;index;not null" json:"timestamp"`
	// IPAddress is the last address observed for the device, or "N/A".
	IPAddress string `gorm:"column:ip_address;size:45" json:"ip_address"`

	Usage *Usage `gorm:"foreignKey:LogID;references:ID" json:"usage,omitempty"`
}

func (ConnectionLog) TableName() string { return "connection_logs" }

// Usage holds the megabytes transferred for one ConnectionLog.
type Usage struct {
	ID           string  `gorm:"column:usage_id;primaryKey;size:32" json:"usage_id"`
	LogID        string  `gorm:"column:log_id;uniqueIndex;size:32;not null" json:"log_id"`
	MBDownloaded float64 `gorm:"column:data_downloaded" json:"data_downloaded"`
	MBUploaded   float64 `gorm:"column:data_uploaded" json:"data_uploaded"`
}

func (Usage) TableName() string { return "data_usages" }

// TotalMB is the combined download and upload volume.
func (u Usage) TotalMB() float64 { return u.MBDownloaded + u.MBUploaded }
