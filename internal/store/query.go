package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/vesaa/hotspotmon/internal/models"
)

// DeviceTotal is the summed usage of one device.
type DeviceTotal struct {
	DeviceID string  `gorm:"column:device_id" json:"device_id"`
	Name     string  `gorm:"column:device_name" json:"name"`
	TotalMB  float64 `gorm:"column:total_mb" json:"total_mb"`
}

// Stats summarises the whole usage history.
type Stats struct {
	ConnectedDevices int64
	TotalMB          float64
	// Top is nil when no usage has been recorded.
	Top *DeviceTotal
}

// Stats counts devices present in the logs and sums all usage.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	db := s.db.WithContext(ctx)
	var st Stats

	if err := db.Model(&models.ConnectionLog{}).Distinct("device_id").Count(&st.ConnectedDevices).Error; err != nil {
		return Stats{}, fmt.Errorf("counting devices: %w", err)
	}

	var total struct {
		TotalMB float64 `gorm:"column:total_mb"`
	}
	if err := db.Model(&models.Usage{}).
		Select("COALESCE(SUM(data_downloaded + data_uploaded), 0) AS total_mb").
		Scan(&total).Error; err != nil {
		return Stats{}, fmt.Errorf("summing usage: %w", err)
	}
	st.TotalMB = total.TotalMB

	top, err := s.TopDevices(ctx, 1)
	if err != nil {
		return Stats{}, err
	}
	if len(top) > 0 {
		st.Top = &top[0]
	}
	return st, nil
}

// TopDevices returns up to limit devices ordered by total usage, largest first.
func (s *Store) TopDevices(ctx context.Context, limit int) ([]DeviceTotal, error) {
	var out []DeviceTotal
	err := s.db.WithContext(ctx).
		Table("data_usages AS du").
		Select("d.device_id, d.device_name, SUM(du.data_downloaded + du.data_uploaded) AS total_mb").
		Joins("JOIN connection_logs cl ON cl.log_id = du.log_id").
		Joins("JOIN devices d ON d.device_id = cl.device_id").
		Group("d.device_id, d.device_name").
		Order("total_mb DESC").
		Limit(limit).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("ranking devices: %w", err)
	}
	return out, nil
}

// LogsWithUsage returns every connection log with its usage, oldest first.
func (s *Store) LogsWithUsage(ctx context.Context) ([]models.ConnectionLog, error) {
	var out []models.ConnectionLog
	if err := s.db.WithContext(ctx).Preload("Usage").Order("timestamp").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing connection logs: %w", err)
	}
	return out, nil
}

// DeviceHistory returns the latest limit logs of a device, newest first.
func (s *Store) DeviceHistory(ctx context.Context, deviceID string, limit int) ([]models.ConnectionLog, error) {
	var out []models.ConnectionLog
	err := s.db.WithContext(ctx).
		Preload("Usage").
		Where("device_id = ?", deviceID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("device %s history: %w", deviceID, err)
	}
	return out, nil
}

// ListDevices returns all devices sorted by creation.
func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	if err := s.db.WithContext(ctx).Order("created_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return out, nil
}

// ListUsers returns all users.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	var out []models.User
	if err := s.db.WithContext(ctx).Order("user_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return out, nil
}

// DeviceIDs returns the identifiers of all registered devices.
func (s *Store) DeviceIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.Device{}).Order("device_id").Pluck("device_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing device ids: %w", err)
	}
	return ids, nil
}

// DeleteDevice removes a device with its logs and usages.
func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		logs := tx.Model(&models.ConnectionLog{}).Select("log_id").Where("device_id = ?", deviceID)
		if err := tx.Where("log_id IN (?)", logs).Delete(&models.Usage{}).Error; err != nil {
			return fmt.Errorf("deleting usages of %s: %w", deviceID, err)
		}
		if err := tx.Where("device_id = ?", deviceID).Delete(&models.ConnectionLog{}).Error; err != nil {
			return fmt.Errorf("deleting logs of %s: %w", deviceID, err)
		}
		res := tx.Where("device_id = ?", deviceID).Delete(&models.Device{})
		if res.Error != nil {
			return fmt.Errorf("deleting device %s: %w", deviceID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// IsNotFound reports whether err is a missing-row error from this package or GORM.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
