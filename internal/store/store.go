// Package store is the relational persistence layer of hotspotmon.
// It opens GORM on SQLite (default), MySQL or Postgres and exposes the
// operations the monitor and the dashboard need.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/vesaa/hotspotmon/internal/config"
	"github.com/vesaa/hotspotmon/internal/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

// Store wraps a GORM handle. It is safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// New wraps an already opened database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Dialector returns the GORM dialector for the configured driver.
func Dialector(cfg *config.Config) (gorm.Dialector, error) {
	switch cfg.DBDriver {
	case "sqlite", "":
		return sqlite.Open(cfg.DBPath), nil
	case "mysql":
		return mysql.Open(cfg.DBDSN), nil
	case "postgres":
		return postgres.Open(cfg.DBDSN), nil
	default:
		return nil, fmt.Errorf("unsupported db_driver %q (use 'sqlite', 'mysql' or 'postgres')", cfg.DBDriver)
	}
}

// Open connects to the configured database and runs AutoMigrate.
func Open(cfg *config.Config, log *zap.Logger) (*Store, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.DBDriver == "sqlite" || cfg.DBDriver == "" {
		// SQLite allows a single writer; serialising connections avoids SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := New(db)
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}

	target := cfg.DBPath
	if cfg.DBDriver == "mysql" || cfg.DBDriver == "postgres" {
		target = "dsn"
	}
	log.Info("database opened", zap.String("driver", cfg.DBDriver), zap.String("target", target))
	return s, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&models.User{}, &models.Device{}, &models.ConnectionLog{}, &models.Usage{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks store reachability.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// FindDeviceByHardwareAddr returns the device registered for mac, or ErrNotFound.
func (s *Store) FindDeviceByHardwareAddr(ctx context.Context, mac string) (*models.Device, error) {
	var dev models.Device
	err := s.db.WithContext(ctx).Where("mac_address = ?", mac).Take(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding device %s: %w", mac, err)
	}
	return &dev, nil
}

// CreateDevice inserts dev unless a device with the same hardware address
// already exists. created is false when the insert lost to an existing row.
func (s *Store) CreateDevice(ctx context.Context, dev *models.Device) (created bool, err error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "mac_address"}}, DoNothing: true}).
		Create(dev)
	if res.Error != nil {
		return false, fmt.Errorf("creating device %s: %w", dev.HardwareAddress, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FindUserByFirstName returns the first user with the given first name.
func (s *Store) FindUserByFirstName(ctx context.Context, name string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("first_name = ?", name).Order("user_id").Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding user %q: %w", name, err)
	}
	return &u, nil
}

// RecordUsage writes a connection log and its usage atomically. If either
// insert fails nothing is kept.
func (s *Store) RecordUsage(ctx context.Context, entry *models.ConnectionLog, usage *models.Usage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(entry).Error; err != nil {
			return fmt.Errorf("inserting connection log %s: %w", entry.ID, err)
		}
		usage.LogID = entry.ID
		if err := tx.Create(usage).Error; err != nil {
			return fmt.Errorf("inserting usage %s: %w", usage.ID, err)
		}
		return nil
	})
}

// PurgeBefore deletes connection logs older than cutoff together with their
// usages and returns the number of logs removed.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&models.ConnectionLog{}).Select("log_id").Where("timestamp < ?", cutoff)
		if err := tx.Where("log_id IN (?)", old).Delete(&models.Usage{}).Error; err != nil {
			return fmt.Errorf("purging usages: %w", err)
		}
		res := tx.Where("timestamp < ?", cutoff).Delete(&models.ConnectionLog{})
		if res.Error != nil {
			return fmt.Errorf("purging connection logs: %w", res.Error)
		}
		removed = res.RowsAffected
		return nil
	})
	return removed, err
}
