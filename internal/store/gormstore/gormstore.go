// Package gormstore implements store.Store on GORM for sqlite and mysql.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/skypass/fleetwatch/internal/config"
	"github.com/skypass/fleetwatch/internal/store"
	"github.com/skypass/fleetwatch/internal/types"
)

// Store is a GORM-backed store.Store.
type Store struct {
	db     *gorm.DB
	driver string
}

var _ store.Store = (*Store)(nil)

// Open connects using cfg and migrates the schema.
func Open(cfg config.DatabaseConfig, logger zerolog.Logger) (*Store, error) {
	gl := logger.With().Str("component", "gorm").Logger()
	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(&gl, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		if cfg.Path != ":memory:" {
			if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
				}
			}
		}
		dialector = sqlite.Open(cfg.Path)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver for gorm: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}
	if cfg.Driver != "mysql" {
		// sqlite allows one writer; ":memory:" is also per connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, cfg.Driver)
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB, driver string) (*Store, error) {
	if err := db.AutoMigrate(&types.TrackedEndpoint{}, &types.AlertRecord{}, &types.Admin{}); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if driver == "" {
		driver = "sqlite"
	}
	return &Store{db: db, driver: driver}, nil
}

// DB exposes the connection for maintenance tasks such as backups.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Driver returns "sqlite" or "mysql".
func (s *Store) Driver() string {
	return s.driver
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) ListEndpoints(ctx context.Context) ([]types.TrackedEndpoint, error) {
	var eps []types.TrackedEndpoint
	if err := s.db.WithContext(ctx).Order("id").Find(&eps).Error; err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return eps, nil
}

func (s *Store) GetEndpoint(ctx context.Context, id uint) (*types.TrackedEndpoint, error) {
	return getEndpoint(s.db.WithContext(ctx), id)
}

func getEndpoint(tx *gorm.DB, id uint) (*types.TrackedEndpoint, error) {
	var ep types.TrackedEndpoint
	if err := tx.First(&ep, id).Error; err != nil {
		return nil, translate(err, "endpoint %d", id)
	}
	return &ep, nil
}

func (s *Store) CreateEndpoint(ctx context.Context, ep *types.TrackedEndpoint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkVMAddress(tx, ep.VMAddress, 0); err != nil {
			return err
		}
		if ep.CreatedAt.IsZero() {
			ep.CreatedAt = time.Now().UTC()
		}
		if err := tx.Create(ep).Error; err != nil {
			return translate(err, "endpoint %q", ep.Name)
		}
		return nil
	})
}

func (s *Store) UpdateEndpoint(ctx context.Context, ep *types.TrackedEndpoint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getEndpoint(tx, ep.ID); err != nil {
			return err
		}
		if err := checkVMAddress(tx, ep.VMAddress, ep.ID); err != nil {
			return err
		}
		err := tx.Model(&types.TrackedEndpoint{}).Where("id = ?", ep.ID).Updates(map[string]interface{}{
			"name":         ep.Name,
			"vm_address":   ep.VMAddress,
			"address":      ep.Address,
			"device_limit": ep.Limit,
			"alert_email":  ep.AlertEmail,
		}).Error
		if err != nil {
			return translate(err, "endpoint %d", ep.ID)
		}
		return nil
	})
}

func checkVMAddress(tx *gorm.DB, vm string, exceptID uint) error {
	var n int64
	err := tx.Model(&types.TrackedEndpoint{}).
		Where("vm_address = ? AND id <> ?", vm, exceptID).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("vm address %s already registered: %w", vm, store.ErrConflict)
	}
	return nil
}

func (s *Store) DeleteEndpoint(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getEndpoint(tx, id); err != nil {
			return err
		}
		if err := tx.Where("endpoint_id = ?", id).Delete(&types.AlertRecord{}).Error; err != nil {
			return fmt.Errorf("delete alert history: %w", err)
		}
		return tx.Delete(&types.TrackedEndpoint{}, id).Error
	})
}

func (s *Store) RecordProbe(ctx context.Context, id uint, count int, at time.Time) (*types.TrackedEndpoint, error) {
	var out *types.TrackedEndpoint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getEndpoint(tx, id); err != nil {
			return err
		}
		err := tx.Model(&types.TrackedEndpoint{}).Where("id = ?", id).Updates(map[string]interface{}{
			"device_count":  count,
			"last_probe_at": at.UTC(),
		}).Error
		if err != nil {
			return err
		}
		out, err = getEndpoint(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RecordAlert(ctx context.Context, rec *types.AlertRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getEndpoint(tx, rec.EndpointID); err != nil {
			return err
		}
		if err := tx.Create(rec).Error; err != nil {
			return translate(err, "alert %s", rec.ID)
		}
		return tx.Model(&types.TrackedEndpoint{}).
			Where("id = ?", rec.EndpointID).
			Update("last_alert_at", rec.SentAt.UTC()).Error
	})
}

func (s *Store) GetAlert(ctx context.Context, id string) (*types.AlertRecord, error) {
	var rec types.AlertRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, translate(err, "alert %s", id)
	}
	return &rec, nil
}

func (s *Store) ListAlerts(ctx context.Context, endpointID uint, limit int) ([]types.AlertRecord, error) {
	q := s.db.WithContext(ctx).Order("sent_at DESC").Order("id")
	if endpointID != 0 {
		q = q.Where("endpoint_id = ?", endpointID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []types.AlertRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return recs, nil
}

func (s *Store) MarkAlertResent(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec types.AlertRecord
		if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
			return translate(err, "alert %s", id)
		}
		return tx.Model(&types.AlertRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"delivered": true,
			"resent_at": at.UTC(),
		}).Error
	})
}

func (s *Store) GetAdmin(ctx context.Context, username string) (*types.Admin, error) {
	var admin types.Admin
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&admin).Error; err != nil {
		return nil, translate(err, "admin %q", username)
	}
	return &admin, nil
}

func (s *Store) SaveAdmin(ctx context.Context, admin *types.Admin) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing types.Admin
		err := tx.Where("username = ?", admin.Username).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(admin).Error
		case err != nil:
			return err
		}
		admin.ID = existing.ID
		return tx.Model(&existing).Update("password_hash", admin.PasswordHash).Error
	})
}

// translate maps GORM errors onto the store sentinels.
func translate(err error, format string, args ...interface{}) error {
	what := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%s: %w", what, store.ErrConflict)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
