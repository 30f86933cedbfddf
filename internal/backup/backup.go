// Package backup creates, lists, restores and prunes copies of the sqlite
// database.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	filePrefix = "fleetwatch_backup_"
	fileSuffix = ".db"
	stampFmt   = "20060102_150405"
)

// Info describes one backup file.
type Info struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Manager operates on the database at DBPath and backups in Dir.
type Manager struct {
	DBPath string
	Dir    string
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Manager.
func New(dbPath, dir string, logger zerolog.Logger) *Manager {
	return &Manager{
		DBPath: dbPath,
		Dir:    dir,
		logger: logger.With().Str("component", "backup").Logger(),
		now:    time.Now,
	}
}

// Create writes a consistent online copy with VACUUM INTO, which is safe
// while the server is running.
func (m *Manager) Create(ctx context.Context) (Info, error) {
	if _, err := os.Stat(m.DBPath); err != nil {
		return Info{}, fmt.Errorf("database %s: %w", m.DBPath, err)
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("create backup directory: %w", err)
	}

	name := filePrefix + m.now().Format(stampFmt) + fileSuffix
	dest := filepath.Join(m.Dir, name)
	if _, err := os.Stat(dest); err == nil {
		return Info{}, fmt.Errorf("backup %s already exists", dest)
	}

	db, err := gorm.Open(sqlite.Open(m.DBPath), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return Info{}, fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := db.WithContext(ctx).Exec("VACUUM INTO ?", dest).Error; err != nil {
		return Info{}, fmt.Errorf("vacuum into %s: %w", dest, err)
	}

	info, err := stat(dest)
	if err != nil {
		return Info{}, err
	}
	m.logger.Info().Str("path", info.Path).Int64("bytes", info.Size).Msg("Backup created")
	return info, nil
}

// List returns the backups in Dir, newest first. A missing directory is an
// empty list.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		info, err := stat(filepath.Join(m.Dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// Restore replaces the database with src. The current database is first
// copied to "<db>.backup_<timestamp>", whose path is returned. Stop the
// server before restoring.
func (m *Manager) Restore(src string) (savedAs string, err error) {
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("backup %s: %w", src, err)
	}
	if _, err := os.Stat(m.DBPath); err == nil {
		savedAs = m.DBPath + ".backup_" + m.now().Format(stampFmt)
		if err := copyFile(m.DBPath, savedAs); err != nil {
			return "", fmt.Errorf("save current database: %w", err)
		}
	}
	if err := copyFile(src, m.DBPath); err != nil {
		return savedAs, fmt.Errorf("restore %s: %w", src, err)
	}
	m.logger.Info().Str("from", src).Str("saved_as", savedAs).Msg("Database restored")
	return savedAs, nil
}

// Prune deletes backups last modified more than olderThan ago.
func (m *Manager) Prune(olderThan time.Duration) ([]string, error) {
	backups, err := m.List()
	if err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-olderThan)
	var removed []string
	for _, b := range backups {
		if !b.ModTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(b.Path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", b.Name, err)
		}
		removed = append(removed, b.Name)
	}
	m.logger.Info().Int("removed", len(removed)).Dur("older_than", olderThan).Msg("Old backups pruned")
	return removed, nil
}

func stat(path string) (Info, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}
	return Info{Name: fi.Name(), Path: path, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
