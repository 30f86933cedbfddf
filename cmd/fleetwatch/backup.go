package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/skypass/fleetwatch/internal/backup"
	"github.com/skypass/fleetwatch/internal/config"
)

var pruneDays int

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage sqlite database backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write an online copy of the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := backupManager()
		if err != nil {
			return err
		}
		info, err := m.Create(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Backup created: %s (%d bytes)\n", info.Path, info.Size)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := backupManager()
		if err != nil {
			return err
		}
		backups, err := m.List()
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			cmd.Println("No backups found in", m.Dir)
			return nil
		}
		for _, b := range backups {
			cmd.Printf("%s\t%s\t%d\n", b.Name, b.ModTime.Format(time.RFC3339), b.Size)
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:     "restore <file>",
	Short:   "Replace the database with a backup (stop the server first)",
	Example: "fleetwatch backup restore backups/fleetwatch_backup_20250101_120000.db",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := backupManager()
		if err != nil {
			return err
		}
		savedAs, err := m.Restore(args[0])
		if err != nil {
			return err
		}
		if savedAs != "" {
			cmd.Println("Previous database saved as", savedAs)
		}
		cmd.Println("Database restored from", args[0])
		return nil
	},
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete backups older than the retention period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(nil)
		if err != nil {
			return err
		}
		m, err := newBackupManager(cfg, logger)
		if err != nil {
			return err
		}
		olderThan := cfg.Backup.Retention
		if cmd.Flags().Changed("days") {
			if pruneDays < 0 {
				return fmt.Errorf("--days must not be negative, got %d", pruneDays)
			}
			olderThan = time.Duration(pruneDays) * 24 * time.Hour
		}
		removed, err := m.Prune(olderThan)
		for _, name := range removed {
			cmd.Println("Removed", name)
		}
		return err
	},
}

func init() {
	backupPruneCmd.Flags().IntVar(&pruneDays, "days", 30, "Remove backups older than this many days instead of backup.retention")
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd, backupPruneCmd)
	rootCmd.AddCommand(backupCmd)
}

func backupManager() (*backup.Manager, error) {
	cfg, logger, err := setup(nil)
	if err != nil {
		return nil, err
	}
	return newBackupManager(cfg, logger)
}

func newBackupManager(cfg *config.Config, logger zerolog.Logger) (*backup.Manager, error) {
	if cfg.Database.Driver != "sqlite" {
		return nil, fmt.Errorf("backups support the sqlite driver only, configured driver is %q", cfg.Database.Driver)
	}
	return backup.New(cfg.Database.Path, cfg.Backup.Dir, logger), nil
}
