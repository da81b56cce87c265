package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xaenox/autoreply-bot/internal/storage"
	"github.com/xaenox/autoreply-bot/pkg/config"
	"go.uber.org/zap"
)

var (
	exportOut string
	importIn  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the configured store as a JSON document",
	Long: `Export dumps users, channels and wizard states of the configured
database in the JSON document layout. Use it to back up the store or to move
between database drivers together with import.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadForMaintenance()
		if err != nil {
			return err
		}
		defer logger.Sync()

		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		snap, err := store.Snapshot(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to export store: %w", err)
		}
		if exportOut == "" || exportOut == "-" {
			return snap.Write(cmd.OutOrStdout())
		}
		if err := storage.SaveSnapshotFile(exportOut, snap); err != nil {
			return err
		}
		logger.Info("Store exported",
			zap.String("path", exportOut),
			zap.Int("users", len(snap.Users)),
			zap.Int("channels", len(snap.Channels)))
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Replace the configured store with a JSON document",
	Long: `Import loads a JSON document (for example a database.json written by an
earlier version of the bot, or the output of export) into the configured
database. Existing records are replaced.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadForMaintenance()
		if err != nil {
			return err
		}
		defer logger.Sync()

		f, err := os.Open(importIn)
		if err != nil {
			return err
		}
		defer f.Close()

		snap, err := storage.ReadSnapshot(f)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", importIn, err)
		}

		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Restore(cmd.Context(), snap); err != nil {
			return fmt.Errorf("failed to import store: %w", err)
		}
		logger.Info("Store imported",
			zap.String("path", importIn),
			zap.String("driver", cfg.Database.Driver),
			zap.Int("users", len(snap.Users)),
			zap.Int("channels", len(snap.Channels)))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "-", "output file, - for stdout")
	importCmd.Flags().StringVarP(&importIn, "in", "i", "", "JSON document to import")
	_ = importCmd.MarkFlagRequired("in")
}

func loadForMaintenance() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg), nil
}
