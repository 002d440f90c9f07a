package main

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ricochet1k/wagate/internal/logging"
	"github.com/ricochet1k/wagate/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd, io.Discard)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	fmt.Fprintf(cmd.OutOrStdout(), "Database ready at %s\n", cfg.DatabasePath())
	return nil
}

// openStore opens the configured store, applying migrations. Store logs go
// to logOut.
func openStore(cmd *cobra.Command, logOut io.Writer) (*storage.SQLiteStore, error) {
	logger, err := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	artifacts, err := storage.NewArtifactDir(cfg.CredentialsPath())
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cmd.Context(), cfg.DatabasePath(), artifacts, logrus.NewEntry(logger))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}
