package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"custos/catalog"
	"custos/config"
	"custos/storage"
)

// validateCatalogPath rejects traversal attempts before the file is
// opened.
func validateCatalogPath(filename string) error {
	if strings.Contains(filename, "..") {
		return fmt.Errorf("path traversal detected: '..' not allowed in file path")
	}
	if filepath.Clean(filename) == "" {
		return fmt.Errorf("empty file path")
	}
	return nil
}

// NewSeedCmd creates the seed command, which imports a framework
// catalog into the local database.
func NewSeedCmd() *cobra.Command {
	var showProgress bool

	cmd := &cobra.Command{
		Use:   "seed <catalog-file>",
		Short: "Import a framework catalog",
		Long: `Import compliance frameworks and their controls from a YAML or JSON
catalog file. Frameworks that already exist are skipped, so re-running
a seed is safe.`,
		Args: cobra.ExactArgs(1),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			if err := validateCatalogPath(args[0]); err != nil {
				return err
			}

			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			sugar := logger.Sugar()
			defer logger.Sync()

			cat, err := catalog.LoadFile(args[0], sugar)
			if err != nil {
				return err
			}

			sqlite, err := storage.NewSQLite(cfg.Storage.SQLitePath, sugar)
			if err != nil {
				return fmt.Errorf("failed to initialize SQLite: %w", err)
			}
			defer sqlite.Close()

			compliance := storage.NewSQLiteComplianceStorage(sqlite, sugar)

			if !quiet {
				infoColor.Printf("Importing catalog: %s\n", args[0])
			}

			var s *spinner.Spinner
			if showProgress && !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Importing frameworks..."
				s.Start()
			}

			result, err := catalog.Import(ctx, compliance, compliance, cat, sugar)

			if s != nil {
				s.Stop()
			}

			if err != nil {
				return fmt.Errorf("failed to import catalog: %w", err)
			}

			if outputJSON {
				return outputAsJSON(result)
			}

			successColor.Printf("Imported %d frameworks (%d controls), skipped %d existing\n",
				result.FrameworksCreated, result.ControlsCreated, result.FrameworksSkipped)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	return cmd
}
