package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ecmigrate/internal/app"
	"ecmigrate/internal/config"
	"ecmigrate/internal/logger"
	"ecmigrate/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ecmigrate",
	Short: "Migrate a folder/document hierarchy between content repositories",
	Long:  `A checkpointed, resumable migration pipeline for enterprise content repositories: discovers source folders and documents, stages them in a durable work queue, prepares the destination folder structure, and moves documents with bounded concurrency.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the migration pipeline",
	RunE:  runMigration,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-phase checkpoint status",
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset all phase checkpoints (queue data is kept)",
	RunE:  runReset,
}

var resetPhaseCmd = &cobra.Command{
	Use:   "reset-phase <phase>",
	Short: "Reset a single phase checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runResetPhase,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Repository flags
	runCmd.Flags().String("repo-url", "", "Repository API base URL")
	runCmd.Flags().String("repo-token", "", "Repository API bearer token")

	// Scope flags
	runCmd.Flags().String("source-root", "", "Source root folder id")
	runCmd.Flags().String("folder-filter", "", "Source folder name prefix filter")
	runCmd.Flags().StringSlice("doc-types", nil, "Document type codes (document-first strategy)")
	runCmd.Flags().String("target-root", "", "Destination root folder id")

	// Migration flags
	runCmd.Flags().String("strategy", config.StrategyFolderFirst, "Discovery strategy (folder-first/document-first)")
	runCmd.Flags().String("staging-db", "./staging.db", "Staging database file")
	runCmd.Flags().Int("page-size", 500, "Remote listing page size")
	runCmd.Flags().Int("batch-size", 200, "Work queue claim batch size")
	runCmd.Flags().Int("move-parallelism", 16, "Concurrent move operations")
	runCmd.Flags().Int("prepare-parallelism", 30, "Concurrent folder creations")
	runCmd.Flags().Int("idle-delay-ms", 2000, "Delay between empty queue polls in milliseconds")
	runCmd.Flags().Int("empty-poll-limit", 3, "Consecutive empty polls before the move loop completes")
	runCmd.Flags().Int("stuck-timeout-min", 10, "Minutes before an in-progress item is considered abandoned")
	runCmd.Flags().String("metrics-addr", "", "Prometheus metrics listen address (disabled when empty)")
	runCmd.Flags().Bool("dry-run", false, "Discover and stage without preparing or moving")
	runCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")

	rootCmd.AddCommand(runCmd, statusCmd, resetCmd, resetPhaseCmd)
}

func setup(cmd *cobra.Command) (*app.Migrator, *zap.Logger, context.Context, context.CancelFunc, error) {
	var err error
	cfg, err = config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	migrator, err := app.New(ctx, cfg, log)
	if err != nil {
		cancel()
		return nil, nil, nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return migrator, log, ctx, cancel, nil
}

func runMigration(cmd *cobra.Command, args []string) error {
	migrator, log, ctx, cancel, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer log.Sync()

	err = migrator.Run(ctx)

	if closeErr := migrator.Close(); closeErr != nil {
		log.Error("Error closing migrator", zap.Error(closeErr))
	}

	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	migrator, log, ctx, cancel, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer log.Sync()
	defer migrator.Close()

	status, err := migrator.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Current phase: %s (%s)\n", status.CurrentPhase, status.CurrentStatus)
	fmt.Printf("Elapsed: %s  Estimated remaining: %s  Total processed: %d\n\n",
		status.Elapsed.Round(time.Second), status.EstimatedRemaining.Round(time.Second), status.TotalProcessed)

	fmt.Printf("%-22s %-12s %10s %10s  %s\n", "PHASE", "STATUS", "PROCESSED", "TOTAL", "ERROR")
	for _, cp := range status.Phases {
		fmt.Printf("%-22s %-12s %10d %10d  %s\n",
			cp.Phase, cp.Status, cp.TotalProcessed, cp.TotalItems, cp.ErrorMessage)
	}

	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	migrator, log, ctx, cancel, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer log.Sync()
	defer migrator.Close()

	return migrator.Reset(ctx)
}

func runResetPhase(cmd *cobra.Command, args []string) error {
	migrator, log, ctx, cancel, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer log.Sync()
	defer migrator.Close()

	phase, err := parsePhase(args[0])
	if err != nil {
		return err
	}

	return migrator.ResetPhase(ctx, phase)
}

func parsePhase(s string) (store.Phase, error) {
	switch strings.ToUpper(strings.ReplaceAll(s, "-", "_")) {
	case "DOCUMENT_SEARCH":
		return store.PhaseDocumentSearch, nil
	case "FOLDER_DISCOVERY":
		return store.PhaseFolderDiscovery, nil
	case "DOCUMENT_DISCOVERY":
		return store.PhaseDocumentDiscovery, nil
	case "FOLDER_PREPARATION":
		return store.PhaseFolderPreparation, nil
	case "MOVE":
		return store.PhaseMove, nil
	default:
		return "", fmt.Errorf("unknown phase: %q", s)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
