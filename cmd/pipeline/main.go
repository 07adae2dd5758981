package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zatekoja/datasearch/internal/infrastructure/observability"
	"github.com/zatekoja/datasearch/pkg/config"
	"github.com/zatekoja/datasearch/pkg/secrets"
)

var (
	cfg          *config.Config
	metrics      *observability.PipelineMetrics
	shutdownOTEL func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Dataset discovery ingestion pipeline",
	Long: `Ingests dataset metadata from Kaggle and HuggingFace, enriches it through
the catalog APIs, generates embeddings and syncs the search index.

Every stage is safe to rerun. Results are printed as JSON.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		vaultPath, _ := cmd.Flags().GetString("vault-path")

		if _, err := secrets.ApplyVaultSecrets(cmd.Context(), secrets.LoadVaultConfigFromEnv(vaultPath)); err != nil {
			return fmt.Errorf("failed to load vault secrets: %w", err)
		}

		var envFiles []string
		if envFile != "" {
			envFiles = append(envFiles, envFile)
		}
		loaded, err := config.Load(envFiles...)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded

		observability.InitLogger(cfg.OTEL.ServiceName, cfg.Environment)

		if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
			shutdown, err := observability.Setup(cmd.Context(), cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to set up OpenTelemetry")
			} else {
				shutdownOTEL = shutdown
				observability.EnableOTLPLogs(cfg.OTEL.ServiceName)
			}
		}

		metrics, err = observability.InitPipelineMetrics()
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("store", storePostgres, "record store: postgres or memory (dry run)")
	rootCmd.PersistentFlags().String("env-file", "", "optional .env file")
	rootCmd.PersistentFlags().String("vault-path", "", "Vault KV path overriding VAULT_PATH")

	rootCmd.AddCommand(seedCmd, fetchLatestCmd, enrichCmd, embedCmd, indexCmd, statsCmd, releaseLeasesCmd, migrateCmd, watchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()

	if shutdownOTEL != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := shutdownOTEL(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("Error shutting down OpenTelemetry")
		}
		cancel()
	}

	if err != nil {
		os.Exit(1)
	}
}
