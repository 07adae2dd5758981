package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zatekoja/datasearch/internal/application/services"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/providers"
)

// allSources labels stages that span every catalog
const allSources entities.Source = "all"

type stageOutput struct {
	Source entities.Source              `json:"source"`
	Stage  entities.Stage               `json:"stage"`
	Status entities.PipelineEventStatus `json:"status"`
	Result any                          `json:"result,omitempty"`
	Error  string                       `json:"error,omitempty"`
}

type sourceReport struct {
	Stats  *entities.SourceStats           `json:"stats"`
	Stages []entities.EnrichmentStageStats `json:"stages"`
	Errors []entities.ErrorStats           `json:"errors"`
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed MINIMAL Kaggle records from the Meta Kaggle export",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		batchSize := intFlag(cmd, "batch-size", cfg.Pipeline.SeedBatchSize)
		force, _ := cmd.Flags().GetBool("force")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			p := a.kaggleProcessor()
			out, err := runStage(ctx, a, entities.SourceKaggle, entities.StageSeed,
				func(ctx context.Context) (*entities.IngestionResult, error) {
					return p.SeedFromCSV(ctx, batchSize, force)
				})
			return report(cmd, []stageOutput{out}, err)
		})
	},
}

var fetchLatestCmd = &cobra.Command{
	Use:   "fetch-latest",
	Short: "Fetch recently listed datasets as PENDING records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := sourcesFlag(cmd)
		if err != nil {
			return err
		}
		sortBy, _ := cmd.Flags().GetString("sort-by")
		if sortBy == "" {
			sortBy = cfg.Pipeline.KaggleLatestSortBy
		}
		daysBack := intFlag(cmd, "days-back", cfg.Pipeline.HFDaysBack)

		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				outputs []stageOutput
				errs    []error
			)
			for _, source := range sources {
				var (
					out stageOutput
					err error
				)
				switch source {
				case entities.SourceKaggle:
					p := a.kaggleProcessor()
					limit := intFlag(cmd, "limit", cfg.Pipeline.FetchLimit)
					out, err = runStage(ctx, a, source, entities.StageFetchLatest,
						func(ctx context.Context) (*entities.IngestionResult, error) {
							return p.FetchLatest(ctx, limit, sortBy)
						})
				case entities.SourceHuggingFace:
					p := a.huggingFaceProcessor()
					limit := intFlag(cmd, "limit", cfg.Pipeline.HFFetchLimit)
					since := modifiedSince(daysBack)
					out, err = runStage(ctx, a, source, entities.StageFetchLatest,
						func(ctx context.Context) (*entities.IngestionResult, error) {
							return p.FetchAndStore(ctx, limit, since)
						})
				}
				outputs = append(outputs, out)
				errs = append(errs, err)
			}
			return report(cmd, outputs, errors.Join(errs...))
		})
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich MINIMAL and PENDING records through the catalog APIs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := sourcesFlag(cmd)
		if err != nil {
			return err
		}
		batchSize := intFlag(cmd, "batch-size", cfg.Pipeline.EnrichBatchSize)
		maxAttempts := intFlag(cmd, "max-attempts", cfg.Pipeline.MaxAttempts)

		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				outputs []stageOutput
				errs    []error
			)
			for _, source := range sources {
				enrich := a.enricher(source)
				out, err := runStage(ctx, a, source, entities.StageEnrich,
					func(ctx context.Context) (*entities.EnrichmentRunResult, error) {
						return enrich(ctx, batchSize, maxAttempts)
					})
				outputs = append(outputs, out)
				errs = append(errs, err)
			}
			return report(cmd, outputs, errors.Join(errs...))
		})
	},
}

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Generate embeddings for enriched records without one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		batchSize := intFlag(cmd, "batch-size", cfg.Pipeline.EmbedBatchSize)

		return withApp(cmd, func(ctx context.Context, a *app) error {
			svc, err := a.embeddingService()
			if err != nil {
				return err
			}
			out, err := runStage(ctx, a, allSources, entities.StageEmbed, func(ctx context.Context) (*entities.EmbeddingResult, error) {
				return svc.ProcessBatch(ctx, batchSize)
			})
			return report(cmd, []stageOutput{out}, err)
		})
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Sync embedded records into the Typesense collection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 0 {
			return errors.New("--interval must not be negative")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			svc, err := a.indexingService()
			if err != nil {
				return err
			}
			defer svc.Release()

			for {
				out, err := runStage(ctx, a, allSources, entities.StageIndex, func(ctx context.Context) (*entities.IndexResult, error) {
					return svc.IndexEmbedded(ctx, limit)
				})
				if interval == 0 {
					return report(cmd, []stageOutput{out}, err)
				}
				if perr := printJSON(cmd, out); perr != nil {
					return perr
				}
				if err != nil {
					log.Error().Err(err).Msg("Index sync failed")
				}

				log.Info().Dur("interval", interval).Msg("Index sync complete, waiting for next run")
				select {
				case <-ctx.Done():
					log.Info().Msg("Index sync shutting down")
					return nil
				case <-time.After(interval):
				}
			}
		})
	},
}

var releaseLeasesCmd = &cobra.Command{
	Use:   "release-leases",
	Short: "Return ENRICHING records whose lease expired to the queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := sourcesFlag(cmd)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				outputs []stageOutput
				errs    []error
			)
			for _, source := range sources {
				release := a.leaseReleaser(source)
				out, err := runStage(ctx, a, source, entities.StageReleaseLeases, func(ctx context.Context) (map[string]int, error) {
					n, err := release(ctx)
					return map[string]int{"released": n}, err
				})
				outputs = append(outputs, out)
				errs = append(errs, err)
			}
			return report(cmd, outputs, errors.Join(errs...))
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-status counts and enrichment log aggregates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := sourcesFlag(cmd)
		if err != nil {
			return err
		}
		errorLimit, _ := cmd.Flags().GetInt("errors")
		fresh, _ := cmd.Flags().GetBool("fresh")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			reports := make(map[entities.Source]sourceReport, len(sources))
			for _, source := range sources {
				getStats := a.stats.GetSourceStats
				if fresh {
					getStats = a.stats.RefreshSourceStats
				}
				stats, err := getStats(ctx, source)
				if err != nil {
					return err
				}
				stages, err := a.stats.StageStats(ctx, source)
				if err != nil {
					return err
				}
				errs, err := a.stats.ErrorStats(ctx, source, errorLimit)
				if err != nil {
					return err
				}
				reports[source] = sourceReport{Stats: stats, Stages: stages, Errors: errs}
			}
			return printJSON(cmd, reports)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded PostgreSQL schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetUint("version")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.pg == nil {
				return errors.New("migrate requires --store=postgres")
			}
			return a.pg.Migrate(version)
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream pipeline run events as JSON lines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		channel := providers.EventChannelPipelineRuns
		if s, _ := cmd.Flags().GetString("source"); s != "" {
			source, err := entities.ParseSource(s)
			if err != nil {
				return err
			}
			channel = providers.GetSourceChannel(source)
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.events == nil {
				return errors.New("watch requires REDIS_ENABLED=true")
			}
			events, err := a.events.Subscribe(ctx, channel)
			if err != nil {
				return err
			}
			log.Info().Str("channel", channel).Msg("Watching pipeline events")

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-events:
					if !ok {
						return nil
					}
					if err := enc.Encode(event); err != nil {
						return err
					}
				}
			}
		})
	},
}

func init() {
	seedCmd.Flags().Int("batch-size", services.DefaultSeedBatchSize, "rows per upsert batch")
	seedCmd.Flags().Bool("force", false, "download the export even when a fresh copy is cached")

	fetchLatestCmd.Flags().String("source", "", "kaggle or huggingface (default all)")
	fetchLatestCmd.Flags().Int("limit", services.DefaultFetchLimit, "maximum datasets to fetch per source")
	fetchLatestCmd.Flags().String("sort-by", "", "Kaggle listing order")
	fetchLatestCmd.Flags().Int("days-back", 0, "HuggingFace lookback window in days (0 fetches all)")

	enrichCmd.Flags().String("source", "", "kaggle or huggingface (default all)")
	enrichCmd.Flags().Int("batch-size", services.DefaultEnrichBatchSize, "records per run")
	enrichCmd.Flags().Int("max-attempts", services.DefaultMaxAttempts, "attempt ceiling per record")

	embedCmd.Flags().Int("batch-size", services.DefaultEmbedBatchSize, "records per run")

	indexCmd.Flags().Int("limit", 0, "maximum records to index (0 indexes all)")
	indexCmd.Flags().Duration("interval", 0, "repeat the sync at this interval (e.g. 6h, 30m)")

	releaseLeasesCmd.Flags().String("source", "", "kaggle or huggingface (default all)")

	statsCmd.Flags().String("source", "", "kaggle or huggingface (default all)")
	statsCmd.Flags().Int("errors", 10, "number of error types to list")
	statsCmd.Flags().Bool("fresh", false, "recompute counts instead of reading the stats cache")

	migrateCmd.Flags().Uint("version", 0, "target schema version (0 applies all)")

	watchCmd.Flags().String("source", "", "only events for this source")
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func (a *app) enricher(source entities.Source) func(ctx context.Context, batchSize, maxAttempts int) (*entities.EnrichmentRunResult, error) {
	if source == entities.SourceHuggingFace {
		return a.huggingFaceProcessor().EnrichPending
	}
	return a.kaggleProcessor().EnrichPending
}

func (a *app) leaseReleaser(source entities.Source) func(ctx context.Context) (int, error) {
	if source == entities.SourceHuggingFace {
		return a.huggingFaceProcessor().ReleaseStaleLeases
	}
	return a.kaggleProcessor().ReleaseStaleLeases
}

// runStage wraps services.RunStage. A stage held by another worker is
// reported as skipped rather than failed.
func runStage[T any](
	ctx context.Context,
	a *app,
	source entities.Source,
	stage entities.Stage,
	fn func(ctx context.Context) (T, error),
) (stageOutput, error) {
	out := stageOutput{Source: source, Stage: stage}

	result, err := services.RunStage(ctx, a.runner, source, stage, fn)
	switch {
	case errors.Is(err, providers.ErrStageLocked):
		log.Warn().Str("source", string(source)).Str("stage", string(stage)).Msg("Stage already running elsewhere, skipping")
		out.Status = entities.PipelineEventSkipped
		return out, nil
	case err != nil:
		out.Status = entities.PipelineEventFailed
		out.Result = result
		out.Error = err.Error()
		return out, err
	}

	out.Status = entities.PipelineEventCompleted
	out.Result = result
	return out, nil
}

func report(cmd *cobra.Command, outputs []stageOutput, err error) error {
	if perr := printJSON(cmd, outputs); perr != nil {
		return perr
	}
	return err
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func intFlag(cmd *cobra.Command, name string, fallback int) int {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetInt(name)
		return v
	}
	return fallback
}

func sourcesFlag(cmd *cobra.Command) ([]entities.Source, error) {
	s, _ := cmd.Flags().GetString("source")
	if s == "" || s == string(allSources) {
		return entities.AllSources(), nil
	}
	source, err := entities.ParseSource(s)
	if err != nil {
		return nil, fmt.Errorf("--source: %w", err)
	}
	return []entities.Source{source}, nil
}

func modifiedSince(daysBack int) *time.Time {
	if daysBack <= 0 {
		return nil
	}
	t := time.Now().UTC().AddDate(0, 0, -daysBack)
	return &t
}
