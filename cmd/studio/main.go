package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"studio/internal/adapter/repo"
	"studio/internal/domain"
	"studio/internal/gateway"
	"studio/internal/history"
	"studio/internal/infra"
	"studio/internal/orchestrator"
	"studio/internal/storage"
	"studio/internal/tokenpool"
	"studio/internal/tracker"
)

const pollLoopInterval = time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		historyRepo     domain.HistoryRepository
		promptRepo      domain.PromptRepository
		tokenHealthRepo domain.TokenHealthRepository
	)
	switch cfg.StorageBackend {
	case "postgres":
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("studio: db connection failed")
		}
		defer pool.Close()
		if err := repo.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("studio: schema bootstrap failed")
		}
		historyRepo = repo.NewHistoryRepository(pool)
		promptRepo = repo.NewPromptRepository(pool)
		tokenHealthRepo = repo.NewTokenHealthRepository(pool)
	default:
		snapshots, err := storage.NewSnapshotStore(cfg.StoragePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("studio: failed to configure storage")
		}
		historyRepo = snapshots.HistoryRepo()
		promptRepo = snapshots.PromptRepo()
		tokenHealthRepo = snapshots.TokenHealthRepo()
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	providers := make(map[string]orchestrator.Provider)
	for _, pc := range cfg.Providers {
		tokens := tokenpool.Parse(pc.APIKeys)
		if len(tokens) == 0 {
			logger.Debug().Str("provider", pc.ID).Msg("studio: provider has no tokens, skipping")
			continue
		}
		client, err := gateway.NewClient(gateway.Options{
			Provider:   pc.ID,
			BaseURL:    pc.BaseURL,
			Model:      pc.Model,
			Locale:     cfg.Locale,
			HTTPClient: httpClient,
			Logger:     &logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Str("provider", pc.ID).Msg("studio: failed to configure provider")
		}
		pool := tokenpool.New(pc.ID, tokens, tokenHealthRepo, logger)
		pool.Load(ctx)
		providers[pc.ID] = orchestrator.Provider{Gateway: client, Pool: pool}
	}
	if len(providers) == 0 {
		logger.Fatal().Msg("studio: no provider has configured API keys")
	}

	store := history.NewStore(historyRepo, logger, cfg.HistoryTTL)
	if err := store.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("studio: history load failed, starting empty")
	}
	prompts := history.NewPrompts(promptRepo, logger)
	if err := prompts.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("studio: prompt history load failed, starting empty")
	}

	orch := orchestrator.New(providers, store, prompts, logger, orchestrator.Options{
		TransientRetries: cfg.TransientRetries,
		Tracker: tracker.Options{
			Base:        cfg.PollBase,
			Cap:         cfg.PollCap,
			MaxAttempts: cfg.PollMaxAttempts,
			MaxElapsed:  cfg.PollMaxElapsed,
		},
	})

	prompt := strings.TrimSpace(strings.Join(os.Args[1:], " "))
	if prompt == "" {
		logger.Info().Int("history", store.Len()).Msg("studio: no prompt given, resuming pending video polls only")
		resumePending(store, orch)
		runPollLoop(ctx, logger, orch)
		return
	}

	providerID := firstConfigured(cfg, providers)
	job, err := orch.Generate(ctx, orchestrator.Request{
		Provider:    providerID,
		Prompt:      prompt,
		AspectRatio: os.Getenv("ASPECT_RATIO"),
	})
	if err != nil {
		logger.Fatal().Err(err).Str("provider", providerID).Msg("studio: generation failed")
	}
	logger.Info().Str("job_id", job.ID).Str("url", job.URL).Msg("studio: artifact ready")

	if os.Getenv("REQUEST_VIDEO") == "1" {
		if err := orch.RequestVideo(ctx, job.ID, orchestrator.VideoParams{Prompt: prompt}); err != nil {
			logger.Fatal().Err(err).Msg("studio: video submit failed")
		}
		runPollLoop(ctx, logger, orch)
		if final, ok := orch.Current(); ok {
			logger.Info().
				Str("video_status", string(final.VideoStatus)).
				Str("video_url", final.VideoURL).
				Str("video_error", final.VideoError).
				Msg("studio: video finished")
		}
	}
}

// resumePending re-registers polls for jobs persisted mid-generation so a
// restart picks their videos back up.
func resumePending(store *history.Store, orch *orchestrator.Orchestrator) {
	for _, job := range store.All() {
		if job.VideoStatus == domain.VideoStatusGenerating && job.VideoTaskID != "" {
			orch.Tracker().Track(job.ID, job.Provider, job.VideoTaskID)
		}
	}
}

// runPollLoop drives the tracker from a single goroutine until every tracked
// video reaches a terminal state or the process is signalled.
func runPollLoop(ctx context.Context, logger infra.Logger, orch *orchestrator.Orchestrator) {
	ticker := time.NewTicker(pollLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.Canceled) {
				logger.Warn().Err(ctx.Err()).Msg("studio: poll loop stopped")
			}
			return
		case <-ticker.C:
			orch.PollDue(ctx)
			if orch.Tracker().Len() == 0 {
				return
			}
		}
	}
}

func firstConfigured(cfg *infra.Config, providers map[string]orchestrator.Provider) string {
	requested := strings.TrimSpace(os.Getenv("PROVIDER"))
	if requested != "" {
		return requested
	}
	for _, pc := range cfg.Providers {
		if _, ok := providers[pc.ID]; ok {
			return pc.ID
		}
	}
	return ""
}
