package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"studio/internal/infra"
	"studio/internal/storage"
	"studio/internal/tokenpool"
)

// Prints per-provider token pool usability for the current day.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	ctx := context.Background()

	snapshots, err := storage.NewSnapshotStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("tokens: failed to open storage")
	}

	exitCode := 0
	for _, pc := range cfg.Providers {
		tokens := tokenpool.Parse(pc.APIKeys)
		pool := tokenpool.New(pc.ID, tokens, snapshots.TokenHealthRepo(), logger)
		pool.Load(ctx)
		stats := pool.Stats()
		state := "usable"
		if !stats.Usable() {
			state = "unusable today"
			if stats.Total > 0 {
				exitCode = 1
			}
		}
		fmt.Printf("%-10s total=%d active=%d exhausted=%d (%s)\n",
			pc.ID, stats.Total, stats.Active, stats.Exhausted, state)
	}
	os.Exit(exitCode)
}
