package cli

import (
	"context"
	"log"
	"time"

	"live-quiz-service/internal/config"
	"live-quiz-service/internal/infra/memory"
	redisinfra "live-quiz-service/internal/infra/redis"
	"live-quiz-service/internal/presence"
	"live-quiz-service/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// NewSweepCmd runs a one-shot cleanup of stale presence records.
func NewSweepCmd(configPath *string) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete presence records with stale heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), *configPath, maxAge)
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 5*time.Minute, "evict records older than this")
	return cmd
}

func runSweep(ctx context.Context, configPath string, maxAge time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var docs store.Store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		docs = redisinfra.NewStore(client)
	} else {
		// Without Redis the presence collection lives in process memory;
		// a standalone sweep has nothing to clean.
		docs = memory.NewStore()
	}

	tracker := presence.NewTracker(docs, presence.DefaultInterval, presence.DefaultMaxMissed)
	removed, err := tracker.Sweep(ctx, maxAge)
	if err != nil {
		return err
	}
	log.Printf("removed %d stale presence records", removed)
	return nil
}
