package cli

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"live-quiz-service/internal/config"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
	pginfra "live-quiz-service/internal/infra/postgres"
	redisinfra "live-quiz-service/internal/infra/redis"
	"live-quiz-service/internal/journal"
	"live-quiz-service/internal/live"
	"live-quiz-service/internal/presence"
	"live-quiz-service/internal/store"
	transport "live-quiz-service/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the live quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pginfra.NewQuizLoader(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizzes live.QuizRepository
	if redisClient != nil {
		quizzes = redisinfra.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizzes = memory.NewQuizRepository(loader, quizTTL)
	}

	var docs store.Store
	if redisClient != nil {
		docs = redisinfra.NewStore(redisClient)
	} else {
		docs = memory.NewStore()
	}

	coordinator := live.NewCoordinator(docs, quizzes)

	if cfg.Live.JournalPath != "" {
		wal, err := journal.Open(cfg.Live.JournalPath)
		if err != nil {
			return err
		}
		defer wal.Close()
		coordinator.AttachJournal(wal)
	}

	if cfg.Postgres.URL != "" {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		bunDB := bun.NewDB(sqldb, pgdialect.New())
		defer bunDB.Close()
		coordinator.AttachResultSink(pginfra.NewResultArchiver(bunDB))
	}

	heartbeat := config.TTLDuration(cfg.Presence.HeartbeatInterval, presence.DefaultInterval)
	tracker := presence.NewTracker(docs, heartbeat, cfg.Presence.MaxMissedHeartbeats)
	sweepAge := config.TTLDuration(cfg.Presence.SweepMaxAge, 5*time.Minute)
	sweepEvery := config.TTLDuration(cfg.Presence.SweepInterval, time.Minute)
	go runSweeper(ctx, tracker, sweepAge, sweepEvery)

	wsHandler := transport.NewWSHandler(coordinator)
	timeLimit := cfg.Live.QuestionTimeLimit
	if timeLimit <= 0 {
		timeLimit = 30
	}
	apiHandler := transport.NewAPIHandler(coordinator, timeLimit)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	apiHandler.Register(mux)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting live quiz service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runSweeper periodically evicts stale presence records. The heartbeat loops
// are client-side best effort; this sweep is the correctness backstop.
func runSweeper(ctx context.Context, tracker *presence.Tracker, maxAge, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := tracker.Sweep(ctx, maxAge)
			if err != nil {
				log.Printf("presence sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("presence sweep removed %d stale records", removed)
			}
		}
	}
}

// sampleQuizzes provides minimal quiz data for running without Postgres.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:   "quiz-1",
			Name: "Warmup Quiz",
			Questions: []domain.Question{
				{
					Text:    "What is 2 + 2?",
					Options: []string{"3", "4", "5"},
					Answer:  "4",
				},
				{
					Text:    "Which planet is known as the red planet?",
					Options: []string{"Venus", "Mars", "Jupiter"},
					Answer:  "Mars",
				},
			},
		},
	}
}
