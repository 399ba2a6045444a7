package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"live-quiz-service/internal/domain"
	pgloader "live-quiz-service/internal/infra/postgres"
	pgmigrations "live-quiz-service/internal/infra/postgres/migrations"
	infraredis "live-quiz-service/internal/infra/redis"
	"live-quiz-service/internal/live"
	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

func TestLiveSessionEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	bunDB := openBun(t, ctx, pgURL)
	defer bunDB.Close()
	seedQuiz(t, ctx, bunDB, sampleQuiz())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	docs := infraredis.NewStore(redisClient)
	quizzes := infraredis.NewQuizRepository(redisClient, pgloader.NewQuizLoader(pool), 5*time.Minute)
	coordinator := live.NewCoordinator(docs, quizzes)
	coordinator.AttachResultSink(pgloader.NewResultArchiver(bunDB))

	session, err := coordinator.CreateSession(ctx, "quiz-1", "host-1", "Ms. Rivera", domain.SessionSettings{}, 30)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := coordinator.JoinSession(ctx, session.SessionCode, "u1", "Alice"); err != nil {
		t.Fatalf("join u1: %v", err)
	}
	if _, err := coordinator.JoinSession(ctx, session.SessionCode, "u2", "Bob"); err != nil {
		t.Fatalf("join u2: %v", err)
	}

	if err := coordinator.StartQuiz(ctx, session.SessionID); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := coordinator.SubmitAnswer(ctx, session.SessionID, "u1", 0, "4", sampleQuiz().Questions[0])
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.IsCorrect || result.NewScore != 1 {
		t.Fatalf("expected correct answer scoring 1, got %+v", result)
	}

	// Advancing auto-submits the silent participant.
	if err := coordinator.NextQuestion(ctx, session.SessionID, 0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := coordinator.EndSession(ctx, session.SessionID); err != nil {
		t.Fatalf("end: %v", err)
	}

	ended, err := coordinator.GetSession(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if ended.Phase != domain.PhaseCompleted {
		t.Fatalf("expected completed session, got %s", ended.Phase)
	}

	participants, err := coordinator.ListParticipants(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(participants))
	}
	for _, p := range participants {
		// Question 0 on advance, question 1 on end; everyone holds 2 records.
		if p.QuestionsAnswered != 2 {
			t.Fatalf("expected %s to hold 2 answers, got %d", p.UserID, p.QuestionsAnswered)
		}
	}

	// The archiver wrote one Postgres row per participant.
	archived, err := bunDB.NewSelect().
		Table("session_results").
		Where("session_id = ?", session.SessionID).
		Count(ctx)
	if err != nil {
		t.Fatalf("count archived results: %v", err)
	}
	if archived != 2 {
		t.Fatalf("expected 2 archived rows, got %d", archived)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func openBun(t *testing.T, ctx context.Context, dsn string) *bun.DB {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedQuiz(t *testing.T, ctx context.Context, db *bun.DB, quiz domain.Quiz) {
	t.Helper()
	data, err := json.Marshal(quiz)
	if err != nil {
		t.Fatalf("marshal quiz: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO quizzes (id, data) VALUES (?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`, quiz.ID, string(data)); err != nil {
		t.Fatalf("insert quiz: %v", err)
	}
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:   "quiz-1",
		Name: "Arithmetic",
		Questions: []domain.Question{
			{
				Text:    "What is 2 + 2?",
				Options: []string{"3", "4", "5"},
				Answer:  "4",
			},
			{
				Text:    "What is 3 + 3?",
				Options: []string{"5", "6", "7"},
				Answer:  "6",
			},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
