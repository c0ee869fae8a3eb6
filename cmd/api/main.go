package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"libraryapi/internal/author"
	"libraryapi/internal/blob"
	"libraryapi/internal/circulation"
	"libraryapi/internal/config"
	"libraryapi/internal/enrich"
	"libraryapi/internal/entity"
	"libraryapi/internal/httpx"
	"libraryapi/internal/ingest"
	"libraryapi/internal/notify"
	"libraryapi/internal/platform/openlibrary"
	"libraryapi/internal/store"
	"libraryapi/internal/validation"
	"libraryapi/internal/wishlist"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
)

func main() {
	config.LoadEnvFiles()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st    store.Store
		runs  ingest.RunRepository
		ready func(context.Context) error
	)
	if cfg.DatabaseDSN != "" {
		dbPool := mustOpenDB(cfg.DatabaseDSN)
		defer dbPool.Close()
		st = store.NewPostgres(dbPool, cfg.DBTimeout)
		runs = ingest.NewPostgresRunRepo(dbPool, cfg.DBTimeout)
		ready = dbPool.Ping
	} else {
		log.Println("DB_DSN not set, using in-memory store")
		mem := store.NewMemory()
		for _, u := range parseUsers(cfg.DevUsers) {
			mem.PutUser(u)
		}
		st = mem
		runs = ingest.NewMemoryRunRepo()
	}

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}
	log.Printf("blob store driver=%s", blobs.Driver())

	notifier := notify.NewAsync(notify.LogNotifier{From: cfg.NotifyFrom}, cfg.NotifyTimeout)

	pipeline := ingest.NewPipeline(st, validation.NewRowValidator(nil), author.NewResolver(), cfg.BatchSize)
	scheduler := ingest.NewScheduler(pipeline, runs, blobs, notifier, ingest.SchedulerConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		RetryBase:  cfg.RetryBase,
		Lease:      cfg.IngestLease,
	})
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("ingest scheduler: %v", err)
	}
	defer scheduler.Stop()

	engine := circulation.NewEngine(st, notifier, cfg.LoanPeriod)
	lookup := openlibrary.NewClient(cfg.OpenLibraryAgent, cfg.OpenLibraryRPS, cfg.OpenLibraryRetries)
	enricher := enrich.NewService(st, lookup, cfg.AWSAssociateID, cfg.EnrichBatchSize)
	limiter := httpx.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	jobs := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := jobs.AddFunc(cfg.EnrichSchedule, func() {
		if _, err := enricher.Run(ctx); err != nil {
			log.Printf("enrich job err=%v", err)
		}
	}); err != nil {
		log.Fatalf("enrich schedule %q: %v", cfg.EnrichSchedule, err)
	}
	if _, err := jobs.AddFunc("@every 1m", func() {
		if err := scheduler.Recover(ctx); err != nil {
			log.Printf("ingest recover err=%v", err)
		}
	}); err != nil {
		log.Fatalf("ingest recover schedule: %v", err)
	}
	if _, err := jobs.AddFunc("@every 10m", limiter.Sweep); err != nil {
		log.Fatalf("rate limiter sweep: %v", err)
	}
	jobs.Start()
	defer jobs.Stop()

	router := newRouter(handlers{
		imports:     ingest.NewHTTPHandler(scheduler, blobs),
		circulation: circulation.NewHTTPHandler(engine),
		wishlist:    wishlist.NewHTTPHandler(wishlist.NewService(st)),
		enrich:      enrich.NewHTTPHandler(enricher),
	}, routerConfig{
		jwtSecret:      cfg.JWTSecret,
		maxUploadBytes: cfg.MaxUploadMB << 20,
		limiter:        limiter,
		ready:          ready,
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown err=%v", err)
		}
	}()

	log.Printf("Starting server on %s", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	log.Println("server stopped")
}

// parseUsers reads "id:username:role" entries separated by commas. Malformed
// entries are skipped.
func parseUsers(list string) []entity.User {
	var users []entity.User
	for _, item := range strings.Split(list, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 3 || parts[0] == "" {
			continue
		}
		role := strings.ToUpper(parts[2])
		if role != entity.RoleAdmin {
			role = entity.RoleUser
		}
		users = append(users, entity.User{ID: parts[0], Username: parts[1], Role: role, CreatedAt: time.Now().UTC()})
	}
	return users
}

func mustOpenDB(dsn string) *pgxpool.Pool {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("cannot create db pool: %v", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		log.Fatalf("cannot ping database (%s): %v", redactDSN(dsn), err)
	}
	log.Println("database connection OK")
	return pool
}

func redactDSN(dsn string) string {
	const marker = "://"
	start := strings.Index(dsn, marker)
	if start < 0 {
		return dsn
	}
	start += len(marker)
	end := strings.Index(dsn[start:], "@")
	if end < 0 {
		return dsn
	}
	return dsn[:start] + "***" + dsn[start+end:]
}
