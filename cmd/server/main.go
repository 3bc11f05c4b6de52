package main // Entry point package

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/auth-service/internal/auth"
	"github.com/iliyamo/auth-service/internal/config" // Internal config loader
	"github.com/iliyamo/auth-service/internal/database"
	"github.com/iliyamo/auth-service/internal/handler"
	"github.com/iliyamo/auth-service/internal/kv"
	"github.com/iliyamo/auth-service/internal/logging"
	"github.com/iliyamo/auth-service/internal/metrics"
	"github.com/iliyamo/auth-service/internal/middleware"
	"github.com/iliyamo/auth-service/internal/model"
	"github.com/iliyamo/auth-service/internal/queue"
	"github.com/iliyamo/auth-service/internal/repository"
	"github.com/iliyamo/auth-service/internal/router" // Internal router setup
	"github.com/iliyamo/auth-service/internal/session"
	"github.com/iliyamo/auth-service/internal/utils"
)

func main() {
	cfg, err := config.Load() // Load environment config
	if err != nil {
		bootLog := logging.New(logging.Config{Level: "info", Format: "json"}, "auth-service")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.Logging(), "auth-service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	ready := map[string]handler.Pinger{}

	var db *sql.DB
	if cfg.NeedsDatabase() {
		var err error
		db, err = database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			return err
		}
		defer db.Close()
		ready["mysql"] = db.PingContext
	}

	// Sessions and lockout counters.
	var store kv.Store
	var rdb *redis.Client
	switch cfg.StoreBackend {
	case config.BackendRedis:
		var err error
		rdb, err = config.NewRedisClient(cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		store = kv.NewRedisStore(rdb, cfg.Redis.Prefix)
	case config.BackendMySQL:
		store = kv.NewMySQLStore(db)
	default:
		log.Warn().Msg("memory store: sessions and lockouts are not shared between instances")
		store = kv.NewMemoryStore()
	}
	if s, ok := store.(kv.Sweeper); ok {
		sweepLog := logging.Component(log, "kv")
		go kv.RunSweeper(ctx, s, cfg.SweepInterval, func(err error) {
			sweepLog.Warn().Err(err).Msg("sweep failed")
		})
	}

	// Principals and roles.
	var accounts repository.AccountStore
	if cfg.CredentialBackend == config.BackendMySQL {
		accounts = repository.NewPrincipalRepo(db)
	} else {
		mem := repository.NewMemoryStore()
		for _, r := range devRoles(cfg.DefaultRoles) {
			mem.PutRole(r)
		}
		accounts = mem
	}

	keys, err := cfg.SigningKeys()
	if err != nil {
		return err
	}
	hasher, err := utils.NewHasher(cfg.PasswordConfig())
	if err != nil {
		return err
	}
	lim, err := cfg.Lockout.NewLimiter(store)
	if err != nil {
		return err
	}

	var notifier auth.Notifier = queue.LogNotifier{Log: logging.Component(log, "events"), ExposeTokens: cfg.Env == "dev"}
	if cfg.RabbitURL != "" {
		pub := queue.NewPublisher(cfg.RabbitURL, cfg.EventsQueue, logging.Component(log, "publisher"))
		defer pub.Close()
		notifier = pub
	}

	m := metrics.New()
	engine, err := auth.New(auth.Deps{
		Store:    accounts,
		Hasher:   hasher,
		Codec:    utils.NewCodec(keys, cfg.JWTIssuer),
		Limiter:  lim,
		Sessions: session.New(store, cfg.RefreshTTL),
	}, auth.Config{
		AccessTTL:           cfg.AccessTTL,
		StoreTimeout:        cfg.StoreTimeout,
		RequireVerification: cfg.RequireVerification,
		DefaultRoles:        cfg.DefaultRoles,
		VerificationTTL:     cfg.VerificationTTL,
		ResetTTL:            cfg.ResetTTL,
		MinPasswordLength:   cfg.MinPasswordLength,
	},
		auth.WithNotifier(notifier),
		auth.WithMetrics(m),
		auth.WithLogger(logging.Component(log, "auth")),
	)
	if err != nil {
		return err
	}

	if cfg.FirstSuperuser != "" {
		created, err := engine.EnsureSuperuser(ctx, cfg.FirstSuperuser, cfg.FirstSuperuserPassword)
		if err != nil {
			return err
		}
		if created {
			log.Info().Str("identifier", cfg.FirstSuperuser).Msg("superuser created")
		}
	}

	proxies, err := cfg.TrustedProxyRanges()
	if err != nil {
		return err
	}
	e := router.New(proxies, m) // Create Echo instance

	router.RegisterRoutes(e, ready, m) // Register application routes
	httpLog := logging.Component(log, "http")
	throttle := middleware.Throttle(cfg.Throttle, redisOrNil(rdb), cfg.Redis.Prefix, httpLog)
	router.RegisterAuth(e, handler.NewAuthHandler(engine, httpLog), throttle)
	router.RegisterAdmin(e, handler.NewAdminHandler(engine, httpLog))

	addr := ":" + cfg.Port // Address string with port
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("env", cfg.Env).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// redisOrNil keeps a nil *redis.Client from becoming a non-nil interface.
func redisOrNil(c *redis.Client) redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c
}

// devRoles seeds the in-memory credential backend: every default role can
// read its own profile, and "admin" may administer accounts.
func devRoles(defaults []string) []model.Role {
	roles := []model.Role{{ID: "admin", Name: "admin", Permissions: []string{router.AdminPermission, "profile:read"}}}
	for _, name := range defaults {
		if name == "admin" {
			continue
		}
		roles = append(roles, model.Role{ID: name, Name: name, Permissions: []string{"profile:read"}})
	}
	return roles
}
