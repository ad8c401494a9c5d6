// Package app wires the relay runtime: config, logging, HTTP registration,
// and the websocket gateway with its registry and heartbeat monitor.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/kristzz/kursadarbs/internal/auth"
	"github.com/kristzz/kursadarbs/internal/relay"
)

// App is the relay runtime: it owns HTTP server wiring and the shared
// registry passed to the gateway, router, and heartbeat monitor.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool

	registry *relay.Registry
	gateway  *relay.Gateway
	monitor  *relay.Monitor

	startedAt time.Time
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	if !cfg.SkipAuth && cfg.JWTSecret == "" && cfg.DatabaseURL == "" && !cfg.Development() {
		return nil, errors.New("JWT_SECRET is required unless SKIP_WS_AUTH is set")
	}

	var (
		pool     *pgxpool.Pool
		verifier auth.SessionVerifier
	)
	if cfg.DatabaseURL != "" {
		p, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		v, err := auth.NewPostgresSessionVerifier(p)
		if err != nil {
			p.Close()
			return nil, err
		}
		pool = p
		verifier = v
		log.Info("auth.session_verify.enabled")
	} else {
		// Session-reference tokens are trusted as minted. Documented
		// limitation: set DATABASE_URL to verify them against the API store.
		log.Info("auth.session_verify.disabled")
	}

	authn := auth.New(log, auth.Config{
		Secret:          cfg.JWTSecret,
		SkipAuth:        cfg.SkipAuth,
		Development:     cfg.Development(),
		SessionVerifier: verifier,
	})

	registry := relay.NewRegistry(log)
	router := relay.NewRouter(log, registry, cfg.Environment)
	monitor := relay.NewMonitor(log, registry, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	gateway := relay.NewGateway(log, authn, registry, router, relay.Options{
		Environment:    cfg.Environment,
		AllowedOrigins: cfg.AllowedOrigins,
		DevInsecure:    cfg.Development(),
		SendQueueSize:  cfg.SendQueueSize,
		WriteTimeout:   cfg.WriteTimeout,
		MaxFrameBytes:  cfg.MaxFrameBytes,
	})

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    pool,
		registry:  registry,
		gateway:   gateway,
		monitor:   monitor,
		startedAt: time.Now(),
	}, nil
}

// Run starts the HTTP server and the heartbeat sweep, blocking until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.registry, a.gateway, a.startedAt)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("relay.start",
		"port", a.cfg.Port,
		"environment", a.cfg.Environment,
		"auth_enabled", !a.cfg.SkipAuth,
		"allowed_origins", a.cfg.AllowedOrigins,
	)

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.monitor.Run(runCtx)
		return nil
	})

	g.Go(func() error {
		<-runCtx.Done()
		a.log.Info("relay.stop")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("relay.stopped")
	return err
}
