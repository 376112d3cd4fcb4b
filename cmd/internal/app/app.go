// Package app wires the stand server runtime: config, logging, HTTP routes,
// the pairing registry and the websocket rendezvous gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"stand/cmd/internal/broker"
	"stand/cmd/internal/pairing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the stand server runtime: it owns HTTP server wiring and the pairing
// rendezvous dependencies.
type App struct {
	cfg Config
	log Logger

	audit     pairing.AuditStore
	dbPool    *pgxpool.Pool
	dbEnabled bool

	reg *pairing.Registry
	sup *broker.Supervisor
	gw  *broker.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	audit, dbPool, dbEnabled, err := newAudit(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	pairCfg, err := pairing.LoadConfigFromEnv()
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	reg := pairing.NewRegistry(log, pairCfg, audit)
	sup := broker.NewSupervisor(log, cfg.WSMaxConns, cfg.WSIdleTimeout, cfg.WSIdleScan)
	gw := broker.NewGateway(log, reg, sup)

	return &App{
		cfg:       cfg,
		log:       log,
		audit:     audit,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		reg:       reg,
		sup:       sup,
		gw:        gw,
	}, nil
}

// Run starts the background sweepers and the HTTP server, then blocks until
// context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	go a.reg.Run(runCtx)
	go a.sup.Run(runCtx)

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gw)

	var handler http.Handler = mux
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"ws", wsBaseURL(base)+"/universidad/qr",
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	stopWorkers()

	if err := a.audit.Close(); err != nil {
		a.log.Error("audit.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a bind address into something a human can click.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

// newAudit decides between Postgres-backed audit persistence and a no-op sink.
func newAudit(ctx context.Context, cfg Config, log Logger) (pairing.AuditStore, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.nop_audit")
		return pairing.NopAudit{}, nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_audit")

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresAudit.Close() is a no-op
	audit, err := pairing.NewPostgresAudit(pool) // default schema "stand"
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	return audit, pool, true, nil
}
