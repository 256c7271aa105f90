// Package app wires the Herald server runtime: config, logging, storage,
// the replication backbone, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"herald/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// App owns the HTTP server and the realtime dependencies.
type App struct {
	cfg Config
	log Logger

	store  realtime.LogStore
	dbPool *pgxpool.Pool

	replicator realtime.Replicator
	bus        *realtime.Bus
	svc        *realtime.Service
	ws         *realtime.WSGateway
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openBus(ctx); err != nil {
		a.closeStore()
		return nil, err
	}

	svc, err := realtime.NewService(log, a.store, a.bus, realtime.ServiceConfig{
		SessionQueue:      cfg.SessionQueue,
		CatchUpBuffer:     cfg.CatchUpBuffer,
		CatchUpPage:       cfg.CatchUpPage,
		PresenceHeartbeat: cfg.PresenceHeartbeat,
	})
	if err != nil {
		a.closeBus()
		a.closeStore()
		return nil, err
	}
	a.svc = svc
	a.ws = realtime.NewWSGateway(log, svc, realtime.WSConfigFromEnv())

	return a, nil
}

// openStore selects the log backend.
func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		st, err := realtime.NewPostgresStore(pool, realtime.WithSchema(a.cfg.DBSchema))
		if err != nil {
			pool.Close()
			return err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("postgres schema: %w", err)
		}
		a.store, a.dbPool = st, pool

	case StoreSQLite:
		st, err := realtime.NewSQLiteStore(ctx, a.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		a.store = st

	default:
		a.store = realtime.NewInMemoryStore()
	}

	a.log.Info("store.ready", "backend", a.cfg.Store)
	return nil
}

// openBus selects the replication backbone. "none" keeps fanout local.
func (a *App) openBus(ctx context.Context) error {
	var (
		rep realtime.Replicator
		err error
	)
	switch a.cfg.Bus {
	case BusRedis:
		rep, err = realtime.NewRedisReplicator(ctx, a.cfg.RedisURL, a.cfg.BusChannel)
	case BusNATS:
		rep, err = realtime.NewNATSReplicator(a.cfg.NATSURL, a.cfg.BusChannel)
	}
	if err != nil {
		return fmt.Errorf("bus %s: %w", a.cfg.Bus, err)
	}
	if rep != nil && a.cfg.BusSecret == "" {
		a.log.Warn("bus.unauthenticated", "backend", a.cfg.Bus, "hint", "set HERALD_BUS_SECRET")
	}

	var secret []byte
	if a.cfg.BusSecret != "" {
		secret = []byte(a.cfg.BusSecret)
	}

	a.replicator = rep
	a.bus = realtime.NewBus(a.log, rep, secret)
	a.log.Info("bus.ready", "backend", a.cfg.Bus, "origin", a.bus.Origin())
	return nil
}

// Run starts the HTTP server, the backbone and the presence heartbeat, and
// blocks until ctx ends or one of them fails.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.store, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithSecurityHeaders(WithRequestLogging(mux, a.log)),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"store", a.cfg.Store,
		"bus", a.cfg.Bus,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.bus.Run(gctx) })
	g.Go(func() error { return a.svc.RunPresence(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		// Close sessions first so hijacked websocket handlers return.
		a.svc.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		a.log.Error("server.fail", "err", err)
	}

	a.closeBus()
	a.closeStore()

	a.log.Info("server.stopped")
	return err
}

func (a *App) closeBus() {
	if a.replicator == nil {
		return
	}
	if err := a.replicator.Close(); err != nil {
		a.log.Error("bus.close.fail", "err", err)
	}
}

// closeStore releases the store; the app owns the pgx pool.
func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
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

// runtimeBaseURL turns a listen address into a URL reachable from this host.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return "ws://" + httpURL
	}
}
