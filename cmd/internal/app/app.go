// Package app wires the Domus realtime server: config, logging, persistence,
// the notification and voting services, and the WebSocket gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"domus/cmd/internal/audit"
	"domus/cmd/internal/directory"
	"domus/cmd/internal/identity"
	"domus/cmd/internal/notify"
	"domus/cmd/internal/realtime"
	"domus/cmd/internal/voting"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// App is the Domus server runtime: it owns the HTTP server, the background
// sweeps, and the realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store     Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	tracker *notify.Tracker
	votes   *voting.Coordinator
	gateway *realtime.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	key, err := identity.HMACKeyFromEnv(identity.MinHMACKeyBytes)
	if err != nil {
		return nil, err
	}
	verifier, err := identity.NewVerifier(key, cfg.TokenIssuer, cfg.TokenClockSkew)
	if err != nil {
		return nil, err
	}

	var (
		store       Store
		dbPool      *pgxpool.Pool
		dbEnabled   bool
		notifyStore notify.Store
		voteStore   voting.Store
		dir         directory.Directory
		auditor     *audit.Logger
	)

	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")

		mem := directory.NewInMemoryDirectory()
		seeded := seedResidents(mem, cfg.DevResidents)
		log.Info("directory.dev.seeded", "residents", seeded)

		store = nopStore{}
		notifyStore = notify.NewInMemoryStore()
		voteStore = voting.NewInMemoryStore()
		dir = mem

		auditor, err = audit.New(log)
		if err != nil {
			return nil, err
		}
	} else {
		pool, err := NewDBPool(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		log.Info("db.enabled.postgres_store")

		ns, err := notify.NewPostgresStore(pool, notify.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		vs, err := voting.NewPostgresStore(pool, voting.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		pd, err := directory.NewPostgresDirectory(pool, directory.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		auditor, err = audit.New(log, audit.WithPool(pool), audit.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}

		store = dbStore{pool: pool}
		dbPool = pool
		dbEnabled = true
		notifyStore = ns
		voteStore = vs
		dir = pd
	}

	registry := realtime.NewRegistry(log)
	rooms := realtime.NewRooms(log)

	// The sender and events adapters break the dependency cycle between
	// the services and the gateway: services push through them into the
	// registry and rooms without importing the realtime package.
	sender := realtime.NewNotificationSender(registry)
	events := realtime.NewVoteEvents(rooms)

	dispatcher := notify.NewDispatcher(log, notifyStore, dir, sender, auditor)
	tracker := notify.NewTracker(log, notifyStore, dir, auditor)
	votes := voting.NewCoordinator(log, voteStore, dir, events, auditor, voting.Config{
		MaxQuestionsPerAssembly: cfg.VoteMaxQuestions,
		Window:                  cfg.VoteWindow,
	})

	gw, err := realtime.NewGateway(log, realtime.GatewayDeps{
		Registry:   registry,
		Rooms:      rooms,
		Verifier:   verifier,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Votes:      votes,
		Audit:      auditor,
	})
	if err != nil {
		_ = store.Close(context.Background())
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		tracker:   tracker,
		votes:     votes,
		gateway:   gw,
	}, nil
}

// Run starts the HTTP server and the background sweeps, blocking until
// context cancellation or a fatal error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway)

	var handler http.Handler = mux
	handler = WithSecurityHeaders(handler)
	handler = WithCORS(handler, a.cfg, a.log)
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
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.votes.RunSweep(gctx, a.cfg.VoteSweepInterval)
		return nil
	})

	g.Go(func() error {
		err := a.tracker.RunExpireSweep(gctx, a.cfg.NotifySweepInterval)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := a.store.Close(closeCtx); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}

	if err != nil {
		return err
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

// seedResidents loads user:role:unit entries into the dev directory.
// Malformed entries are skipped.
func seedResidents(dir *directory.InMemoryDirectory, spec string) int {
	count := 0
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 {
			continue
		}
		r := directory.Resident{
			UserID: strings.TrimSpace(parts[0]),
			Role:   strings.ToLower(strings.TrimSpace(parts[1])),
		}
		if r.UserID == "" {
			continue
		}
		if r.Role == "" {
			r.Role = identity.RoleResident
		}
		if len(parts) >= 3 {
			if unit, err := strconv.Atoi(strings.TrimSpace(parts[2])); err == nil && unit >= 0 {
				r.Unit = unit
			}
		}
		dir.Add(r)
		count++
	}
	return count
}

// runtimeBaseURL turns a bind address into a URL a local client can reach.
// Wildcard binds are rewritten to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL onto its WebSocket scheme.
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
