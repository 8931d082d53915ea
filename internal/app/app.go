// Package app holds the wiring shared by the api and dispatcher binaries.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"blast/internal/audience"
	"blast/internal/config"
	"blast/internal/content"
	"blast/internal/dispatch"
	"blast/internal/errorlog"
	"blast/internal/httpserver"
	"blast/internal/progress"
	"blast/internal/providers/gateway"
	"blast/internal/schedule"
	"blast/internal/store/memory"
	"blast/internal/store/pg"
	"blast/internal/transport/lane"
)

// Store is everything the binaries need from persistence. Both pg.Store and
// memory.Store satisfy it.
type Store interface {
	dispatch.Store
	dispatch.ControlStore
	dispatch.RegistryStore
	audience.Store
	schedule.Store
	httpserver.CampaignReader
	httpserver.WebhookStore
}

type Backend struct {
	Store Store
	Ping  func(ctx context.Context) error
	Close func()
}

func OpenStore(ctx context.Context, cfg config.DBConfig) (Backend, error) {
	if cfg.Store == config.StoreMemory {
		return Backend{
			Store: memory.New(),
			Ping:  func(context.Context) error { return nil },
			Close: func() {},
		}, nil
	}
	pool, err := pg.NewPool(ctx, cfg.DBDSN, cfg.PoolOptions())
	if err != nil {
		return Backend{}, err
	}
	return Backend{Store: pg.New(pool), Ping: pool.Ping, Close: pool.Close}, nil
}

// NewRunner builds the dispatch runner: gateway client behind per-endpoint
// lanes, audience resolver, durable error log. The returned func closes the
// error log.
func NewRunner(cfg config.DispatchConfig, st Store, events progress.Publisher, log *slog.Logger) (*dispatch.Runner, func() error, error) {
	mode, err := dispatch.ParseResumeMode(cfg.ResumeMode)
	if err != nil {
		return nil, nil, err
	}
	errLog, err := errorlog.Open(cfg.ErrorLogPath)
	if err != nil {
		return nil, nil, err
	}
	gw := &gateway.Client{
		BaseURL: cfg.GatewayBaseURL,
		APIKey:  cfg.GatewayAPIKey,
		HTTP:    &http.Client{Timeout: cfg.GatewayTimeout},
	}
	return &dispatch.Runner{
		Store:      st,
		Resolver:   &audience.Resolver{Store: st, Log: log},
		Transport:  lane.New(gw, cfg.LaneSettings(), log),
		Planner:    content.NewPlanner(),
		Events:     events,
		ErrorLog:   errLog,
		Log:        log,
		Defaults:   cfg.PacingDefaults(),
		ResumeMode: mode,
	}, errLog.Close, nil
}

// Serve runs srv until ctx is done, then shuts it down within grace.
func Serve(ctx context.Context, srv *http.Server, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
