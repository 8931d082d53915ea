// Package schedule starts campaigns whose scheduled time has come.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"blast/internal/dispatch"
	"blast/internal/domain"
	"blast/internal/util"
)

const DefaultSpec = "@every 30s"

type Store interface {
	ListDueScheduled(ctx context.Context, now time.Time) ([]string, error)
}

type Starter interface {
	Start(ctx context.Context, id string) (dispatch.Outcome, error)
}

type Scheduler struct {
	store   Store
	starter Starter
	spec    string
	log     *slog.Logger
	timeout time.Duration

	mu sync.Mutex
	c  *cron.Cron
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(st Store, starter Starter, spec string, log *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("schedule spec %q: %w", spec, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{store: st, starter: starter, spec: spec, log: log, timeout: 20 * time.Second}, nil
}

// Tick starts every due campaign once and returns how many it started.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ids, err := s.store.ListDueScheduled(ctx, util.NowUTC())
	if err != nil {
		return 0, err
	}
	started := 0
	for _, id := range ids {
		out, err := s.starter.Start(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			// deleted since the listing
		case err != nil:
			s.log.Error("scheduled start failed", "campaign_id", id, "err", err)
		case out == dispatch.OK:
			started++
			s.log.Info("scheduled campaign started", "campaign_id", id)
		}
	}
	return started, nil
}

// Start runs Tick on the configured spec until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, _ = s.c.AddFunc(s.spec, func() {
		tickCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if _, err := s.Tick(tickCtx); err != nil && ctx.Err() == nil {
			s.log.Error("schedule tick failed", "err", err)
		}
	})
	s.c.Start()
	s.log.Info("scheduler started", "spec", s.spec)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}
