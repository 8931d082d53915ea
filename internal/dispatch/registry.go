package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"blast/internal/domain"
	"blast/internal/observability"
)

var ErrShuttingDown = errors.New("dispatcher shutting down")

// CampaignRunner runs one campaign to the end of its run.
type CampaignRunner interface {
	Run(ctx context.Context, campaignID string) error
}

type RegistryStore interface {
	GetCampaignStatus(ctx context.Context, id string) (domain.CampaignStatus, error)
	ListCampaignIDsByStatus(ctx context.Context, status domain.CampaignStatus) ([]string, error)
}

// Registry owns the dispatch loops of this process, at most one per campaign.
type Registry struct {
	store  RegistryStore
	runner CampaignRunner
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]chan struct{}
	closed bool
	wg     sync.WaitGroup

	// relaunch marks campaigns launched again while their loop was alive. The
	// loop may already have seen a pause and be on its way out.
	relaunch map[string]bool
}

// NewRegistry returns a Registry whose loops live until Shutdown.
func NewRegistry(st RegistryStore, runner CampaignRunner, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:    st,
		runner:   runner,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		active:   map[string]chan struct{}{},
		relaunch: map[string]bool{},
	}
}

// Launch spawns a loop for id if its stored status is running and no loop for
// it is alive in this process.
func (r *Registry) Launch(ctx context.Context, id string) error {
	st, err := r.store.GetCampaignStatus(ctx, id)
	if err != nil {
		return err
	}
	if st != domain.StatusRunning {
		r.log.Debug("launch ignored", "campaign_id", id, "status", string(st))
		return nil
	}
	_, err = r.spawn(id)
	return err
}

// Recover launches loops for every campaign persisted as running. It is
// called once at boot.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	ids, err := r.store.ListCampaignIDsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		started, err := r.spawn(id)
		if err != nil {
			return n, err
		}
		if started {
			n++
		}
	}
	if n > 0 {
		r.log.Info("recovered running campaigns", "count", n)
	}
	return n, nil
}

func (r *Registry) spawn(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrShuttingDown
	}
	if _, ok := r.active[id]; ok {
		r.relaunch[id] = true
		return false, nil
	}
	done := make(chan struct{})
	r.active[id] = done
	r.wg.Add(1)
	observability.ActiveRuns.Inc()

	go func() {
		defer r.wg.Done()
		defer observability.ActiveRuns.Dec()
		if err := r.runner.Run(r.ctx, id); err != nil {
			r.log.Error("dispatch loop exited with error", "campaign_id", id, "err", err)
		}

		r.mu.Lock()
		delete(r.active, id)
		again := r.relaunch[id] && !r.closed
		delete(r.relaunch, id)
		r.mu.Unlock()
		close(done)

		// Launch re-reads the status, so a stale mark is harmless.
		if again {
			if err := r.Launch(r.ctx, id); err != nil && r.ctx.Err() == nil &&
				!errors.Is(err, ErrShuttingDown) && !errors.Is(err, domain.ErrNotFound) {
				r.log.Error("relaunch failed", "campaign_id", id, "err", err)
			}
		}
	}()
	return true, nil
}

// Active reports whether a loop for id is alive.
func (r *Registry) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Done returns a channel closed when the loop for id exits. It is closed
// already when no loop is alive.
func (r *Registry) Done(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.active[id]; ok {
		return ch
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Shutdown stops accepting launches, cancels every loop and waits for them
// until ctx expires. Campaign statuses are left as they are.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
