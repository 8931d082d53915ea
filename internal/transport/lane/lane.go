// Package lane serializes sends per endpoint. Every endpoint gets a single
// writer lane with its own token bucket and circuit breaker, shared by all
// campaigns that rotate onto it.
package lane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"blast/internal/transport"
)

type Settings struct {
	// RPS <= 0 disables the limiter.
	RPS   float64
	Burst int
	// BreakerFailures consecutive failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// CallTimeout bounds one transport call. Zero means no timeout.
	CallTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		RPS:             5,
		Burst:           1,
		BreakerFailures: 10,
		BreakerTimeout:  20 * time.Second,
		CallTimeout:     15 * time.Second,
	}
}

type Gate struct {
	inner    transport.Sender
	settings Settings
	log      *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func New(inner transport.Sender, s Settings, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{inner: inner, settings: s, log: log, lanes: map[string]*lane{}}
}

func (g *Gate) lane(endpointID string) *lane {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.lanes[endpointID]; ok {
		return l
	}
	l := &lane{}
	if g.settings.RPS > 0 {
		burst := g.settings.Burst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(g.settings.RPS), burst)
	}
	failures := g.settings.BreakerFailures
	if failures == 0 {
		failures = 10
	}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "endpoint:" + endpointID,
		MaxRequests: 1,
		Timeout:     g.settings.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
		// capability gaps and caller cancellation say nothing about endpoint health
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, transport.ErrUnsupported) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn("endpoint breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	g.lanes[endpointID] = l
	return l
}

func (g *Gate) do(ctx context.Context, endpointID string, call func(context.Context) (transport.Receipt, error)) (transport.Receipt, error) {
	l := g.lane(endpointID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return transport.Receipt{}, fmt.Errorf("endpoint %s rate limit: %w", endpointID, err)
		}
	}

	res, err := l.breaker.Execute(func() (any, error) {
		callCtx := ctx
		if g.settings.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.settings.CallTimeout)
			defer cancel()
		}
		return call(callCtx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return transport.Receipt{}, fmt.Errorf("endpoint %s: %w", endpointID, err)
		}
		return transport.Receipt{}, err
	}
	return res.(transport.Receipt), nil
}

func (g *Gate) Send(ctx context.Context, endpointID, to string, p transport.Payload) (transport.Receipt, error) {
	return g.do(ctx, endpointID, func(ctx context.Context) (transport.Receipt, error) {
		return g.inner.Send(ctx, endpointID, to, p)
	})
}

func (g *Gate) SendButtons(ctx context.Context, endpointID, to string, m transport.ButtonsMessage) (transport.Receipt, error) {
	bs, ok := g.inner.(transport.ButtonsSender)
	if !ok {
		return transport.Receipt{}, fmt.Errorf("buttons: %w", transport.ErrUnsupported)
	}
	return g.do(ctx, endpointID, func(ctx context.Context) (transport.Receipt, error) {
		return bs.SendButtons(ctx, endpointID, to, m)
	})
}

func (g *Gate) SendList(ctx context.Context, endpointID, to string, m transport.ListMessage) (transport.Receipt, error) {
	ls, ok := g.inner.(transport.ListSender)
	if !ok {
		return transport.Receipt{}, fmt.Errorf("list: %w", transport.ErrUnsupported)
	}
	return g.do(ctx, endpointID, func(ctx context.Context) (transport.Receipt, error) {
		return ls.SendList(ctx, endpointID, to, m)
	})
}

func (g *Gate) SendPoll(ctx context.Context, endpointID, to string, m transport.PollMessage) (transport.Receipt, error) {
	ps, ok := g.inner.(transport.PollSender)
	if !ok {
		return transport.Receipt{}, fmt.Errorf("poll: %w", transport.ErrUnsupported)
	}
	return g.do(ctx, endpointID, func(ctx context.Context) (transport.Receipt, error) {
		return ps.SendPoll(ctx, endpointID, to, m)
	})
}

func (g *Gate) SendCarousel(ctx context.Context, endpointID, to string, m transport.CarouselMessage) (transport.Receipt, error) {
	cs, ok := g.inner.(transport.CarouselSender)
	if !ok {
		return transport.Receipt{}, fmt.Errorf("carousel: %w", transport.ErrUnsupported)
	}
	return g.do(ctx, endpointID, func(ctx context.Context) (transport.Receipt, error) {
		return cs.SendCarousel(ctx, endpointID, to, m)
	})
}

// State reports the breaker state of an endpoint lane. Endpoints never used
// report closed.
func (g *Gate) State(endpointID string) gobreaker.State {
	g.mu.Lock()
	l, ok := g.lanes[endpointID]
	g.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return l.breaker.State()
}
