package lane

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"blast/internal/transport"
)

type slowSender struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
	err      error
}

func (s *slowSender) Send(ctx context.Context, endpointID, to string, p transport.Payload) (transport.Receipt, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	s.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	if s.err != nil {
		return transport.Receipt{}, s.err
	}
	return transport.Receipt{MessageID: "m", EndpointID: endpointID}, nil
}

func noLimit() Settings {
	return Settings{BreakerFailures: 3, BreakerTimeout: time.Minute}
}

func TestSameEndpointIsSerializedAcrossCallers(t *testing.T) {
	inner := &slowSender{}
	g := New(inner, noLimit(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Send(context.Background(), "ep-1", "+1555", transport.Payload{Kind: transport.PayloadText, Text: "hi"}); err != nil {
				t.Errorf("send: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := inner.maxSeen.Load(); got != 1 {
		t.Fatalf("expected one in-flight call per endpoint, saw %d", got)
	}
	if inner.calls.Load() != 8 {
		t.Fatalf("expected 8 calls, got %d", inner.calls.Load())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &slowSender{err: transport.ErrNotConnected}
	g := New(inner, noLimit(), nil)

	for i := 0; i < 3; i++ {
		_, err := g.Send(context.Background(), "ep-1", "+1555", transport.Payload{Kind: transport.PayloadText, Text: "hi"})
		if !errors.Is(err, transport.ErrNotConnected) {
			t.Fatalf("call %d: expected not connected, got %v", i, err)
		}
	}
	if g.State("ep-1") != gobreaker.StateOpen {
		t.Fatalf("expected breaker open, got %s", g.State("ep-1"))
	}
	_, err := g.Send(context.Background(), "ep-1", "+1555", transport.Payload{Kind: transport.PayloadText, Text: "hi"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if inner.calls.Load() != 3 {
		t.Fatalf("open breaker must not reach the transport, got %d calls", inner.calls.Load())
	}
	if g.State("ep-2") != gobreaker.StateClosed {
		t.Fatalf("other endpoints are unaffected")
	}
}

func TestMissingCapabilityIsUnsupported(t *testing.T) {
	g := New(&slowSender{}, noLimit(), nil)
	_, err := g.SendPoll(context.Background(), "ep-1", "+1555", transport.PollMessage{Question: "q", Options: []string{"a", "b"}})
	if !errors.Is(err, transport.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestLimiterHonorsContext(t *testing.T) {
	inner := &slowSender{}
	g := New(inner, Settings{RPS: 0.001, Burst: 1, BreakerFailures: 3, BreakerTimeout: time.Minute}, nil)

	if _, err := g.Send(context.Background(), "ep-1", "+1555", transport.Payload{Kind: transport.PayloadText, Text: "a"}); err != nil {
		t.Fatalf("first send uses the burst: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Send(ctx, "ep-1", "+1555", transport.Payload{Kind: transport.PayloadText, Text: "b"}); err == nil {
		t.Fatalf("expected limiter wait to fail")
	}
	if inner.calls.Load() != 1 {
		t.Fatalf("expected one transport call, got %d", inner.calls.Load())
	}
}
