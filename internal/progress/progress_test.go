package progress

import (
	"context"
	"testing"
)

func TestHubFansOutToEverySubscriber(t *testing.T) {
	h := NewHub(4)
	a, unsubA := h.Subscribe()
	b, unsubB := h.Subscribe()
	defer unsubB()

	h.Publish(context.Background(), Event{Kind: KindProgress, CampaignID: "c"})
	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.CampaignID != "c" || ev.At.IsZero() {
				t.Fatalf("%s: unexpected event %+v", name, ev)
			}
		default:
			t.Fatalf("%s: no event", name)
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatalf("unsubscribed channel should be closed")
	}
	if h.Subscribers() != 1 {
		t.Fatalf("expected one subscriber left, got %d", h.Subscribers())
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(1)
	_, unsub := h.Subscribe()
	defer unsub()

	for i := 0; i < 3; i++ {
		h.Publish(context.Background(), Event{Kind: KindProgress, CampaignID: "c"})
	}
	if h.Dropped() != 2 {
		t.Fatalf("expected 2 drops, got %d", h.Dropped())
	}
}

func TestMultiSkipsNil(t *testing.T) {
	h := NewHub(1)
	ch, unsub := h.Subscribe()
	defer unsub()
	Multi{nil, h}.Publish(context.Background(), Event{CampaignID: "c"})
	if len(ch) != 1 {
		t.Fatalf("expected event through Multi")
	}
}
