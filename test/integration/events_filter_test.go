package integration

import (
	"context"
	"testing"
	"time"

	tp "github.com/northseadl/taskpipe"
)

func TestEvents_FilterByType(t *testing.T) {
	cfg := rabbitConfig(t)
	ctx := context.Background()
	p := newPipeline(t, cfg)

	queue := "it.event.filter"
	recv := make(chan tp.Event, 10)
	sub := tp.NewEventSubscriber("g1", tp.FilterByType("OrderCreated"), func(ctx context.Context, e tp.Event) error {
		recv <- e
		return nil
	})
	if err := p.SubscribeToQueue(ctx, queue, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub := func(typ, key string) {
		_, _ = p.PublishEvent(ctx, tp.Event{Queue: queue, Type: typ, Key: key, Payload: []byte("{}")})
	}
	pub("OrderCreated", "o1")
	pub("OrderUpdated", "o1")
	pub("OrderCreated", "o2")

	deadline := time.Now().Add(3 * time.Second)
	var got []tp.Event
	for time.Now().Before(deadline) && len(got) < 2 {
		select {
		case e := <-recv:
			got = append(got, e)
		case <-time.After(100 * time.Millisecond):
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 filtered events, got %d", len(got))
	}
	for _, e := range got {
		if e.Type != "OrderCreated" {
			t.Fatalf("unexpected type: %s", e.Type)
		}
	}
}
