package feed

import (
	"context"
	"testing"
	"time"
)

func TestBusReplaysMailboxToFirstSubscriber(t *testing.T) {
	bus := NewBus()
	for _, id := range []string{"a", "b"} {
		if err := bus.Publish(context.Background(), TransferEvent{TxID: id}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	got := make(chan string, 4)
	sub := bus.subscribe(func(ev TransferEvent) { got <- ev.TxID })
	defer bus.unsubscribe(sub)

	if err := bus.Publish(context.Background(), TransferEvent{TxID: "c"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case id := <-got:
			if id != want {
				t.Fatalf("expected %s, got %s", want, id)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	got := make(chan string, 4)
	sub := bus.subscribe(func(ev TransferEvent) { got <- ev.TxID })
	bus.unsubscribe(sub)

	if err := bus.Publish(context.Background(), TransferEvent{TxID: "late"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case id := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusPublishHonoursContext(t *testing.T) {
	bus := NewBus()
	block := make(chan struct{})
	sub := bus.subscribe(func(TransferEvent) { <-block })
	defer func() {
		close(block)
		bus.unsubscribe(sub)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var err error
	for i := 0; i < busQueueSize+2; i++ {
		if err = bus.Publish(ctx, TransferEvent{TxID: "x"}); err != nil {
			break
		}
	}
	if err == nil {
		t.Fatal("expected publish to fail once the subscriber queue is full")
	}
}
