package feed

import (
	"context"
	"sync"
)

const (
	busQueueSize  = 64
	busMailboxCap = 1024
)

// Bus is the in-process transfer feed used by the mock transport. Events
// published while nobody is subscribed are held in a bounded mailbox and
// replayed to the next subscriber.
type Bus struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]*busSubscription
	mailbox     []TransferEvent
}

type busSubscription struct {
	id   uint64
	ch   chan TransferEvent
	quit chan struct{}
	done chan struct{}
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[uint64]*busSubscription)}
}

// Publish hands ev to every subscriber in publish order.
func (b *Bus) Publish(ctx context.Context, ev TransferEvent) error {
	b.mu.Lock()
	if len(b.subscribers) == 0 {
		if len(b.mailbox) < busMailboxCap {
			b.mailbox = append(b.mailbox, ev)
		}
		b.mu.Unlock()
		return nil
	}
	subs := make([]*busSubscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) subscribe(handler func(TransferEvent)) *busSubscription {
	b.mu.Lock()
	b.nextID++
	sub := &busSubscription{
		id:   b.nextID,
		ch:   make(chan TransferEvent, busQueueSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	b.subscribers[sub.id] = sub
	pending := append([]TransferEvent(nil), b.mailbox...)
	b.mailbox = nil
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for _, ev := range pending {
			select {
			case <-sub.quit:
				return
			default:
			}
			handler(ev)
		}
		for {
			select {
			case <-sub.quit:
				return
			case ev := <-sub.ch:
				handler(ev)
			}
		}
	}()
	return sub
}

func (b *Bus) unsubscribe(sub *busSubscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subscribers[sub.id]
	delete(b.subscribers, sub.id)
	b.mu.Unlock()
	if ok {
		close(sub.quit)
	}
	<-sub.done
}
