package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-router/internal/types"
)

const DefaultBuffer = 256

// Outbox is the durable order event log.
type Outbox struct {
	db *gorm.DB
}

func NewOutbox(db *gorm.DB) *Outbox {
	return &Outbox{db: db}
}

// Append stores ev and assigns its ID.
func (o *Outbox) Append(ctx context.Context, ev *types.OrderEvent) error {
	if err := o.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("append order event: %w", err)
	}
	return nil
}

// Since returns up to limit events with an ID greater than afterID, oldest
// first. An empty account matches every account.
func (o *Outbox) Since(account string, afterID uint, limit int) ([]types.OrderEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	q := o.db.Where("id > ?", afterID)
	if account != "" {
		q = q.Where("account = ?", account)
	}
	var out []types.OrderEvent
	if err := q.Order("id asc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Subscription receives events published after it was created.
type Subscription struct {
	id      uint64
	account string
	ch      chan types.OrderEvent
	once    sync.Once
	bus     *Bus
}

// Events is closed when the subscription ends, either by Close or because
// the subscriber fell behind.
func (s *Subscription) Events() <-chan types.OrderEvent {
	return s.ch
}

func (s *Subscription) Close() {
	s.bus.remove(s)
}

func (s *Subscription) matches(ev *types.OrderEvent) bool {
	return s.account == "" || s.account == ev.Account
}

// Bus persists order events to the outbox and fans them out to live
// subscribers. A subscriber whose buffer is full is dropped rather than
// slowing the order pipeline down.
type Bus struct {
	outbox *Outbox
	buffer int

	mu   sync.RWMutex
	subs map[uint64]*Subscription
	next uint64
}

func NewBus(outbox *Outbox, buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		outbox: outbox,
		buffer: buffer,
		subs:   make(map[uint64]*Subscription),
	}
}

// Outbox returns the durable log behind the bus.
func (b *Bus) Outbox() *Outbox {
	return b.outbox
}

// Publish persists ev and then delivers it to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, ev *types.OrderEvent) error {
	if b.outbox != nil {
		if err := b.outbox.Append(ctx, ev); err != nil {
			return err
		}
	}
	b.Broadcast(ev)
	return nil
}

// Broadcast delivers an event that is already durable to every matching
// subscriber.
func (b *Bus) Broadcast(ev *types.OrderEvent) {
	var slow []*Subscription
	b.mu.RLock()
	for _, s := range b.subs {
		if !s.matches(ev) {
			continue
		}
		select {
		case s.ch <- *ev:
		default:
			slow = append(slow, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range slow {
		log.Warn().Uint64("subscriber", s.id).Str("account", s.account).Msg("event subscriber too slow, dropped")
		b.remove(s)
	}
}

// Subscribe registers a subscriber for account. An empty account receives
// every event.
func (b *Bus) Subscribe(account string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	s := &Subscription{
		id:      b.next,
		account: account,
		ch:      make(chan types.OrderEvent, b.buffer),
		bus:     b,
	}
	b.subs[s.id] = s
	return s
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(s *Subscription) {
	s.once.Do(func() {
		b.mu.Lock()
		delete(b.subs, s.id)
		b.mu.Unlock()
		close(s.ch)
	})
}
