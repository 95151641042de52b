package trading

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ksred/klear-router/internal/types"
)

// entry is the in-memory home of one order. mu serialises transitions; the
// snapshot is replaced after every successful write so readers never wait
// on mu.
type entry struct {
	ready chan struct{}
	err   error

	mu      sync.Mutex
	order   *types.Order
	lastSeq map[string]uint64

	snap atomic.Pointer[types.Order]
}

func newEntry() *entry {
	return &entry{
		ready:   make(chan struct{}),
		lastSeq: make(map[string]uint64),
	}
}

// publish stores a copy of the current order for lock-free reads. Caller
// holds e.mu.
func (e *entry) publish() {
	e.snap.Store(e.order.Clone())
}

// Snapshot returns the last published state.
func (e *entry) Snapshot() *types.Order {
	return e.snap.Load()
}

// wait blocks until the entry's creator has finished.
func (e *entry) wait(ctx context.Context) error {
	select {
	case <-e.ready:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ledger indexes live orders by id and by (account, client order key).
type Ledger struct {
	byKey sync.Map
	byID  sync.Map
}

func NewLedger() *Ledger {
	return &Ledger{}
}

func clientKey(account, key string) string {
	return account + "|" + key
}

// Claim atomically reserves (account, key). It returns the entry for the
// pair and whether this call created it. Exactly one concurrent caller
// gets created=true.
func (l *Ledger) Claim(account, key string) (*entry, bool) {
	fresh := newEntry()
	actual, loaded := l.byKey.LoadOrStore(clientKey(account, key), fresh)
	return actual.(*entry), !loaded
}

// Forget drops a claim whose creation failed.
func (l *Ledger) Forget(account, key string, e *entry) {
	l.byKey.CompareAndDelete(clientKey(account, key), e)
}

// Index makes the entry reachable by order id.
func (l *Ledger) Index(orderID string, e *entry) {
	l.byID.Store(orderID, e)
}

// Get looks up a live order by id.
func (l *Ledger) Get(orderID string) (*entry, bool) {
	v, ok := l.byID.Load(orderID)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// Adopt installs an order loaded from the database, returning the entry
// already present if another goroutine got there first.
func (l *Ledger) Adopt(order *types.Order, lastSeq map[string]uint64) *entry {
	e := newEntry()
	e.order = order
	if lastSeq != nil {
		e.lastSeq = lastSeq
	}
	e.publish()
	close(e.ready)

	actual, loaded := l.byKey.LoadOrStore(clientKey(order.Account, order.ClientOrderKey), e)
	if loaded {
		return actual.(*entry)
	}
	l.byID.Store(order.OrderID, e)
	return e
}

// Len returns the number of indexed orders.
func (l *Ledger) Len() int {
	n := 0
	l.byID.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
