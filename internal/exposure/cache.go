// Package exposure keeps per account and symbol net positions, the
// reservations held by orders still in flight, and the last traded price
// per symbol. It is read on every risk check and written on every fill.
package exposure

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-router/internal/types"
)

var (
	// ErrUnavailable is returned by View while the cache cannot be trusted.
	ErrUnavailable = errors.New("exposure cache unavailable")
)

const DefaultShards = 64

// Position is the net exposure of one account in one symbol.
type Position struct {
	Account     string          `json:"account"`
	Symbol      string          `json:"symbol"`
	NetQuantity decimal.Decimal `json:"net_quantity"`
	NetNotional decimal.Decimal `json:"net_notional"`
	FillCount   int64           `json:"fill_count"`
}

// View is the read-only input handed to the risk evaluator.
type View struct {
	Position      Position
	Mark          decimal.Decimal
	HasMark       bool
	AccountGross  decimal.Decimal
	OpenPositions int
	ReservedBuy   decimal.Decimal
	ReservedSell  decimal.Decimal
	ReservedOther decimal.Decimal
}

type reservation struct {
	symbol   string
	side     types.Side
	notional decimal.Decimal
}

type keyShard struct {
	mu        sync.Mutex
	positions map[string]*Position
}

type accountState struct {
	notional     map[string]decimal.Decimal
	open         map[string]struct{}
	reservations map[string]*reservation
}

type accountShard struct {
	mu       sync.Mutex
	accounts map[string]*accountState
}

// Cache is sharded on account+symbol for positions and on account for the
// account level aggregates, so unrelated keys never contend on one lock.
type Cache struct {
	keys      []*keyShard
	accounts  []*accountShard
	marks     sync.Map
	available atomic.Bool
}

// NewCache creates an available cache with the given number of shards.
func NewCache(shards int) *Cache {
	if shards <= 0 {
		shards = DefaultShards
	}
	c := &Cache{
		keys:     make([]*keyShard, shards),
		accounts: make([]*accountShard, shards),
	}
	for i := 0; i < shards; i++ {
		c.keys[i] = &keyShard{positions: make(map[string]*Position)}
		c.accounts[i] = &accountShard{accounts: make(map[string]*accountState)}
	}
	c.available.Store(true)
	return c
}

func positionKey(account, symbol string) string {
	return account + "|" + symbol
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (c *Cache) keyShard(account, symbol string) *keyShard {
	return c.keys[shardIndex(positionKey(account, symbol), len(c.keys))]
}

func (c *Cache) accountShard(account string) *accountShard {
	return c.accounts[shardIndex(account, len(c.accounts))]
}

// state returns the account aggregate, creating it. Caller holds s.mu.
func (s *accountShard) state(account string) *accountState {
	st, ok := s.accounts[account]
	if !ok {
		st = &accountState{
			notional:     make(map[string]decimal.Decimal),
			open:         make(map[string]struct{}),
			reservations: make(map[string]*reservation),
		}
		s.accounts[account] = st
	}
	return st
}

// Available reports whether risk checks may rely on the cache.
func (c *Cache) Available() bool {
	return c.available.Load()
}

// SetAvailable flips the availability flag. An unavailable cache makes every
// risk check fail closed.
func (c *Cache) SetAvailable(ok bool) {
	c.available.Store(ok)
}

// Mark returns the last known trade price for symbol.
func (c *Cache) Mark(symbol string) (decimal.Decimal, bool) {
	v, ok := c.marks.Load(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return v.(decimal.Decimal), true
}

// SetMark records a reference price for symbol.
func (c *Cache) SetMark(symbol string, price decimal.Decimal) {
	c.marks.Store(symbol, price)
}

// View assembles the exposure inputs for one order. The reservation held by
// excludeOrderID, normally the order being checked, is left out.
func (c *Cache) View(account, symbol, excludeOrderID string) (View, error) {
	if !c.Available() {
		return View{}, ErrUnavailable
	}

	v := View{Position: Position{Account: account, Symbol: symbol}}

	ks := c.keyShard(account, symbol)
	ks.mu.Lock()
	if p, ok := ks.positions[positionKey(account, symbol)]; ok {
		v.Position = *p
	}
	ks.mu.Unlock()

	as := c.accountShard(account)
	as.mu.Lock()
	if st, ok := as.accounts[account]; ok {
		for _, n := range st.notional {
			v.AccountGross = v.AccountGross.Add(n)
		}
		v.OpenPositions = len(st.open)
		for id, r := range st.reservations {
			if id == excludeOrderID {
				continue
			}
			switch {
			case r.symbol != symbol:
				v.ReservedOther = v.ReservedOther.Add(r.notional)
			case r.side == types.SideBuy:
				v.ReservedBuy = v.ReservedBuy.Add(r.notional)
			default:
				v.ReservedSell = v.ReservedSell.Add(r.notional)
			}
		}
	}
	as.mu.Unlock()

	v.Mark, v.HasMark = c.Mark(symbol)
	return v, nil
}

// Reserve holds notional for an order that is not yet filled. Reserving the
// same order twice replaces the earlier amount.
func (c *Cache) Reserve(orderID, account, symbol string, side types.Side, notional decimal.Decimal) {
	as := c.accountShard(account)
	as.mu.Lock()
	defer as.mu.Unlock()
	as.state(account).reservations[orderID] = &reservation{
		symbol:   symbol,
		side:     side,
		notional: notional.Abs(),
	}
}

// Consume reduces an order's reservation by the notional that just filled.
func (c *Cache) Consume(orderID, account string, notional decimal.Decimal) {
	as := c.accountShard(account)
	as.mu.Lock()
	defer as.mu.Unlock()
	st, ok := as.accounts[account]
	if !ok {
		return
	}
	r, ok := st.reservations[orderID]
	if !ok {
		return
	}
	r.notional = r.notional.Sub(notional.Abs())
	if !r.notional.IsPositive() {
		delete(st.reservations, orderID)
	}
}

// Release drops whatever is left of an order's reservation.
func (c *Cache) Release(orderID, account string) {
	as := c.accountShard(account)
	as.mu.Lock()
	defer as.mu.Unlock()
	if st, ok := as.accounts[account]; ok {
		delete(st.reservations, orderID)
	}
}

// Reserved returns the notional currently held for orderID.
func (c *Cache) Reserved(orderID, account string) decimal.Decimal {
	as := c.accountShard(account)
	as.mu.Lock()
	defer as.mu.Unlock()
	if st, ok := as.accounts[account]; ok {
		if r, ok := st.reservations[orderID]; ok {
			return r.notional
		}
	}
	return decimal.Zero
}

// ApplyFill folds one execution into the position. Exposure is always the
// sum of quantity x price signed by side over the applied fills.
func (c *Cache) ApplyFill(account, symbol string, side types.Side, qty, price decimal.Decimal) Position {
	signedQty := qty.Mul(side.Sign())

	ks := c.keyShard(account, symbol)
	ks.mu.Lock()
	key := positionKey(account, symbol)
	p, ok := ks.positions[key]
	if !ok {
		p = &Position{Account: account, Symbol: symbol}
		ks.positions[key] = p
	}
	p.NetQuantity = p.NetQuantity.Add(signedQty)
	p.NetNotional = p.NetNotional.Add(signedQty.Mul(price))
	p.FillCount++
	out := *p
	c.setAccountNotional(account, symbol, out)
	ks.mu.Unlock()

	c.SetMark(symbol, price)
	return out
}

// Load installs a position unconditionally. Used when rebuilding the cache
// from persisted fills at startup.
func (c *Cache) Load(pos Position) {
	ks := c.keyShard(pos.Account, pos.Symbol)
	ks.mu.Lock()
	p := pos
	ks.positions[positionKey(pos.Account, pos.Symbol)] = &p
	c.setAccountNotional(pos.Account, pos.Symbol, pos)
	ks.mu.Unlock()
}

// Reconcile replaces the cached position with the feed's version when both
// have seen the same number of fills but disagree on the totals. It returns
// true when the cached value changed. Positions that differ in fill count
// are still converging and are left alone.
func (c *Cache) Reconcile(pos Position) bool {
	ks := c.keyShard(pos.Account, pos.Symbol)
	ks.mu.Lock()
	key := positionKey(pos.Account, pos.Symbol)
	cur, ok := ks.positions[key]
	if !ok {
		if pos.FillCount != 0 {
			ks.mu.Unlock()
			return false
		}
		cur = &Position{Account: pos.Account, Symbol: pos.Symbol}
	}
	if cur.FillCount != pos.FillCount ||
		(cur.NetQuantity.Equal(pos.NetQuantity) && cur.NetNotional.Equal(pos.NetNotional)) {
		ks.mu.Unlock()
		return false
	}
	p := pos
	ks.positions[key] = &p
	c.setAccountNotional(pos.Account, pos.Symbol, pos)
	ks.mu.Unlock()
	return true
}

// Position returns the cached position for account and symbol.
func (c *Cache) Position(account, symbol string) Position {
	ks := c.keyShard(account, symbol)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if p, ok := ks.positions[positionKey(account, symbol)]; ok {
		return *p
	}
	return Position{Account: account, Symbol: symbol}
}

// AccountPositions returns every cached position of account.
func (c *Cache) AccountPositions(account string) []Position {
	as := c.accountShard(account)
	as.mu.Lock()
	var symbols []string
	if st, ok := as.accounts[account]; ok {
		for sym := range st.notional {
			symbols = append(symbols, sym)
		}
	}
	as.mu.Unlock()

	out := make([]Position, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, c.Position(account, sym))
	}
	return out
}

// setAccountNotional is called with the position's key shard locked; the
// lock order is always key shard, then account shard.
func (c *Cache) setAccountNotional(account, symbol string, p Position) {
	as := c.accountShard(account)
	as.mu.Lock()
	defer as.mu.Unlock()
	st := as.state(account)
	if p.NetQuantity.IsZero() {
		delete(st.open, symbol)
	} else {
		st.open[symbol] = struct{}{}
	}
	if p.NetQuantity.IsZero() && p.NetNotional.IsZero() {
		delete(st.notional, symbol)
		return
	}
	st.notional[symbol] = p.NetNotional.Abs()
}
