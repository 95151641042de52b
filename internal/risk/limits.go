// Package risk implements the pre-trade risk check: an immutable limits
// snapshot that is swapped atomically on reload, a pure evaluator, and a
// gate that bounds the evaluation with a strict timeout.
package risk

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoLimits      = errors.New("risk limits not loaded")
	ErrInvalidLimits = errors.New("invalid risk limits")
)

// SymbolLimits overrides the global limits for one symbol. Zero values fall
// back to the global setting.
type SymbolLimits struct {
	MaxNotional        decimal.Decimal
	MaxOrderQuantity   decimal.Decimal
	LargeOrderQuantity decimal.Decimal
	ReferencePrice     decimal.Decimal
}

// Limits is a read-only snapshot. Never mutate a Limits after it has been
// handed to a LimitsStore; build a new one and Swap it in.
type Limits struct {
	// MaxNotional caps the gross notional of an account across symbols.
	MaxNotional decimal.Decimal
	// MaxSymbolNotional caps one symbol's notional. Zero disables the cap.
	MaxSymbolNotional  decimal.Decimal
	MaxOpenPositions   int
	MaxOrderQuantity   decimal.Decimal
	LargeOrderQuantity decimal.Decimal
	// WarningBuffer is the fraction of a limit below it that yields a HIGH tier.
	WarningBuffer decimal.Decimal
	// MediumUtilisation is the fraction of a limit above which orders are MEDIUM.
	MediumUtilisation decimal.Decimal
	Symbols           map[string]SymbolLimits
}

// KnownSymbol reports whether the symbol is tradable.
func (l *Limits) KnownSymbol(symbol string) bool {
	_, ok := l.Symbols[symbol]
	return ok
}

func (l *Limits) maxOrderQuantity(symbol string) decimal.Decimal {
	if s, ok := l.Symbols[symbol]; ok && s.MaxOrderQuantity.IsPositive() {
		return s.MaxOrderQuantity
	}
	return l.MaxOrderQuantity
}

func (l *Limits) largeOrderQuantity(symbol string) decimal.Decimal {
	if s, ok := l.Symbols[symbol]; ok && s.LargeOrderQuantity.IsPositive() {
		return s.LargeOrderQuantity
	}
	return l.LargeOrderQuantity
}

func (l *Limits) maxSymbolNotional(symbol string) decimal.Decimal {
	if s, ok := l.Symbols[symbol]; ok && s.MaxNotional.IsPositive() {
		return s.MaxNotional
	}
	return l.MaxSymbolNotional
}

// Validate checks that the snapshot is usable.
func (l *Limits) Validate() error {
	if !l.MaxNotional.IsPositive() {
		return fmt.Errorf("%w: max_notional must be positive", ErrInvalidLimits)
	}
	if !l.MaxOrderQuantity.IsPositive() {
		return fmt.Errorf("%w: max_order_quantity must be positive", ErrInvalidLimits)
	}
	if l.MaxOpenPositions < 0 {
		return fmt.Errorf("%w: max_open_positions must not be negative", ErrInvalidLimits)
	}
	if l.WarningBuffer.IsNegative() || l.WarningBuffer.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: warning_buffer must be in [0, 1)", ErrInvalidLimits)
	}
	if len(l.Symbols) == 0 {
		return fmt.Errorf("%w: at least one symbol is required", ErrInvalidLimits)
	}
	return nil
}

// LimitsFile is the YAML representation of Limits.
type LimitsFile struct {
	MaxNotional        float64                    `yaml:"max_notional"`
	MaxSymbolNotional  float64                    `yaml:"max_symbol_notional"`
	MaxOpenPositions   int                        `yaml:"max_open_positions"`
	MaxOrderQuantity   float64                    `yaml:"max_order_quantity"`
	LargeOrderQuantity float64                    `yaml:"large_order_quantity"`
	WarningBuffer      float64                    `yaml:"warning_buffer"`
	MediumUtilisation  float64                    `yaml:"medium_utilisation"`
	Symbols            map[string]SymbolLimitFile `yaml:"symbols"`
}

type SymbolLimitFile struct {
	MaxNotional        float64 `yaml:"max_notional"`
	MaxOrderQuantity   float64 `yaml:"max_order_quantity"`
	LargeOrderQuantity float64 `yaml:"large_order_quantity"`
	ReferencePrice     float64 `yaml:"reference_price"`
}

// Build converts the file form into a validated snapshot.
func (f LimitsFile) Build() (*Limits, error) {
	l := &Limits{
		MaxNotional:        decimal.NewFromFloat(f.MaxNotional),
		MaxSymbolNotional:  decimal.NewFromFloat(f.MaxSymbolNotional),
		MaxOpenPositions:   f.MaxOpenPositions,
		MaxOrderQuantity:   decimal.NewFromFloat(f.MaxOrderQuantity),
		LargeOrderQuantity: decimal.NewFromFloat(f.LargeOrderQuantity),
		WarningBuffer:      decimal.NewFromFloat(f.WarningBuffer),
		MediumUtilisation:  decimal.NewFromFloat(f.MediumUtilisation),
		Symbols:            make(map[string]SymbolLimits, len(f.Symbols)),
	}
	if l.MediumUtilisation.IsZero() {
		l.MediumUtilisation = decimal.NewFromFloat(0.5)
	}
	for sym, s := range f.Symbols {
		l.Symbols[sym] = SymbolLimits{
			MaxNotional:        decimal.NewFromFloat(s.MaxNotional),
			MaxOrderQuantity:   decimal.NewFromFloat(s.MaxOrderQuantity),
			LargeOrderQuantity: decimal.NewFromFloat(s.LargeOrderQuantity),
			ReferencePrice:     decimal.NewFromFloat(s.ReferencePrice),
		}
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadLimitsFile reads and validates a limits YAML file.
func LoadLimitsFile(path string) (*Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f LimitsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse limits %s: %w", path, err)
	}
	return f.Build()
}

// LimitsStore publishes the active snapshot. Readers always see a complete
// snapshot; writers replace the pointer.
type LimitsStore struct {
	current atomic.Pointer[Limits]
}

func NewLimitsStore(initial *Limits) *LimitsStore {
	s := &LimitsStore{}
	if initial != nil {
		s.current.Store(initial)
	}
	return s
}

// Current returns the active snapshot or nil if none was loaded.
func (s *LimitsStore) Current() *Limits {
	return s.current.Load()
}

// Swap validates and installs a new snapshot, returning the previous one.
func (s *LimitsStore) Swap(next *Limits) (*Limits, error) {
	if next == nil {
		return nil, ErrNoLimits
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return s.current.Swap(next), nil
}
