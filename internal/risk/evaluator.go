package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-router/internal/exposure"
	"github.com/ksred/klear-router/internal/types"
)

// Request carries the order fields the evaluator looks at.
type Request struct {
	Account   string
	Symbol    string
	Side      types.Side
	OrderType types.OrderType
	Quantity  decimal.Decimal
	Price     *decimal.Decimal
}

// Decision is the outcome of one evaluation. Rejections are always CRITICAL.
type Decision struct {
	Approved         bool             `json:"approved"`
	Tier             types.Tier       `json:"tier"`
	Code             types.RejectCode `json:"code,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	ReferencePrice   decimal.Decimal  `json:"reference_price"`
	ProjectedSymbol  decimal.Decimal  `json:"projected_symbol_notional"`
	ProjectedAccount decimal.Decimal  `json:"projected_account_notional"`
}

func reject(code types.RejectCode, format string, args ...interface{}) Decision {
	return Decision{
		Approved: false,
		Tier:     types.TierCritical,
		Code:     code,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// Evaluate runs the pre-trade checks against a consistent exposure view and
// limits snapshot. It performs no I/O and takes no locks. Checks run in a
// fixed order and the first failure wins.
func Evaluate(req Request, view exposure.View, limits *Limits) Decision {
	if limits == nil {
		return reject(types.RejectRiskUnavailable, "risk limits not loaded")
	}

	// Structural
	if !req.Quantity.IsPositive() {
		return reject(types.RejectValidation, "quantity must be positive")
	}
	if !req.Side.Valid() {
		return reject(types.RejectValidation, "invalid side %q", req.Side)
	}
	if !req.OrderType.Valid() {
		return reject(types.RejectValidation, "invalid order type %q", req.OrderType)
	}
	if req.OrderType == types.OrderTypeLimit && (req.Price == nil || !req.Price.IsPositive()) {
		return reject(types.RejectValidation, "limit order requires a positive price")
	}
	if !limits.KnownSymbol(req.Symbol) {
		return reject(types.RejectUnknownSymbol, "unknown symbol %s", req.Symbol)
	}

	// Order size
	maxQty := limits.maxOrderQuantity(req.Symbol)
	if req.Quantity.GreaterThan(maxQty) {
		return reject(types.RejectOrderSize, "order quantity %s exceeds max order quantity %s", req.Quantity, maxQty)
	}

	// Projected exposure
	refPrice, ok := ReferencePrice(req, view, limits)
	if !ok {
		return reject(types.RejectNoReferencePrice, "no reference price for %s", req.Symbol)
	}
	orderNotional := req.Quantity.Mul(refPrice)

	net := view.Position.NetNotional
	var basis, projected decimal.Decimal
	if req.Side == types.SideBuy {
		basis = net.Add(view.ReservedBuy)
		projected = basis.Add(orderNotional)
	} else {
		basis = net.Sub(view.ReservedSell)
		projected = basis.Sub(orderNotional)
	}
	projectedSymbol := projected.Abs()
	projectedAccount := view.AccountGross.Sub(net.Abs()).Add(projectedSymbol).Add(view.ReservedOther)
	reducing := projectedSymbol.LessThanOrEqual(basis.Abs())

	d := Decision{
		Approved:         true,
		ReferencePrice:   refPrice,
		ProjectedSymbol:  projectedSymbol,
		ProjectedAccount: projectedAccount,
	}

	maxSymbol := limits.maxSymbolNotional(req.Symbol)
	if !reducing {
		if maxSymbol.IsPositive() && projectedSymbol.GreaterThan(maxSymbol) {
			out := reject(types.RejectSymbolExposureLimit,
				"projected %s notional %s exceeds symbol exposure limit %s", req.Symbol, projectedSymbol.StringFixed(2), maxSymbol)
			out.ReferencePrice, out.ProjectedSymbol, out.ProjectedAccount = refPrice, projectedSymbol, projectedAccount
			return out
		}
		if projectedAccount.GreaterThan(limits.MaxNotional) {
			out := reject(types.RejectExposureLimit,
				"projected account notional %s exceeds exposure limit %s", projectedAccount.StringFixed(2), limits.MaxNotional)
			out.ReferencePrice, out.ProjectedSymbol, out.ProjectedAccount = refPrice, projectedSymbol, projectedAccount
			return out
		}
		opening := view.Position.NetQuantity.IsZero()
		if opening && limits.MaxOpenPositions > 0 && view.OpenPositions >= limits.MaxOpenPositions {
			out := reject(types.RejectOpenPositions,
				"account already holds %d open positions, limit %d", view.OpenPositions, limits.MaxOpenPositions)
			out.ReferencePrice, out.ProjectedSymbol, out.ProjectedAccount = refPrice, projectedSymbol, projectedAccount
			return out
		}
	}

	d.Tier = tier(req, limits, projectedSymbol, projectedAccount, maxSymbol)
	return d
}

// ReferencePrice picks the price used to value an order: the limit price,
// else the symbol's configured reference price, else the last mark.
func ReferencePrice(req Request, view exposure.View, limits *Limits) (decimal.Decimal, bool) {
	if req.Price != nil && req.Price.IsPositive() {
		return *req.Price, true
	}
	if limits != nil {
		if s, ok := limits.Symbols[req.Symbol]; ok && s.ReferencePrice.IsPositive() {
			return s.ReferencePrice, true
		}
	}
	if view.HasMark && view.Mark.IsPositive() {
		return view.Mark, true
	}
	return decimal.Zero, false
}

func tier(req Request, limits *Limits, projectedSymbol, projectedAccount, maxSymbol decimal.Decimal) types.Tier {
	utilisation := projectedAccount.Div(limits.MaxNotional)
	if maxSymbol.IsPositive() {
		if u := projectedSymbol.Div(maxSymbol); u.GreaterThan(utilisation) {
			utilisation = u
		}
	}

	warnAt := decimal.NewFromInt(1).Sub(limits.WarningBuffer)
	large := limits.largeOrderQuantity(req.Symbol)
	switch {
	case utilisation.GreaterThanOrEqual(warnAt):
		return types.TierHigh
	case large.IsPositive() && req.Quantity.GreaterThan(large):
		return types.TierHigh
	case limits.MediumUtilisation.IsPositive() && utilisation.GreaterThanOrEqual(limits.MediumUtilisation):
		return types.TierMedium
	default:
		return types.TierLow
	}
}
