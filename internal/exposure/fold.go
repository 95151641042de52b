package exposure

import (
	"sort"

	"github.com/ksred/klear-router/internal/types"
)

// Fold reconstructs positions from a fill history. The result is ordered by
// account, then symbol.
func Fold(fills []types.Fill) []Position {
	byKey := make(map[string]*Position)
	for _, f := range fills {
		key := positionKey(f.Account, f.Symbol)
		p, ok := byKey[key]
		if !ok {
			p = &Position{Account: f.Account, Symbol: f.Symbol}
			byKey[key] = p
		}
		signedQty := f.Quantity.Mul(f.Side.Sign())
		p.NetQuantity = p.NetQuantity.Add(signedQty)
		p.NetNotional = p.NetNotional.Add(signedQty.Mul(f.Price))
		p.FillCount++
	}

	out := make([]Position, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
