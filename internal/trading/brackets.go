package trading

import (
	"github.com/ksred/bracketd/internal/types"
	"github.com/shopspring/decimal"
)

// BracketPrices returns the take-profit and stop-loss trigger prices for a
// position entered at entry, rounded to precision decimal places.
func BracketPrices(side types.Side, entry, tpPct, slPct float64, precision int32) (tp, sl float64) {
	e := decimal.NewFromFloat(entry)
	hundred := decimal.NewFromInt(100)
	up := decimal.NewFromFloat(tpPct).Div(hundred)
	down := decimal.NewFromFloat(slPct).Div(hundred)
	one := decimal.NewFromInt(1)

	var tpd, sld decimal.Decimal
	if side == types.SideSell {
		tpd = e.Mul(one.Sub(up))
		sld = e.Mul(one.Add(down))
	} else {
		tpd = e.Mul(one.Add(up))
		sld = e.Mul(one.Sub(down))
	}
	tp, _ = tpd.Round(precision).Float64()
	sl, _ = sld.Round(precision).Float64()
	return tp, sl
}
