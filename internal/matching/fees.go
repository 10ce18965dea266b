package matching

import (
	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/settlement/pkg/model"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// feeOn is the platform fee on gross, rounded half-up to 6 places.
func feeOn(gross decimal.Decimal, bps int) decimal.Decimal {
	if bps <= 0 {
		return decimal.Zero
	}
	return gross.Mul(decimal.NewFromInt(int64(bps))).Div(bpsDivisor).Round(6)
}

// Fees totals the cash legs of a settlement.
func Fees(legs []model.Leg, bps int) model.FeeBreakdown {
	gross, fee := decimal.Zero, decimal.Zero
	for _, l := range legs {
		gross = gross.Add(l.GrossCash)
		fee = fee.Add(l.FeeCash)
	}
	return model.FeeBreakdown{
		Gross:       gross,
		PlatformFee: fee,
		Net:         gross.Sub(fee),
		FeeBps:      bps,
	}
}
