// Package pricing implements the price arithmetic for order placement and
// TP/SL rebasing: NSE tick alignment, LIMIT buffering, and the signal-aware
// target/stop-loss sign table.
//
// All math is decimal; the ₹0.05 tick and 2-decimal price precision are
// exchange constants, not configuration.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/model"
)

// TickSize is the minimum price increment on the exchange (₹0.05).
var TickSize = decimal.RequireFromString("0.05")

// pricePrecision is the number of decimal places in a submitted price.
const pricePrecision = 2

var hundred = decimal.NewFromInt(100)

// ErrUnknownSignal is returned for signals other than BUY and SELL.
var ErrUnknownSignal = errors.New("pricing: signal must be BUY or SELL")

// RoundToTick snaps a price to the nearest tick and re-rounds to two
// decimals. Idempotent: a tick-aligned price maps to itself.
func RoundToTick(price decimal.Decimal) decimal.Decimal {
	ticks := price.Div(TickSize).Round(0)
	return ticks.Mul(TickSize).Round(pricePrecision)
}

// LimitPrice applies the LIMIT buffer to an alert price and tick-aligns the
// result. BUY orders are buffered upward and SELL orders downward so a
// marketable LIMIT is more likely to fill.
func LimitPrice(alertPrice, bufferPct decimal.Decimal, signal model.Signal) (decimal.Decimal, error) {
	fraction := bufferPct.Div(hundred)

	var raw decimal.Decimal
	switch signal {
	case model.SignalBuy:
		raw = alertPrice.Mul(decimal.NewFromInt(1).Add(fraction))
	case model.SignalSell:
		raw = alertPrice.Mul(decimal.NewFromInt(1).Sub(fraction))
	default:
		return decimal.Decimal{}, ErrUnknownSignal
	}
	return RoundToTick(raw), nil
}

// BracketPrices computes target and stop-loss from an entry price using the
// signal-aware sign table:
//
//	BUY:  target above entry, stop-loss below
//	SELL: target below entry, stop-loss above
//
// targetPct and stopLossPct are fractions in (0,1). Both results are
// tick-aligned.
func BracketPrices(entry, targetPct, stopLossPct decimal.Decimal, signal model.Signal) (target, stopLoss decimal.Decimal, err error) {
	one := decimal.NewFromInt(1)

	switch signal {
	case model.SignalBuy:
		target = entry.Mul(one.Add(targetPct))
		stopLoss = entry.Mul(one.Sub(stopLossPct))
	case model.SignalSell:
		target = entry.Mul(one.Sub(targetPct))
		stopLoss = entry.Mul(one.Add(stopLossPct))
	default:
		return decimal.Decimal{}, decimal.Decimal{}, ErrUnknownSignal
	}
	return RoundToTick(target), RoundToTick(stopLoss), nil
}

// Deviation returns the absolute percentage difference between the observed
// entry price and the original alert price, as a fraction of the alert
// price. Used against the rebase threshold to skip corrections within
// normal slippage noise.
func Deviation(alertPrice, entryPrice decimal.Decimal) decimal.Decimal {
	if alertPrice.IsZero() {
		return decimal.Zero
	}
	return entryPrice.Sub(alertPrice).Abs().Div(alertPrice)
}
