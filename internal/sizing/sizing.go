// Package sizing converts an alert price and one account's trading
// parameters into an order quantity and value, or an explicit rejection.
//
// Rejections are expected business outcomes (funds too small, order value
// out of bounds), reported as values rather than errors so the dispatcher
// can surface them per account.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/model"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/pricing"
)

// Rejection reasons.
const (
	ReasonZeroQuantity  = "computed quantity is zero"
	ReasonBelowMinValue = "order value below account minimum"
	ReasonAboveMaxValue = "order value above account maximum"
)

// PositionResult is the outcome of sizing one (alert, account) pairing.
// When Rejected is true the remaining numeric fields are undefined and
// Reason explains why no order should be placed.
type PositionResult struct {
	Rejected bool
	Reason   string

	Quantity       int64
	OrderValue     decimal.Decimal
	LeveragedValue decimal.Decimal
	TargetPrice    decimal.Decimal
	StopLossPrice  decimal.Decimal
}

// ComputePosition sizes an order for one account:
//
//	usable   = availableFunds * maxPositionSize
//	baseQty  = floor(usable / alertPrice)
//	finalQty = floor(baseQty * riskOnCapital)
//
// A zero MaxPositionSize means uncapped. The provisional target and
// stop-loss are derived from the alert price; they are corrected later from
// the actual fill if rebasing is enabled.
func ComputePosition(alertPrice decimal.Decimal, acct model.AccountConfig, signal model.Signal) (PositionResult, error) {
	if alertPrice.LessThanOrEqual(decimal.Zero) {
		return PositionResult{}, fmt.Errorf("sizing: alert price must be positive, got %s", alertPrice)
	}

	usable := acct.AvailableFunds
	if acct.MaxPositionSize.GreaterThan(decimal.Zero) {
		usable = usable.Mul(acct.MaxPositionSize)
	}

	baseQty := usable.Div(alertPrice).Floor()
	finalQty := baseQty.Mul(acct.RiskOnCapital).Floor()

	if finalQty.LessThanOrEqual(decimal.Zero) {
		return PositionResult{Rejected: true, Reason: ReasonZeroQuantity}, nil
	}

	orderValue := finalQty.Mul(alertPrice)
	if orderValue.LessThan(acct.MinOrderValue) {
		return PositionResult{
			Rejected: true,
			Reason:   fmt.Sprintf("%s (%s < %s)", ReasonBelowMinValue, orderValue, acct.MinOrderValue),
		}, nil
	}
	if orderValue.GreaterThan(acct.MaxOrderValue) {
		return PositionResult{
			Rejected: true,
			Reason:   fmt.Sprintf("%s (%s > %s)", ReasonAboveMaxValue, orderValue, acct.MaxOrderValue),
		}, nil
	}

	leveraged := orderValue
	if acct.Leverage.GreaterThan(decimal.Zero) {
		leveraged = orderValue.Div(acct.Leverage)
	}

	target, stopLoss, err := pricing.BracketPrices(alertPrice, acct.TargetPct, acct.StopLossPct, signal)
	if err != nil {
		return PositionResult{}, err
	}

	return PositionResult{
		Quantity:       finalQty.IntPart(),
		OrderValue:     orderValue,
		LeveragedValue: leveraged,
		TargetPrice:    target,
		StopLossPrice:  stopLoss,
	}, nil
}
