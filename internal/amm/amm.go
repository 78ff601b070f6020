// Package amm implements a constant-product automated market maker for
// binary YES/NO prediction markets.
//
// The invariant k = yesPool * noPool is held exactly constant by every
// trade (no fee is modeled). Buying YES injects currency into the NO pool
// and shrinks the YES pool along the hyperbola; the share delta is what
// the buyer receives. Because the shrinking pool follows k/newOpposite,
// reserves approach but never reach zero for any finite positive trade —
// a load-bearing invariant, not an accident of the formula.
//
// All quantities use shopspring/decimal — never float64 for money. Every
// function is pure and deterministic: the same math serves price previews
// and real executions, with the caller applying any mutation.
package amm

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when a non-positive amount or share count
// is passed to a pricing function.
var ErrInvalidAmount = errors.New("amm: amount must be positive")

// PriceScale is the number of decimal places for reported prices.
var PriceScale int32 = 8

// Price is the instantaneous YES/NO price pair. Both lie strictly in
// (0, 1) and sum to one whenever both pools are positive.
type Price struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// Quote is the outcome of one trade against the pools.
//
// For buys, Shares is what the trader receives and Amount is what they
// paid. For sells, Shares is what they gave up and Amount is the payout.
// AvgPrice is Amount/Shares in both directions.
type Quote struct {
	Shares     decimal.Decimal `json:"shares"`
	Amount     decimal.Decimal `json:"amount"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	NewYesPool decimal.Decimal `json:"new_yes_pool"`
	NewNoPool  decimal.Decimal `json:"new_no_pool"`
}

// Prices computes the current spot prices from the pool reserves:
//
//	yes = noPool / (yesPool + noPool)
//	no  = yesPool / (yesPool + noPool)
func Prices(yesPool, noPool decimal.Decimal) Price {
	total := yesPool.Add(noPool)
	return Price{
		Yes: noPool.Div(total),
		No:  yesPool.Div(total),
	}
}

// BuyYes quotes spending amount to buy YES shares:
//
//	shares = yesPool - k/(noPool + amount)
func BuyYes(yesPool, noPool, amount decimal.Decimal) (Quote, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidAmount
	}
	k := yesPool.Mul(noPool)
	newNoPool := noPool.Add(amount)
	newYesPool := k.Div(newNoPool)
	shares := yesPool.Sub(newYesPool)

	return Quote{
		Shares:     shares,
		Amount:     amount,
		AvgPrice:   amount.Div(shares).Round(PriceScale),
		NewYesPool: newYesPool,
		NewNoPool:  newNoPool,
	}, nil
}

// BuyNo quotes spending amount to buy NO shares:
//
//	shares = noPool - k/(yesPool + amount)
func BuyNo(yesPool, noPool, amount decimal.Decimal) (Quote, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidAmount
	}
	k := yesPool.Mul(noPool)
	newYesPool := yesPool.Add(amount)
	newNoPool := k.Div(newYesPool)
	shares := noPool.Sub(newNoPool)

	return Quote{
		Shares:     shares,
		Amount:     amount,
		AvgPrice:   amount.Div(shares).Round(PriceScale),
		NewYesPool: newYesPool,
		NewNoPool:  newNoPool,
	}, nil
}

// SellYes quotes selling shares of YES back into the pool:
//
//	payout = noPool - k/(yesPool + shares)
func SellYes(yesPool, noPool, shares decimal.Decimal) (Quote, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidAmount
	}
	k := yesPool.Mul(noPool)
	newYesPool := yesPool.Add(shares)
	newNoPool := k.Div(newYesPool)
	payout := noPool.Sub(newNoPool)

	return Quote{
		Shares:     shares,
		Amount:     payout,
		AvgPrice:   payout.Div(shares).Round(PriceScale),
		NewYesPool: newYesPool,
		NewNoPool:  newNoPool,
	}, nil
}

// SellNo quotes selling shares of NO back into the pool:
//
//	payout = yesPool - k/(noPool + shares)
func SellNo(yesPool, noPool, shares decimal.Decimal) (Quote, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidAmount
	}
	k := yesPool.Mul(noPool)
	newNoPool := noPool.Add(shares)
	newYesPool := k.Div(newNoPool)
	payout := yesPool.Sub(newYesPool)

	return Quote{
		Shares:     shares,
		Amount:     payout,
		AvgPrice:   payout.Div(shares).Round(PriceScale),
		NewYesPool: newYesPool,
		NewNoPool:  newNoPool,
	}, nil
}

// PositionValue marks a holding to market at the given YES price:
// yesShares*priceYes + noShares*(1-priceYes). Used by portfolio and
// leaderboard valuation; never by settlement.
func PositionValue(yesShares, noShares, priceYes decimal.Decimal) decimal.Decimal {
	priceNo := decimal.NewFromInt(1).Sub(priceYes)
	return yesShares.Mul(priceYes).Add(noShares.Mul(priceNo))
}
