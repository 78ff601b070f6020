// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
// One currency unit equals one winning share at settlement, which is why
// pool reserves and user balances share the same denomination.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market lifecycle states.
const (
	StatusOpen      = "OPEN"
	StatusClosed    = "CLOSED"
	StatusResolved  = "RESOLVED"
	StatusCancelled = "CANCELLED"
)

// Binary outcomes.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// Trade types — exactly these four. Anything else is rejected before it
// reaches the engine.
const (
	BuyYes  = "BUY_YES"
	BuyNo   = "BUY_NO"
	SellYes = "SELL_YES"
	SellNo  = "SELL_NO"
)

// Default initial state: symmetric 1000/1000 pools price both sides at
// 0.50, and every new user starts with 1000 currency units.
var (
	InitialPool    = decimal.NewFromInt(1000)
	InitialBalance = decimal.NewFromInt(1000)
)

// User holds an account and its play-money balance. Balance never goes
// negative at a committed state; the trade executor enforces it.
type User struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Email     string          `json:"email" db:"email"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Trial is a Phase 3 clinical trial from ClinicalTrials.gov. Each trial
// backs exactly one market.
type Trial struct {
	ID                      string     `json:"id" db:"id"`
	NCTID                   string     `json:"nct_id" db:"nct_id"`
	Title                   string     `json:"title" db:"title"`
	Phase                   string     `json:"phase" db:"phase"`
	Status                  string     `json:"status" db:"status"`
	Sponsor                 string     `json:"sponsor" db:"sponsor"`
	Conditions              []string   `json:"conditions" db:"conditions"`
	Interventions           []string   `json:"interventions" db:"interventions"`
	StartDate               *time.Time `json:"start_date" db:"start_date"`
	EstimatedCompletionDate *time.Time `json:"estimated_completion_date" db:"estimated_completion_date"`
	UpdatedAt               time.Time  `json:"updated_at" db:"updated_at"`
}

// Market is a binary YES/NO market priced by the constant-product AMM.
// Both pools stay strictly positive: the hyperbola k = yesPool*noPool
// approaches but never reaches zero for any finite trade.
type Market struct {
	ID              string          `json:"id" db:"id"`
	TrialID         string          `json:"trial_id" db:"trial_id"`
	Question        string          `json:"question" db:"question"`
	YesPool         decimal.Decimal `json:"yes_pool" db:"yes_pool"`
	NoPool          decimal.Decimal `json:"no_pool" db:"no_pool"`
	Status          string          `json:"status" db:"status"`
	ResolvedOutcome string          `json:"resolved_outcome,omitempty" db:"resolved_outcome"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's accumulated holdings in one market. One row per
// (user, market) pair. Shares never go negative; zero-share positions
// persist as history.
type Position struct {
	UserID        string          `json:"user_id" db:"user_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	YesShares     decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares      decimal.Decimal `json:"no_shares" db:"no_shares"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of one executed trade. Append-only;
// never mutated or deleted.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Type      string          `json:"type" db:"type"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// PositionView is a position annotated with mark-to-market valuation from
// live pool prices. Valuation convention only — not an engine invariant.
type PositionView struct {
	Position
	PriceYes      decimal.Decimal `json:"price_yes"`
	PriceNo       decimal.Decimal `json:"price_no"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	Profit        decimal.Decimal `json:"profit"`
	ProfitPercent decimal.Decimal `json:"profit_percent"`
}

// Portfolio aggregates a user's balance and open positions.
type Portfolio struct {
	UserID         string          `json:"user_id"`
	Balance        decimal.Decimal `json:"balance"`
	Positions      []PositionView  `json:"positions"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
}

// LeaderboardEntry ranks a user by balance plus mark-to-market portfolio
// value. Profit is measured against the initial balance grant.
type LeaderboardEntry struct {
	UserID         string          `json:"user_id"`
	Name           string          `json:"name"`
	Balance        decimal.Decimal `json:"balance"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	TotalProfit    decimal.Decimal `json:"total_profit"`
	TradesCount    int             `json:"trades_count"`
}

// ValidTradeType reports whether t is one of the four recognized types.
func ValidTradeType(t string) bool {
	switch t {
	case BuyYes, BuyNo, SellYes, SellNo:
		return true
	}
	return false
}

// IsBuy reports whether t is a buying trade type.
func IsBuy(t string) bool {
	return t == BuyYes || t == BuyNo
}
