// Package engine executes trades and settles markets.
//
// Every mutating operation runs inside one store transaction: either all
// of its writes (balance, position, pools, transaction record) commit or
// none do. Preconditions are checked before any mutation, so a failed
// trade or settlement leaves every entity untouched. Concurrency control
// is delegated to the store: the market row is locked for the whole
// read-modify-write window, serializing trades per market while letting
// different markets proceed in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/CourageResearch/endpoint/internal/amm"
	"github.com/CourageResearch/endpoint/internal/metrics"
	"github.com/CourageResearch/endpoint/internal/model"
	"github.com/CourageResearch/endpoint/internal/store"
)

var (
	// ErrInvalidTradeType is returned for a type outside the four
	// recognized values.
	ErrInvalidTradeType = errors.New("engine: invalid trade type")

	// ErrMarketNotOpen is returned when trading against a non-OPEN market.
	ErrMarketNotOpen = errors.New("engine: market is not open")

	// ErrInsufficientBalance is returned when a buy exceeds the user's balance.
	ErrInsufficientBalance = errors.New("engine: insufficient balance")

	// ErrNoPosition is returned when selling without a position in the market.
	ErrNoPosition = errors.New("engine: no position to sell")

	// ErrInsufficientShares is returned when selling more shares than held.
	ErrInsufficientShares = errors.New("engine: insufficient shares")

	// ErrAlreadyResolved is returned when resolving a market that has
	// already been resolved or cancelled.
	ErrAlreadyResolved = errors.New("engine: market already resolved")

	// ErrNotOpen is returned when cancelling a non-OPEN market.
	ErrNotOpen = errors.New("engine: market not open")
)

// TradeRequest is one buy or sell against a market. For buys, Amount is
// currency to spend; for sells, Amount is the share count to sell.
type TradeRequest struct {
	UserID   string
	MarketID string
	Type     string
	Amount   decimal.Decimal
}

// TradeResult reports the committed outcome of a trade. Amount is the
// currency paid for buys and the payout received for sells.
type TradeResult struct {
	Shares     decimal.Decimal `json:"shares"`
	Amount     decimal.Decimal `json:"amount"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	NewBalance decimal.Decimal `json:"new_balance"`
	NewYesPool decimal.Decimal `json:"new_yes_pool"`
	NewNoPool  decimal.Decimal `json:"new_no_pool"`
}

// Settlement reports the committed outcome of a resolve or cancel.
type Settlement struct {
	MarketID  string          `json:"market_id"`
	Outcome   string          `json:"outcome,omitempty"`
	Positions int             `json:"positions"`
	TotalPaid decimal.Decimal `json:"total_paid"`
}

// Engine orchestrates trade execution and market settlement over a Store.
type Engine struct {
	store store.Store
}

// New creates an Engine backed by st.
func New(st store.Store) *Engine {
	return &Engine{store: st}
}

// ExecuteTrade validates, prices, and commits one trade atomically.
func (e *Engine) ExecuteTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	if !model.ValidTradeType(req.Type) {
		return nil, ErrInvalidTradeType
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, amm.ErrInvalidAmount
	}

	start := time.Now()
	var result *TradeResult
	err := e.store.Atomic(ctx, func(s store.Store) error {
		user, err := s.GetUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		market, err := s.GetMarketForUpdate(ctx, req.MarketID)
		if err != nil {
			return err
		}
		if market.Status != model.StatusOpen {
			return ErrMarketNotOpen
		}

		position, err := s.GetPosition(ctx, req.UserID, req.MarketID)
		if errors.Is(err, store.ErrPositionNotFound) {
			position = nil
		} else if err != nil {
			return err
		}

		var quote amm.Quote
		var newBalance decimal.Decimal
		now := time.Now().UTC()

		if model.IsBuy(req.Type) {
			if req.Type == model.BuyYes {
				quote, err = amm.BuyYes(market.YesPool, market.NoPool, req.Amount)
			} else {
				quote, err = amm.BuyNo(market.YesPool, market.NoPool, req.Amount)
			}
			if err != nil {
				return err
			}

			// The guarded debit checks the stored balance at write time,
			// so two concurrent buys by one user cannot both pass against
			// the same starting balance.
			newBalance, err = s.DebitUserBalance(ctx, user.ID, req.Amount)
			if errors.Is(err, store.ErrInsufficientFunds) {
				return ErrInsufficientBalance
			}
			if err != nil {
				return err
			}

			if position == nil {
				position = &model.Position{
					UserID:        req.UserID,
					MarketID:      req.MarketID,
					YesShares:     decimal.Zero,
					NoShares:      decimal.Zero,
					TotalInvested: decimal.Zero,
				}
			}
			if req.Type == model.BuyYes {
				position.YesShares = position.YesShares.Add(quote.Shares)
			} else {
				position.NoShares = position.NoShares.Add(quote.Shares)
			}
			position.TotalInvested = position.TotalInvested.Add(req.Amount)
		} else {
			if position == nil {
				return ErrNoPosition
			}
			if req.Type == model.SellYes {
				if position.YesShares.LessThan(req.Amount) {
					return ErrInsufficientShares
				}
				quote, err = amm.SellYes(market.YesPool, market.NoPool, req.Amount)
			} else {
				if position.NoShares.LessThan(req.Amount) {
					return ErrInsufficientShares
				}
				quote, err = amm.SellNo(market.YesPool, market.NoPool, req.Amount)
			}
			if err != nil {
				return err
			}

			newBalance, err = s.CreditUserBalance(ctx, user.ID, quote.Amount)
			if err != nil {
				return err
			}

			if req.Type == model.SellYes {
				position.YesShares = position.YesShares.Sub(req.Amount)
			} else {
				position.NoShares = position.NoShares.Sub(req.Amount)
			}
		}

		position.UpdatedAt = now
		if err := s.SavePosition(ctx, position); err != nil {
			return err
		}
		if err := s.UpdateMarketPools(ctx, market.ID, quote.NewYesPool, quote.NewNoPool); err != nil {
			return err
		}
		if err := s.InsertTransaction(ctx, &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    req.UserID,
			MarketID:  req.MarketID,
			Type:      req.Type,
			Shares:    quote.Shares,
			Price:     quote.AvgPrice,
			Amount:    quote.Amount,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		result = &TradeResult{
			Shares:     quote.Shares,
			Amount:     quote.Amount,
			AvgPrice:   quote.AvgPrice,
			NewBalance: newBalance,
			NewYesPool: quote.NewYesPool,
			NewNoPool:  quote.NewNoPool,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(req.Type).Inc()
	metrics.TradeLatency.WithLabelValues(req.Type).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"user", req.UserID,
		"market", req.MarketID,
		"type", req.Type,
		"shares", result.Shares.String(),
		"avg_price", result.AvgPrice.String(),
		"yes_pool", result.NewYesPool.String(),
		"no_pool", result.NewNoPool.String(),
	)
	return result, nil
}

// Resolve settles the market to a definite outcome. Every position is
// credited one currency unit per winning share; losing shares expire
// worthless. All credits and the status change commit together. Both
// OPEN and CLOSED markets settle: a market closed when its trial stopped
// still pays holders once the outcome lands.
func (e *Engine) Resolve(ctx context.Context, marketID, outcome string) (*Settlement, error) {
	if outcome != model.OutcomeYes && outcome != model.OutcomeNo {
		return nil, fmt.Errorf("engine: invalid outcome %q", outcome)
	}

	var settlement *Settlement
	var wasOpen bool
	err := e.store.Atomic(ctx, func(s store.Store) error {
		market, err := s.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if market.Status != model.StatusOpen && market.Status != model.StatusClosed {
			return ErrAlreadyResolved
		}
		wasOpen = market.Status == model.StatusOpen

		positions, err := s.ListPositionsByMarket(ctx, marketID)
		if err != nil {
			return err
		}

		totalPaid := decimal.Zero
		for _, p := range positions {
			payout := p.YesShares
			if outcome == model.OutcomeNo {
				payout = p.NoShares
			}
			if payout.IsPositive() {
				if _, err := s.CreditUserBalance(ctx, p.UserID, payout); err != nil {
					return err
				}
				totalPaid = totalPaid.Add(payout)
			}
		}

		if err := s.ResolveMarket(ctx, marketID, outcome, time.Now().UTC()); err != nil {
			return err
		}

		settlement = &Settlement{
			MarketID:  marketID,
			Outcome:   outcome,
			Positions: len(positions),
			TotalPaid: totalPaid,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ResolutionsTotal.WithLabelValues(outcome).Inc()
	if wasOpen {
		metrics.ActiveMarkets.Dec()
	}
	slog.Info("market resolved",
		"market", marketID,
		"outcome", outcome,
		"positions", settlement.Positions,
		"total_paid", settlement.TotalPaid.String(),
	)
	return settlement, nil
}

// Cancel voids the market, refunding each position's cost basis rather
// than any market-value payout. All refunds and the status change commit
// together.
func (e *Engine) Cancel(ctx context.Context, marketID string) (*Settlement, error) {
	var settlement *Settlement
	err := e.store.Atomic(ctx, func(s store.Store) error {
		market, err := s.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if market.Status != model.StatusOpen {
			return ErrNotOpen
		}

		positions, err := s.ListPositionsByMarket(ctx, marketID)
		if err != nil {
			return err
		}

		totalPaid := decimal.Zero
		for _, p := range positions {
			if p.TotalInvested.IsPositive() {
				if _, err := s.CreditUserBalance(ctx, p.UserID, p.TotalInvested); err != nil {
					return err
				}
				totalPaid = totalPaid.Add(p.TotalInvested)
			}
		}

		if err := s.ResolveMarket(ctx, marketID, "", time.Now().UTC()); err != nil {
			return err
		}

		settlement = &Settlement{
			MarketID:  marketID,
			Positions: len(positions),
			TotalPaid: totalPaid,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ResolutionsTotal.WithLabelValues("CANCEL").Inc()
	metrics.ActiveMarkets.Dec()
	slog.Info("market cancelled",
		"market", marketID,
		"positions", settlement.Positions,
		"refunded", settlement.TotalPaid.String(),
	)
	return settlement, nil
}

// CreateMarket opens a fresh 50/50 market for a trial.
func (e *Engine) CreateMarket(ctx context.Context, trialID, question string) (*model.Market, error) {
	market := &model.Market{
		ID:        uuid.New().String(),
		TrialID:   trialID,
		Question:  question,
		YesPool:   model.InitialPool,
		NoPool:    model.InitialPool,
		Status:    model.StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateMarket(ctx, market); err != nil {
		return nil, err
	}
	metrics.ActiveMarkets.Inc()
	slog.Info("market created", "market", market.ID, "trial", trialID)
	return market, nil
}

// CreateUser provisions an account with the initial balance grant.
func (e *Engine) CreateUser(ctx context.Context, name, email string) (*model.User, error) {
	user := &model.User{
		ID:        uuid.New().String(),
		Name:      name,
		Email:     email,
		Balance:   model.InitialBalance,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
