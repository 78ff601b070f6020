// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CourageResearch/endpoint/internal/model"
)

// Sentinel lookup errors. Engine and handlers match these with errors.Is.
var (
	ErrUserNotFound      = errors.New("store: user not found")
	ErrMarketNotFound    = errors.New("store: market not found")
	ErrTrialNotFound     = errors.New("store: trial not found")
	ErrPositionNotFound  = errors.New("store: position not found")
	ErrDuplicateMarket   = errors.New("store: market already exists for trial")
	ErrInsufficientFunds = errors.New("store: insufficient funds")
)

// MarketFilter narrows ListMarkets results.
type MarketFilter struct {
	Status string
	Limit  int
	Offset int
}

// Store is the persistence interface. Every mutating engine operation runs
// inside Atomic: the callback receives a transactional view of the store,
// and either every write made through it commits or none do.
type Store interface {
	// Atomic runs fn against a transactional view with commit-or-rollback
	// on all exit paths. Nested calls reuse the enclosing transaction.
	// GetMarketForUpdate inside Atomic locks the market row for the full
	// read-modify-write window, serializing concurrent trades per market.
	Atomic(ctx context.Context, fn func(Store) error) error

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	// DebitUserBalance subtracts amount from the user's balance in one
	// guarded operation: the balance check and the write happen on the
	// stored value, never on a previously read copy, so two concurrent
	// debits cannot both pass against the same starting balance. Returns
	// ErrInsufficientFunds when the balance does not cover amount.
	DebitUserBalance(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error)
	// CreditUserBalance adds delta to the user's balance in place and
	// returns the new balance. Relative so concurrent credits compose.
	CreditUserBalance(ctx context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error)

	// --- Trials ---

	UpsertTrial(ctx context.Context, t *model.Trial) (created bool, err error)
	GetTrialByNCTID(ctx context.Context, nctID string) (*model.Trial, error)
	GetTrial(ctx context.Context, id string) (*model.Trial, error)

	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	// GetMarketForUpdate reads the market holding its row lock when called
	// inside Atomic. Callers outside a transaction get a plain read.
	GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error)
	GetMarketByTrial(ctx context.Context, trialID string) (*model.Market, error)
	ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error)
	CountMarketsByStatus(ctx context.Context, status string) (int, error)
	UpdateMarketPools(ctx context.Context, id string, yesPool, noPool decimal.Decimal) error
	UpdateMarketStatus(ctx context.Context, id, status string) error
	ResolveMarket(ctx context.Context, id, outcome string, at time.Time) error

	// --- Positions ---

	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)
	// SavePosition inserts or updates the one row per (user, market) pair.
	SavePosition(ctx context.Context, p *model.Position) error
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// --- Immutable transaction log ---

	InsertTransaction(ctx context.Context, tx *model.Transaction) error
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)
	ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error)
	CountTransactionsByUser(ctx context.Context, userID string) (int, error)
}
