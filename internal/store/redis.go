package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/CourageResearch/endpoint/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: market lookups and per-user positions.
// Writes go to the primary store and invalidate the affected keys; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// Atomic delegates to the primary store's transaction. Mutations made
// through the transactional view are recorded and their cache keys
// invalidated after a successful commit; a rollback touches nothing, so
// the cache stays consistent either way.
func (s *CachedStore) Atomic(ctx context.Context, fn func(Store) error) error {
	rec := &txRecorder{}
	err := s.primary.Atomic(ctx, func(tx Store) error {
		rec.Store = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}
	for _, id := range rec.markets {
		s.rdb.Del(ctx, marketKey(id))
	}
	for _, id := range rec.users {
		s.rdb.Del(ctx, positionsKey(id))
	}
	return nil
}

// txRecorder passes every call through to the transactional store while
// noting which markets and users were written.
type txRecorder struct {
	Store
	markets []string
	users   []string
}

func (r *txRecorder) UpdateMarketPools(ctx context.Context, id string, yesPool, noPool decimal.Decimal) error {
	r.markets = append(r.markets, id)
	return r.Store.UpdateMarketPools(ctx, id, yesPool, noPool)
}

func (r *txRecorder) UpdateMarketStatus(ctx context.Context, id, status string) error {
	r.markets = append(r.markets, id)
	return r.Store.UpdateMarketStatus(ctx, id, status)
}

func (r *txRecorder) ResolveMarket(ctx context.Context, id, outcome string, at time.Time) error {
	r.markets = append(r.markets, id)
	return r.Store.ResolveMarket(ctx, id, outcome, at)
}

func (r *txRecorder) SavePosition(ctx context.Context, p *model.Position) error {
	r.users = append(r.users, p.UserID)
	return r.Store.SavePosition(ctx, p)
}

func (r *txRecorder) DebitUserBalance(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	r.users = append(r.users, id)
	return r.Store.DebitUserBalance(ctx, id, amount)
}

func (r *txRecorder) CreditUserBalance(ctx context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	r.users = append(r.users, id)
	return r.Store.CreditUserBalance(ctx, id, delta)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketPools(ctx context.Context, id string, yesPool, noPool decimal.Decimal) error {
	if err := s.primary.UpdateMarketPools(ctx, id, yesPool, noPool); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id, status string) error {
	if err := s.primary.UpdateMarketStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) ResolveMarket(ctx context.Context, id, outcome string, at time.Time) error {
	if err := s.primary.ResolveMarket(ctx, id, outcome, at); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.UserID))
	return nil
}

func (s *CachedStore) DebitUserBalance(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.primary.DebitUserBalance(ctx, id, amount)
}

func (s *CachedStore) CreditUserBalance(ctx context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	return s.primary.CreditUserBalance(ctx, id, delta)
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) UpsertTrial(ctx context.Context, t *model.Trial) (bool, error) {
	return s.primary.UpsertTrial(ctx, t)
}

func (s *CachedStore) GetTrialByNCTID(ctx context.Context, nctID string) (*model.Trial, error) {
	return s.primary.GetTrialByNCTID(ctx, nctID)
}

func (s *CachedStore) GetTrial(ctx context.Context, id string) (*model.Trial, error) {
	return s.primary.GetTrial(ctx, id)
}

func (s *CachedStore) GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	return s.primary.GetMarketForUpdate(ctx, id)
}

func (s *CachedStore) GetMarketByTrial(ctx context.Context, trialID string) (*model.Market, error) {
	return s.primary.GetMarketByTrial(ctx, trialID)
}

func (s *CachedStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, f)
}

func (s *CachedStore) CountMarketsByStatus(ctx context.Context, status string) (int, error) {
	return s.primary.CountMarketsByStatus(ctx, status)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	return s.primary.InsertTransaction(ctx, t)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

func (s *CachedStore) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByMarket(ctx, marketID)
}

func (s *CachedStore) CountTransactionsByUser(ctx context.Context, userID string) (int, error) {
	return s.primary.CountTransactionsByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }

func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
