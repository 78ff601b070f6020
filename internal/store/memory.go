package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/CourageResearch/endpoint/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Atomic takes a snapshot of all entity maps and restores it
// if the callback fails, giving the same all-or-nothing behavior as a
// database transaction.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

// Atomic serializes all mutations under one lock and rolls back to a
// snapshot on error.
func (s *MemoryStore) Atomic(_ context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&memTx{data: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// memTx is the transactional view handed to Atomic callbacks. The caller
// already holds the store lock, so its methods access the data directly.
type memTx struct {
	data *memData
}

// Atomic within a transaction reuses the enclosing one.
func (t *memTx) Atomic(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

// --- memData: the actual state plus every operation, lock-free ---

type memData struct {
	users        map[string]*model.User
	trials       map[string]*model.Trial
	markets      map[string]*model.Market
	positions    map[string]*model.Position // key: userID + "\x00" + marketID
	transactions []model.Transaction
}

func newMemData() *memData {
	return &memData{
		users:     make(map[string]*model.User),
		trials:    make(map[string]*model.Trial),
		markets:   make(map[string]*model.Market),
		positions: make(map[string]*model.Position),
	}
}

func posKey(userID, marketID string) string { return userID + "\x00" + marketID }

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.users {
		u := *v
		c.users[k] = &u
	}
	for k, v := range d.trials {
		t := *v
		t.Conditions = append([]string(nil), v.Conditions...)
		t.Interventions = append([]string(nil), v.Interventions...)
		c.trials[k] = &t
	}
	for k, v := range d.markets {
		m := *v
		c.markets[k] = &m
	}
	for k, v := range d.positions {
		p := *v
		c.positions[k] = &p
	}
	c.transactions = append([]model.Transaction(nil), d.transactions...)
	return c
}

func (d *memData) createUser(u *model.User) error {
	cp := *u
	d.users[u.ID] = &cp
	return nil
}

func (d *memData) getUser(id string) (*model.User, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *memData) listUsers() ([]model.User, error) {
	users := make([]model.User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

func (d *memData) debitUserBalance(id string, amount decimal.Decimal) (decimal.Decimal, error) {
	u, ok := d.users[id]
	if !ok {
		return decimal.Zero, ErrUserNotFound
	}
	if u.Balance.LessThan(amount) {
		return decimal.Zero, ErrInsufficientFunds
	}
	u.Balance = u.Balance.Sub(amount)
	return u.Balance, nil
}

func (d *memData) creditUserBalance(id string, delta decimal.Decimal) (decimal.Decimal, error) {
	u, ok := d.users[id]
	if !ok {
		return decimal.Zero, ErrUserNotFound
	}
	u.Balance = u.Balance.Add(delta)
	return u.Balance, nil
}

func (d *memData) upsertTrial(t *model.Trial) (bool, error) {
	for _, existing := range d.trials {
		if existing.NCTID == t.NCTID {
			t.ID = existing.ID
			cp := *t
			d.trials[existing.ID] = &cp
			return false, nil
		}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	cp := *t
	d.trials[t.ID] = &cp
	return true, nil
}

func (d *memData) getTrialByNCTID(nctID string) (*model.Trial, error) {
	for _, t := range d.trials {
		if t.NCTID == nctID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTrialNotFound
}

func (d *memData) getTrial(id string) (*model.Trial, error) {
	t, ok := d.trials[id]
	if !ok {
		return nil, ErrTrialNotFound
	}
	cp := *t
	return &cp, nil
}

func (d *memData) createMarket(m *model.Market) error {
	for _, existing := range d.markets {
		if existing.TrialID == m.TrialID {
			return ErrDuplicateMarket
		}
	}
	cp := *m
	d.markets[m.ID] = &cp
	return nil
}

func (d *memData) getMarket(id string) (*model.Market, error) {
	m, ok := d.markets[id]
	if !ok {
		return nil, ErrMarketNotFound
	}
	cp := *m
	return &cp, nil
}

func (d *memData) getMarketByTrial(trialID string) (*model.Market, error) {
	for _, m := range d.markets {
		if m.TrialID == trialID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrMarketNotFound
}

func (d *memData) listMarkets(f MarketFilter) ([]model.Market, error) {
	var markets []model.Market
	for _, m := range d.markets {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(markets) {
			return nil, nil
		}
		markets = markets[f.Offset:]
	}
	if f.Limit > 0 && len(markets) > f.Limit {
		markets = markets[:f.Limit]
	}
	return markets, nil
}

func (d *memData) countMarketsByStatus(status string) (int, error) {
	n := 0
	for _, m := range d.markets {
		if m.Status == status {
			n++
		}
	}
	return n, nil
}

func (d *memData) updateMarketPools(id string, yesPool, noPool decimal.Decimal) error {
	m, ok := d.markets[id]
	if !ok {
		return ErrMarketNotFound
	}
	m.YesPool = yesPool
	m.NoPool = noPool
	return nil
}

func (d *memData) updateMarketStatus(id, status string) error {
	m, ok := d.markets[id]
	if !ok {
		return ErrMarketNotFound
	}
	m.Status = status
	return nil
}

func (d *memData) resolveMarket(id, outcome string, at time.Time) error {
	m, ok := d.markets[id]
	if !ok {
		return ErrMarketNotFound
	}
	if outcome == "" {
		m.Status = model.StatusCancelled
	} else {
		m.Status = model.StatusResolved
		m.ResolvedOutcome = outcome
	}
	resolvedAt := at
	m.ResolvedAt = &resolvedAt
	return nil
}

func (d *memData) getPosition(userID, marketID string) (*model.Position, error) {
	p, ok := d.positions[posKey(userID, marketID)]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *memData) savePosition(p *model.Position) error {
	cp := *p
	d.positions[posKey(p.UserID, p.MarketID)] = &cp
	return nil
}

func (d *memData) listPositionsByMarket(marketID string) ([]model.Position, error) {
	var result []model.Position
	for _, p := range d.positions {
		if p.MarketID == marketID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (d *memData) listPositionsByUser(userID string) ([]model.Position, error) {
	var result []model.Position
	for _, p := range d.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MarketID < result[j].MarketID })
	return result, nil
}

func (d *memData) insertTransaction(t *model.Transaction) error {
	d.transactions = append(d.transactions, *t)
	return nil
}

func (d *memData) listTransactionsByUser(userID string) ([]model.Transaction, error) {
	var result []model.Transaction
	for i := len(d.transactions) - 1; i >= 0; i-- {
		if d.transactions[i].UserID == userID {
			result = append(result, d.transactions[i])
		}
	}
	return result, nil
}

func (d *memData) listTransactionsByMarket(marketID string) ([]model.Transaction, error) {
	var result []model.Transaction
	for i := len(d.transactions) - 1; i >= 0; i-- {
		if d.transactions[i].MarketID == marketID {
			result = append(result, d.transactions[i])
		}
	}
	return result, nil
}

func (d *memData) countTransactionsByUser(userID string) (int, error) {
	n := 0
	for _, t := range d.transactions {
		if t.UserID == userID {
			n++
		}
	}
	return n, nil
}

// --- MemoryStore wrappers (read lock for reads, write lock for writes) ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createUser(u)
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getUser(id)
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listUsers()
}

func (s *MemoryStore) DebitUserBalance(_ context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.debitUserBalance(id, amount)
}

func (s *MemoryStore) CreditUserBalance(_ context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.creditUserBalance(id, delta)
}

func (s *MemoryStore) UpsertTrial(_ context.Context, t *model.Trial) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.upsertTrial(t)
}

func (s *MemoryStore) GetTrialByNCTID(_ context.Context, nctID string) (*model.Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getTrialByNCTID(nctID)
}

func (s *MemoryStore) GetTrial(_ context.Context, id string) (*model.Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getTrial(id)
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createMarket(m)
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getMarket(id)
}

func (s *MemoryStore) GetMarketForUpdate(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getMarket(id)
}

func (s *MemoryStore) GetMarketByTrial(_ context.Context, trialID string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getMarketByTrial(trialID)
}

func (s *MemoryStore) ListMarkets(_ context.Context, f MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listMarkets(f)
}

func (s *MemoryStore) CountMarketsByStatus(_ context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.countMarketsByStatus(status)
}

func (s *MemoryStore) UpdateMarketPools(_ context.Context, id string, yesPool, noPool decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateMarketPools(id, yesPool, noPool)
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateMarketStatus(id, status)
}

func (s *MemoryStore) ResolveMarket(_ context.Context, id, outcome string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.resolveMarket(id, outcome, at)
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getPosition(userID, marketID)
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.savePosition(p)
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listPositionsByMarket(marketID)
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listPositionsByUser(userID)
}

func (s *MemoryStore) InsertTransaction(_ context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.insertTransaction(t)
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listTransactionsByUser(userID)
}

func (s *MemoryStore) ListTransactionsByMarket(_ context.Context, marketID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listTransactionsByMarket(marketID)
}

func (s *MemoryStore) CountTransactionsByUser(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.countTransactionsByUser(userID)
}

// --- memTx wrappers (no locking; the Atomic caller holds the lock) ---

func (t *memTx) CreateUser(_ context.Context, u *model.User) error { return t.data.createUser(u) }
func (t *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	return t.data.getUser(id)
}
func (t *memTx) ListUsers(_ context.Context) ([]model.User, error) { return t.data.listUsers() }
func (t *memTx) DebitUserBalance(_ context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	return t.data.debitUserBalance(id, amount)
}
func (t *memTx) CreditUserBalance(_ context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	return t.data.creditUserBalance(id, delta)
}
func (t *memTx) UpsertTrial(_ context.Context, tr *model.Trial) (bool, error) {
	return t.data.upsertTrial(tr)
}
func (t *memTx) GetTrialByNCTID(_ context.Context, nctID string) (*model.Trial, error) {
	return t.data.getTrialByNCTID(nctID)
}
func (t *memTx) GetTrial(_ context.Context, id string) (*model.Trial, error) {
	return t.data.getTrial(id)
}
func (t *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	return t.data.createMarket(m)
}
func (t *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	return t.data.getMarket(id)
}
func (t *memTx) GetMarketForUpdate(_ context.Context, id string) (*model.Market, error) {
	return t.data.getMarket(id)
}
func (t *memTx) GetMarketByTrial(_ context.Context, trialID string) (*model.Market, error) {
	return t.data.getMarketByTrial(trialID)
}
func (t *memTx) ListMarkets(_ context.Context, f MarketFilter) ([]model.Market, error) {
	return t.data.listMarkets(f)
}
func (t *memTx) CountMarketsByStatus(_ context.Context, status string) (int, error) {
	return t.data.countMarketsByStatus(status)
}
func (t *memTx) UpdateMarketPools(_ context.Context, id string, yesPool, noPool decimal.Decimal) error {
	return t.data.updateMarketPools(id, yesPool, noPool)
}
func (t *memTx) UpdateMarketStatus(_ context.Context, id, status string) error {
	return t.data.updateMarketStatus(id, status)
}
func (t *memTx) ResolveMarket(_ context.Context, id, outcome string, at time.Time) error {
	return t.data.resolveMarket(id, outcome, at)
}
func (t *memTx) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	return t.data.getPosition(userID, marketID)
}
func (t *memTx) SavePosition(_ context.Context, p *model.Position) error {
	return t.data.savePosition(p)
}
func (t *memTx) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	return t.data.listPositionsByMarket(marketID)
}
func (t *memTx) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	return t.data.listPositionsByUser(userID)
}
func (t *memTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	return t.data.insertTransaction(tr)
}
func (t *memTx) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	return t.data.listTransactionsByUser(userID)
}
func (t *memTx) ListTransactionsByMarket(_ context.Context, marketID string) ([]model.Transaction, error) {
	return t.data.listTransactionsByMarket(marketID)
}
func (t *memTx) CountTransactionsByUser(_ context.Context, userID string) (int, error) {
	return t.data.countTransactionsByUser(userID)
}
