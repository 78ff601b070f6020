package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/CourageResearch/endpoint/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same store methods run inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool // nil when bound to a transaction
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

// Migrate applies the embedded SQL migrations in lexicographic order,
// tracking applied files in a schema_migrations table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const tracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	if _, err := s.db.Exec(ctx, tracker); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		var applied bool
		err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename = $1)`, name).
			Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		sql, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(ctx,
			`INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Atomic runs fn inside one database transaction. A nested call reuses the
// enclosing transaction rather than opening a second one.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, name, email, balance, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		u.ID, u.Name, u.Email, u.Balance.String(), u.CreatedAt)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string
	err := s.db.QueryRow(ctx,
		`SELECT id, name, email, balance::TEXT, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &balance, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, email, balance::TEXT, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var balance string
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &balance, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Balance, _ = decimal.NewFromString(balance)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) DebitUserBalance(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	// The balance guard lives in the UPDATE itself, so the row value at
	// write time is what gets checked; a stale earlier read cannot let two
	// concurrent debits both pass against the same starting balance.
	var balance string
	err := s.db.QueryRow(ctx,
		`UPDATE users SET balance = balance - $2::NUMERIC
		 WHERE id = $1 AND balance >= $2::NUMERIC
		 RETURNING balance::TEXT`, id, amount.String()).
		Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
			return decimal.Zero, fmt.Errorf("debit user %s: %w", id, err)
		}
		if !exists {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit user %s: %w", id, err)
	}
	newBalance, _ := decimal.NewFromString(balance)
	return newBalance, nil
}

func (s *PostgresStore) CreditUserBalance(ctx context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	err := s.db.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1
		 RETURNING balance::TEXT`, id, delta.String()).
		Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrUserNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit user %s: %w", id, err)
	}
	newBalance, _ := decimal.NewFromString(balance)
	return newBalance, nil
}

// --- Trials ---

func (s *PostgresStore) UpsertTrial(ctx context.Context, t *model.Trial) (bool, error) {
	var created bool
	err := s.db.QueryRow(ctx,
		`INSERT INTO trials (id, nct_id, title, phase, status, sponsor, conditions, interventions,
		                     start_date, estimated_completion_date, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (nct_id) DO UPDATE SET
		     title = EXCLUDED.title,
		     phase = EXCLUDED.phase,
		     status = EXCLUDED.status,
		     sponsor = EXCLUDED.sponsor,
		     conditions = EXCLUDED.conditions,
		     interventions = EXCLUDED.interventions,
		     start_date = EXCLUDED.start_date,
		     estimated_completion_date = EXCLUDED.estimated_completion_date,
		     updated_at = EXCLUDED.updated_at
		 RETURNING (xmax = 0), id`,
		t.ID, t.NCTID, t.Title, t.Phase, t.Status, t.Sponsor, t.Conditions, t.Interventions,
		t.StartDate, t.EstimatedCompletionDate, t.UpdatedAt).
		Scan(&created, &t.ID)
	if err != nil {
		return false, fmt.Errorf("upsert trial %s: %w", t.NCTID, err)
	}
	return created, nil
}

func (s *PostgresStore) GetTrialByNCTID(ctx context.Context, nctID string) (*model.Trial, error) {
	return s.getTrial(ctx, `WHERE nct_id = $1`, nctID)
}

func (s *PostgresStore) GetTrial(ctx context.Context, id string) (*model.Trial, error) {
	return s.getTrial(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) getTrial(ctx context.Context, where string, arg any) (*model.Trial, error) {
	var t model.Trial
	err := s.db.QueryRow(ctx,
		`SELECT id, nct_id, title, phase, status, sponsor, conditions, interventions,
		        start_date, estimated_completion_date, updated_at
		 FROM trials `+where, arg).
		Scan(&t.ID, &t.NCTID, &t.Title, &t.Phase, &t.Status, &t.Sponsor,
			&t.Conditions, &t.Interventions,
			&t.StartDate, &t.EstimatedCompletionDate, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTrialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trial: %w", err)
	}
	return &t, nil
}

// --- Markets ---

const marketColumns = `id, trial_id, question, yes_pool::TEXT, no_pool::TEXT,
	status, resolved_outcome, resolved_at, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO markets (id, trial_id, question, yes_pool, no_pool, status, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
		m.ID, m.TrialID, m.Question, m.YesPool.String(), m.NoPool.String(),
		m.Status, m.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateMarket
	}
	return err
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var yesPool, noPool string
	var outcome *string
	err := row.Scan(&m.ID, &m.TrialID, &m.Question, &yesPool, &noPool,
		&m.Status, &outcome, &m.ResolvedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.YesPool, _ = decimal.NewFromString(yesPool)
	m.NoPool, _ = decimal.NewFromString(noPool)
	if outcome != nil {
		m.ResolvedOutcome = *outcome
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.db.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	// Row lock held to commit/rollback, covering the whole
	// read-modify-write window of a trade or settlement.
	m, err := scanMarket(s.db.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s for update: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketByTrial(ctx context.Context, trialID string) (*model.Market, error) {
	m, err := scanMarket(s.db.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE trial_id = $1`, trialID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market by trial %s: %w", trialID, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var rows pgx.Rows
	var err error
	if f.Status != "" {
		rows, err = s.db.Query(ctx,
			`SELECT `+marketColumns+` FROM markets WHERE status = $1
			 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, f.Status, limit, f.Offset)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT `+marketColumns+` FROM markets
			 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, f.Offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) CountMarketsByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM markets WHERE status = $1`, status).Scan(&n)
	return n, err
}

func (s *PostgresStore) UpdateMarketPools(ctx context.Context, id string, yesPool, noPool decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE markets SET yes_pool = $2::NUMERIC, no_pool = $3::NUMERIC WHERE id = $1`,
		id, yesPool.String(), noPool.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMarketNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id, status string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE markets SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMarketNotFound
	}
	return nil
}

func (s *PostgresStore) ResolveMarket(ctx context.Context, id, outcome string, at time.Time) error {
	var status string
	if outcome == "" {
		status = model.StatusCancelled
	} else {
		status = model.StatusResolved
	}
	var outcomeArg *string
	if outcome != "" {
		outcomeArg = &outcome
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE markets SET status = $2, resolved_outcome = $3, resolved_at = $4 WHERE id = $1`,
		id, status, outcomeArg, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMarketNotFound
	}
	return nil
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	var p model.Position
	var yes, no, invested string
	err := s.db.QueryRow(ctx,
		`SELECT user_id, market_id, yes_shares::TEXT, no_shares::TEXT, total_invested::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND market_id = $2`, userID, marketID).
		Scan(&p.UserID, &p.MarketID, &yes, &no, &invested, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, marketID, err)
	}
	p.YesShares, _ = decimal.NewFromString(yes)
	p.NoShares, _ = decimal.NewFromString(no)
	p.TotalInvested, _ = decimal.NewFromString(invested)
	return &p, nil
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, yes_shares, no_shares, total_invested, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (user_id, market_id) DO UPDATE SET
		     yes_shares = EXCLUDED.yes_shares,
		     no_shares = EXCLUDED.no_shares,
		     total_invested = EXCLUDED.total_invested,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID,
		p.YesShares.String(), p.NoShares.String(), p.TotalInvested.String(),
		p.UpdatedAt)
	return err
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.listPositions(ctx, `WHERE market_id = $1`, marketID)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.listPositions(ctx, `WHERE user_id = $1`, userID)
}

func (s *PostgresStore) listPositions(ctx context.Context, where string, arg any) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id, market_id, yes_shares::TEXT, no_shares::TEXT, total_invested::TEXT, updated_at
		 FROM positions `+where+` ORDER BY updated_at`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var yes, no, invested string
		if err := rows.Scan(&p.UserID, &p.MarketID, &yes, &no, &invested, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.YesShares, _ = decimal.NewFromString(yes)
		p.NoShares, _ = decimal.NewFromString(no)
		p.TotalInvested, _ = decimal.NewFromString(invested)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Immutable transaction log ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO transactions (id, user_id, market_id, type, shares, price, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		t.ID, t.UserID, t.MarketID, t.Type,
		t.Shares.String(), t.Price.String(), t.Amount.String(), t.CreatedAt)
	return err
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.listTransactions(ctx, `WHERE user_id = $1`, userID)
}

func (s *PostgresStore) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	return s.listTransactions(ctx, `WHERE market_id = $1`, marketID)
}

func (s *PostgresStore) listTransactions(ctx context.Context, where string, arg any) ([]model.Transaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, market_id, type, shares::TEXT, price::TEXT, amount::TEXT, created_at
		 FROM transactions `+where+` ORDER BY created_at DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var shares, price, amount string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.Type,
			&shares, &price, &amount, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Shares, _ = decimal.NewFromString(shares)
		t.Price, _ = decimal.NewFromString(price)
		t.Amount, _ = decimal.NewFromString(amount)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) CountTransactionsByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}
