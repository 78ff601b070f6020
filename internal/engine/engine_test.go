package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CourageResearch/endpoint/internal/amm"
	"github.com/CourageResearch/endpoint/internal/engine"
	"github.com/CourageResearch/endpoint/internal/model"
	"github.com/CourageResearch/endpoint/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var tolerance = decimal.New(1, -7)

func approxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(tolerance)
}

func newTestEnv(t *testing.T) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return engine.New(ms), ms
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, balance float64) *model.User {
	t.Helper()
	user := &model.User{
		ID:        id,
		Name:      "Trader " + id,
		Email:     id + "@example.com",
		Balance:   d(balance),
		CreatedAt: time.Now().UTC(),
	}
	if err := ms.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return user
}

func seedMarket(t *testing.T, ms *store.MemoryStore, id string) *model.Market {
	t.Helper()
	market := &model.Market{
		ID:        id,
		TrialID:   "trial-" + id,
		Question:  "Will the drug receive FDA approval?",
		YesPool:   model.InitialPool,
		NoPool:    model.InitialPool,
		Status:    model.StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	if err := ms.CreateMarket(context.Background(), market); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return market
}

func TestExecuteTrade_BuyYes(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", 1000)
	seedMarket(t, ms, "m1")

	res, err := eng.ExecuteTrade(context.Background(), engine.TradeRequest{
		UserID: "u1", MarketID: "m1", Type: model.BuyYes, Amount: d(100),
	})
	if err != nil {
		t.Fatalf("ExecuteTrade failed: %v", err)
	}

	if !approxEqual(res.Shares, d(90.9090909090909091)) {
		t.Errorf("shares = %s, want ~90.90909", res.Shares)
	}
	if !approxEqual(res.AvgPrice, d(1.1)) {
		t.Errorf("avg price = %s, want ~1.10", res.AvgPrice)
	}
	if !res.NewNoPool.Equal(d(1100)) {
		t.Errorf("no pool = %s, want 1100", res.NewNoPool)
	}
	if !approxEqual(res.NewYesPool, d(909.0909090909090909)) {
		t.Errorf("yes pool = %s, want ~909.0909", res.NewYesPool)
	}
	if !res.NewBalance.Equal(d(900)) {
		t.Errorf("balance = %s, want 900", res.NewBalance)
	}

	pos, err := ms.GetPosition(context.Background(), "u1", "m1")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if !approxEqual(pos.YesShares, res.Shares) {
		t.Errorf("position yes shares = %s, want %s", pos.YesShares, res.Shares)
	}
	if !pos.TotalInvested.Equal(d(100)) {
		t.Errorf("total invested = %s, want 100", pos.TotalInvested)
	}

	txs, err := ms.ListTransactionsByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListTransactionsByUser failed: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if txs[0].Type != model.BuyYes {
		t.Errorf("transaction type = %s, want %s", txs[0].Type, model.BuyYes)
	}
}

func TestExecuteTrade_SellRoundTrip(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", 1000)
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	buy, err := eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "u1", MarketID: "m1", Type: model.BuyYes, Amount: d(100),
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	sell, err := eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "u1", MarketID: "m1", Type: model.SellYes, Amount: buy.Shares,
	})
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	// Selling everything back should recover approximately the 100 spent.
	if !approxEqual(sell.Amount, d(100)) {
		t.Errorf("sell payout = %s, want ~100", sell.Amount)
	}

	user, err := ms.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if !approxEqual(user.Balance, d(1000)) {
		t.Errorf("balance after round trip = %s, want ~1000", user.Balance)
	}

	pos, err := ms.GetPosition(ctx, "u1", "m1")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if !pos.YesShares.IsZero() {
		t.Errorf("yes shares after full sell = %s, want 0", pos.YesShares)
	}
}

func TestExecuteTrade_InvalidType(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", 1000)
	seedMarket(t, ms, "m1")

	_, err := eng.ExecuteTrade(context.Background(), engine.TradeRequest{
		UserID: "u1", MarketID: "m1", Type: "SHORT_YES", Amount: d(10),
	})
	if !errors.Is(err, engine.ErrInvalidTradeType) {
		t.Errorf("err = %v, want ErrInvalidTradeType", err)
	}
}

func TestExecuteTrade_InvalidAmount(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", 1000)
	seedMarket(t, ms, "m1")

	for _, amount := range []float64{0, -5} {
		_, err := eng.ExecuteTrade(context.Background(), engine.TradeRequest{
			UserID: "u1", MarketID: "m1", Type: model.BuyYes, Amount: d(amount),
		})
		if !errors.Is(err, amm.ErrInvalidAmount) {
			t.Errorf("amount %v: err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestExecuteTrade_InsufficientBalance(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", 50)
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	_, err := eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "u1", MarketID: "m1", Type: model.BuyYes, Amount: d(100),
	})
	if !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	// The failed trade must leave everything untouched.
	user, _ := ms.GetUser(ctx, "u1")
	if !user.Balance.Equal(d(50)) {
		t.Errorf("balance = %s, want 50", user.Balance)
	}
	market, _ := ms.GetMarket(ctx, "m1")
	if !market.YesPool.Equal(model.InitialPool) || !market.NoPool.Equal(model.InitialPool) {
		t.Errorf("pools moved after rejected trade: %s / %s", market.YesPool, market.NoPool)
	}
	if _, err := ms.GetPosition(ctx, "u1", "m1"); !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("position created by rejected trade")
	}
	txs, _ := ms.ListTransactionsByUser(ctx, "u1")
	if len(txs) != 0 {
		t.Errorf("transactions = %d, want 0", len(txs))
	}
}

func TestExecuteTrade_ConcurrentBuysCannotOverdraw(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", 1000)
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	// Two simultaneous 600 buys against a 1000 balance. The debit is
	// guarded against the stored balance at write time, so at most one
	// can go through no matter how the two interleave.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.ExecuteTrade(ctx, engine.TradeRequest{
				UserID: "u1", MarketID: "m1", Type: model.BuyYes, Amount: d(600),
			})
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, engine.ErrInsufficientBalance):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("succeeded = %d, rejected = %d, want 1 and 1", ok, rejected)
	}

	user, _ := ms.GetUser(ctx, "u1")
	if !user.Balance.Equal(d(400)) {
		t.Errorf("balance = %s, want 400", user.Balance)
	}
}

func TestExecuteTrade_SellWithoutPosition(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", 1000)
	seedMarket(t, ms, "m1")

	_, err := eng.ExecuteTrade(context.Background(), engine.TradeRequest{
		UserID: "u1", MarketID: "m1", Type: model.SellYes, Amount: d(10),
	})
	if !errors.Is(err, engine.ErrNoPosition) {
		t.Errorf("err = %v, want ErrNoPosition", err)
	}
}

func TestExecuteTrade_SellMoreThanHeld(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", 1000)
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	buy, err := eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "u1", MarketID: "m1", Type: model.BuyYes, Amount: d(50),
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	_, err = eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "u1", MarketID: "m1", Type: model.SellYes, Amount: buy.Shares.Add(d(1)),
	})
	if !errors.Is(err, engine.ErrInsufficientShares) {
		t.Errorf("err = %v, want ErrInsufficientShares", err)
	}

	// Holding YES shares does not allow selling NO.
	_, err = eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "u1", MarketID: "m1", Type: model.SellNo, Amount: d(1),
	})
	if !errors.Is(err, engine.ErrInsufficientShares) {
		t.Errorf("sell NO err = %v, want ErrInsufficientShares", err)
	}
}

func TestExecuteTrade_MarketNotOpen(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", 1000)
	ctx := context.Background()

	for _, status := range []string{model.StatusClosed, model.StatusResolved, model.StatusCancelled} {
		market := seedMarket(t, ms, "m-"+status)
		if err := ms.UpdateMarketStatus(ctx, market.ID, status); err != nil {
			t.Fatalf("UpdateMarketStatus failed: %v", err)
		}
		_, err := eng.ExecuteTrade(ctx, engine.TradeRequest{
			UserID: "u1", MarketID: market.ID, Type: model.BuyYes, Amount: d(10),
		})
		if !errors.Is(err, engine.ErrMarketNotOpen) {
			t.Errorf("status %s: err = %v, want ErrMarketNotOpen", status, err)
		}
	}
}

func TestExecuteTrade_UnknownUserAndMarket(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", 1000)
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	_, err := eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "ghost", MarketID: "m1", Type: model.BuyYes, Amount: d(10),
	})
	if !errors.Is(err, store.ErrUserNotFound) {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}

	_, err = eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "u1", MarketID: "nope", Type: model.BuyYes, Amount: d(10),
	})
	if !errors.Is(err, store.ErrMarketNotFound) {
		t.Errorf("err = %v, want ErrMarketNotFound", err)
	}
}

func TestResolve_PaysWinners(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "yes-buyer", 1000)
	seedUser(t, ms, "no-buyer", 1000)
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	yesBuy, err := eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "yes-buyer", MarketID: "m1", Type: model.BuyYes, Amount: d(100),
	})
	if err != nil {
		t.Fatalf("yes buy failed: %v", err)
	}
	if _, err := eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "no-buyer", MarketID: "m1", Type: model.BuyNo, Amount: d(200),
	}); err != nil {
		t.Fatalf("no buy failed: %v", err)
	}

	settlement, err := eng.Resolve(ctx, "m1", model.OutcomeYes)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if settlement.Positions != 2 {
		t.Errorf("positions = %d, want 2", settlement.Positions)
	}
	if !approxEqual(settlement.TotalPaid, yesBuy.Shares) {
		t.Errorf("total paid = %s, want %s", settlement.TotalPaid, yesBuy.Shares)
	}

	// Winner gets 1 per YES share on top of the 900 remaining after the buy.
	winner, _ := ms.GetUser(ctx, "yes-buyer")
	wantBalance := d(900).Add(yesBuy.Shares)
	if !approxEqual(winner.Balance, wantBalance) {
		t.Errorf("winner balance = %s, want %s", winner.Balance, wantBalance)
	}

	// Loser keeps only what was left after spending 200.
	loser, _ := ms.GetUser(ctx, "no-buyer")
	if !loser.Balance.Equal(d(800)) {
		t.Errorf("loser balance = %s, want 800", loser.Balance)
	}

	market, _ := ms.GetMarket(ctx, "m1")
	if market.Status != model.StatusResolved {
		t.Errorf("status = %s, want %s", market.Status, model.StatusResolved)
	}
	if market.ResolvedOutcome != model.OutcomeYes {
		t.Errorf("resolved outcome = %q, want YES", market.ResolvedOutcome)
	}
	if market.ResolvedAt == nil {
		t.Errorf("resolved_at not set")
	}
}

func TestResolve_SettlesClosedMarket(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", 1000)
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	buy, err := eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "u1", MarketID: "m1", Type: model.BuyYes, Amount: d(100),
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	// Trading stops when the trial completes; the approval lands later
	// and must settle the market without reopening it.
	if err := ms.UpdateMarketStatus(ctx, "m1", model.StatusClosed); err != nil {
		t.Fatalf("UpdateMarketStatus failed: %v", err)
	}

	settlement, err := eng.Resolve(ctx, "m1", model.OutcomeYes)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if settlement.Positions != 1 {
		t.Errorf("positions = %d, want 1", settlement.Positions)
	}

	user, _ := ms.GetUser(ctx, "u1")
	wantBalance := d(900).Add(buy.Shares)
	if !approxEqual(user.Balance, wantBalance) {
		t.Errorf("balance = %s, want %s", user.Balance, wantBalance)
	}

	market, _ := ms.GetMarket(ctx, "m1")
	if market.Status != model.StatusResolved {
		t.Errorf("status = %s, want %s", market.Status, model.StatusResolved)
	}
	if market.ResolvedOutcome != model.OutcomeYes {
		t.Errorf("resolved outcome = %q, want YES", market.ResolvedOutcome)
	}
}

func TestResolve_AlreadyResolved(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	if _, err := eng.Resolve(ctx, "m1", model.OutcomeNo); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	if _, err := eng.Resolve(ctx, "m1", model.OutcomeNo); !errors.Is(err, engine.ErrAlreadyResolved) {
		t.Errorf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
}

func TestResolve_InvalidOutcome(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")

	if _, err := eng.Resolve(context.Background(), "m1", "MAYBE"); err == nil {
		t.Errorf("expected error for invalid outcome")
	}
}

func TestCancel_RefundsCostBasis(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedUser(t, ms, "u1", 1000)
	seedUser(t, ms, "u2", 1000)
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	trades := []engine.TradeRequest{
		{UserID: "u1", MarketID: "m1", Type: model.BuyYes, Amount: d(100)},
		{UserID: "u1", MarketID: "m1", Type: model.BuyNo, Amount: d(50)},
		{UserID: "u2", MarketID: "m1", Type: model.BuyNo, Amount: d(300)},
	}
	for _, tr := range trades {
		if _, err := eng.ExecuteTrade(ctx, tr); err != nil {
			t.Fatalf("trade failed: %v", err)
		}
	}

	settlement, err := eng.Cancel(ctx, "m1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !settlement.TotalPaid.Equal(d(450)) {
		t.Errorf("total refunded = %s, want 450", settlement.TotalPaid)
	}

	// Refund is cost basis, so both users are exactly whole again.
	for _, id := range []string{"u1", "u2"} {
		user, _ := ms.GetUser(ctx, id)
		if !user.Balance.Equal(d(1000)) {
			t.Errorf("user %s balance = %s, want 1000", id, user.Balance)
		}
	}

	market, _ := ms.GetMarket(ctx, "m1")
	if market.Status != model.StatusCancelled {
		t.Errorf("status = %s, want %s", market.Status, model.StatusCancelled)
	}
	if market.ResolvedOutcome != "" {
		t.Errorf("cancelled market has outcome %q", market.ResolvedOutcome)
	}
}

func TestCancel_NotOpen(t *testing.T) {
	eng, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	if _, err := eng.Resolve(ctx, "m1", model.OutcomeYes); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := eng.Cancel(ctx, "m1"); !errors.Is(err, engine.ErrNotOpen) {
		t.Errorf("err = %v, want ErrNotOpen", err)
	}
}

func TestCreateMarket_InitialState(t *testing.T) {
	eng, ms := newTestEnv(t)
	ctx := context.Background()

	trial := &model.Trial{
		ID:    "trial-1",
		NCTID: "NCT01234567",
		Title: "Phase 3 Study of Examplimab",
	}
	if _, err := ms.UpsertTrial(ctx, trial); err != nil {
		t.Fatalf("UpsertTrial failed: %v", err)
	}

	market, err := eng.CreateMarket(ctx, "trial-1", "Will Examplimab receive FDA approval?")
	if err != nil {
		t.Fatalf("CreateMarket failed: %v", err)
	}
	if !market.YesPool.Equal(model.InitialPool) || !market.NoPool.Equal(model.InitialPool) {
		t.Errorf("pools = %s / %s, want 1000 / 1000", market.YesPool, market.NoPool)
	}
	if market.Status != model.StatusOpen {
		t.Errorf("status = %s, want OPEN", market.Status)
	}

	// One market per trial.
	_, err = eng.CreateMarket(ctx, "trial-1", "duplicate")
	if !errors.Is(err, store.ErrDuplicateMarket) {
		t.Errorf("duplicate err = %v, want ErrDuplicateMarket", err)
	}
}

func TestCreateUser_InitialBalance(t *testing.T) {
	eng, _ := newTestEnv(t)

	user, err := eng.CreateUser(context.Background(), "Ada", "ada@example.com")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if !user.Balance.Equal(model.InitialBalance) {
		t.Errorf("balance = %s, want %s", user.Balance, model.InitialBalance)
	}
}
