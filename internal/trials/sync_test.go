package trials_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CourageResearch/endpoint/internal/engine"
	"github.com/CourageResearch/endpoint/internal/model"
	"github.com/CourageResearch/endpoint/internal/store"
	"github.com/CourageResearch/endpoint/internal/trials"
)

type fakeRegistry struct {
	pages []*trials.SearchResponse
	byID  map[string]trials.Study
	calls int
}

func (f *fakeRegistry) SearchStudies(_ context.Context, _ string, _ []string, _ int, _ string) (*trials.SearchResponse, error) {
	if f.calls >= len(f.pages) {
		return &trials.SearchResponse{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

func (f *fakeRegistry) GetStudy(_ context.Context, nctID string) (*trials.Study, error) {
	if s, ok := f.byID[nctID]; ok {
		return &s, nil
	}
	return nil, nil
}

type fakeFDA struct {
	approved map[string]bool
}

func (f *fakeFDA) CheckApproval(_ context.Context, drugName, _ string) (trials.ApprovalResult, error) {
	if f.approved[drugName] {
		now := time.Now().UTC()
		return trials.ApprovalResult{Approved: true, ApprovalDate: &now}, nil
	}
	return trials.ApprovalResult{}, nil
}

func study(nctID, title, status string, interventions ...string) trials.Study {
	var s trials.Study
	s.ProtocolSection.IdentificationModule.NCTID = nctID
	s.ProtocolSection.IdentificationModule.BriefTitle = title
	s.ProtocolSection.StatusModule.OverallStatus = status
	if len(interventions) > 0 {
		s.ProtocolSection.ArmsInterventionsModule = &struct {
			Interventions []trials.Intervention `json:"interventions"`
		}{}
		for _, iv := range interventions {
			s.ProtocolSection.ArmsInterventionsModule.Interventions = append(
				s.ProtocolSection.ArmsInterventionsModule.Interventions,
				trials.Intervention{Name: iv},
			)
		}
	}
	return s
}

func newSyncEnv(registry *fakeRegistry, fda *fakeFDA) (*trials.Syncer, *store.MemoryStore, *engine.Engine) {
	ms := store.NewMemoryStore()
	eng := engine.New(ms)
	sy := trials.NewSyncer(registry, fda, ms, eng, trials.Options{MaxPages: 3})
	return sy, ms, eng
}

func TestSyncTrials_CreatesMarketsForNewTrials(t *testing.T) {
	registry := &fakeRegistry{pages: []*trials.SearchResponse{
		{Studies: []trials.Study{
			study("NCT00000001", "Study of Alphamab", "RECRUITING", "Alphamab"),
			study("NCT00000002", "Study of Betanib", "RECRUITING", "Betanib"),
		}},
	}}
	sy, ms, _ := newSyncEnv(registry, &fakeFDA{})
	ctx := context.Background()

	report, err := sy.SyncTrials(ctx)
	if err != nil {
		t.Fatalf("SyncTrials failed: %v", err)
	}
	if report.TrialsCreated != 2 || report.MarketsCreated != 2 {
		t.Errorf("report = %+v, want 2 created trials and markets", report)
	}

	trial, err := ms.GetTrialByNCTID(ctx, "NCT00000001")
	if err != nil {
		t.Fatalf("trial not stored: %v", err)
	}
	market, err := ms.GetMarketByTrial(ctx, trial.ID)
	if err != nil {
		t.Fatalf("market not created: %v", err)
	}
	if !strings.Contains(market.Question, "Study of Alphamab") {
		t.Errorf("question = %q", market.Question)
	}
	if !market.YesPool.Equal(model.InitialPool) {
		t.Errorf("yes pool = %s, want 1000", market.YesPool)
	}
}

func TestSyncTrials_ClosesMarketWhenTrialStops(t *testing.T) {
	registry := &fakeRegistry{pages: []*trials.SearchResponse{
		{Studies: []trials.Study{study("NCT00000001", "Study of Alphamab", "RECRUITING", "Alphamab")}},
		{Studies: []trials.Study{study("NCT00000001", "Study of Alphamab", "TERMINATED", "Alphamab")}},
	}}
	sy, ms, _ := newSyncEnv(registry, &fakeFDA{})
	ctx := context.Background()

	if _, err := sy.SyncTrials(ctx); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	report, err := sy.SyncTrials(ctx)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if report.MarketsClosed != 1 {
		t.Errorf("markets closed = %d, want 1", report.MarketsClosed)
	}

	trial, _ := ms.GetTrialByNCTID(ctx, "NCT00000001")
	market, _ := ms.GetMarketByTrial(ctx, trial.ID)
	if market.Status != model.StatusClosed {
		t.Errorf("status = %s, want CLOSED", market.Status)
	}
}

func TestSyncTrials_SecondSyncIsIdempotent(t *testing.T) {
	registry := &fakeRegistry{pages: []*trials.SearchResponse{
		{Studies: []trials.Study{study("NCT00000001", "Study of Alphamab", "RECRUITING", "Alphamab")}},
		{Studies: []trials.Study{study("NCT00000001", "Study of Alphamab", "RECRUITING", "Alphamab")}},
	}}
	sy, _, _ := newSyncEnv(registry, &fakeFDA{})
	ctx := context.Background()

	if _, err := sy.SyncTrials(ctx); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	report, err := sy.SyncTrials(ctx)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if report.TrialsCreated != 0 || report.MarketsCreated != 0 {
		t.Errorf("second sync created entities: %+v", report)
	}
	if report.TrialsUpdated != 1 {
		t.Errorf("trials updated = %d, want 1", report.TrialsUpdated)
	}
}

func TestSyncOne_RefreshesSingleTrial(t *testing.T) {
	registry := &fakeRegistry{
		pages: []*trials.SearchResponse{
			{Studies: []trials.Study{study("NCT00000001", "Study of Alphamab", "RECRUITING", "Alphamab")}},
		},
		byID: map[string]trials.Study{
			"NCT00000001": study("NCT00000001", "Study of Alphamab", "COMPLETED", "Alphamab"),
		},
	}
	sy, ms, _ := newSyncEnv(registry, &fakeFDA{})
	ctx := context.Background()

	if _, err := sy.SyncTrials(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	report, err := sy.SyncOne(ctx, "NCT00000001")
	if err != nil {
		t.Fatalf("SyncOne failed: %v", err)
	}
	if report.MarketsClosed != 1 {
		t.Errorf("markets closed = %d, want 1", report.MarketsClosed)
	}

	trial, _ := ms.GetTrialByNCTID(ctx, "NCT00000001")
	if trial.Status != "COMPLETED" {
		t.Errorf("trial status = %q, want COMPLETED", trial.Status)
	}

	if _, err := sy.SyncOne(ctx, "NCT99999999"); !errors.Is(err, store.ErrTrialNotFound) {
		t.Errorf("unknown nct id: err = %v, want ErrTrialNotFound", err)
	}
}

func TestCheckApprovals_ResolvesYes(t *testing.T) {
	registry := &fakeRegistry{pages: []*trials.SearchResponse{
		{Studies: []trials.Study{study("NCT00000001", "Study of Alphamab", "RECRUITING", "Alphamab")}},
	}}
	fda := &fakeFDA{approved: map[string]bool{"Alphamab": true}}
	sy, ms, eng := newSyncEnv(registry, fda)
	ctx := context.Background()

	if _, err := sy.SyncTrials(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	trial, _ := ms.GetTrialByNCTID(ctx, "NCT00000001")
	market, _ := ms.GetMarketByTrial(ctx, trial.ID)

	user := &model.User{ID: "u1", Name: "Ada", Email: "ada@example.com", Balance: decimal.NewFromInt(1000), CreatedAt: time.Now().UTC()}
	if err := ms.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	buy, err := eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "u1", MarketID: market.ID, Type: model.BuyYes, Amount: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("trade failed: %v", err)
	}

	report, err := sy.CheckApprovals(ctx)
	if err != nil {
		t.Fatalf("CheckApprovals failed: %v", err)
	}
	if report.MarketsResolved != 1 {
		t.Errorf("markets resolved = %d, want 1", report.MarketsResolved)
	}

	resolved, _ := ms.GetMarket(ctx, market.ID)
	if resolved.Status != model.StatusResolved {
		t.Errorf("status = %s, want RESOLVED", resolved.Status)
	}
	if resolved.ResolvedOutcome != model.OutcomeYes {
		t.Errorf("outcome = %q, want YES", resolved.ResolvedOutcome)
	}

	winner, _ := ms.GetUser(ctx, "u1")
	want := decimal.NewFromInt(900).Add(buy.Shares)
	if !winner.Balance.Sub(want).Abs().LessThan(decimal.New(1, -7)) {
		t.Errorf("balance = %s, want %s", winner.Balance, want)
	}
}

func TestSyncTrials_NoMarketForTrialFirstSeenCompleted(t *testing.T) {
	registry := &fakeRegistry{pages: []*trials.SearchResponse{
		{Studies: []trials.Study{study("NCT00000001", "Study of Alphamab", "COMPLETED", "Alphamab")}},
	}}
	sy, ms, _ := newSyncEnv(registry, &fakeFDA{})
	ctx := context.Background()

	report, err := sy.SyncTrials(ctx)
	if err != nil {
		t.Fatalf("SyncTrials failed: %v", err)
	}
	if report.TrialsCreated != 1 {
		t.Errorf("trials created = %d, want 1", report.TrialsCreated)
	}
	if report.MarketsCreated != 0 {
		t.Errorf("markets created = %d, want 0", report.MarketsCreated)
	}

	trial, err := ms.GetTrialByNCTID(ctx, "NCT00000001")
	if err != nil {
		t.Fatalf("trial not stored: %v", err)
	}
	if _, err := ms.GetMarketByTrial(ctx, trial.ID); !errors.Is(err, store.ErrMarketNotFound) {
		t.Errorf("err = %v, want ErrMarketNotFound for a completed trial", err)
	}
}

func TestCheckApprovals_SettlesClosedMarket(t *testing.T) {
	registry := &fakeRegistry{pages: []*trials.SearchResponse{
		{Studies: []trials.Study{study("NCT00000001", "Study of Alphamab", "RECRUITING", "Alphamab")}},
		{Studies: []trials.Study{study("NCT00000001", "Study of Alphamab", "COMPLETED", "Alphamab")}},
	}}
	fda := &fakeFDA{approved: map[string]bool{"Alphamab": true}}
	sy, ms, eng := newSyncEnv(registry, fda)
	ctx := context.Background()

	if _, err := sy.SyncTrials(ctx); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}

	trial, _ := ms.GetTrialByNCTID(ctx, "NCT00000001")
	market, _ := ms.GetMarketByTrial(ctx, trial.ID)

	user := &model.User{ID: "u1", Name: "Ada", Email: "ada@example.com", Balance: decimal.NewFromInt(1000), CreatedAt: time.Now().UTC()}
	if err := ms.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	buy, err := eng.ExecuteTrade(ctx, engine.TradeRequest{
		UserID: "u1", MarketID: market.ID, Type: model.BuyYes, Amount: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("trade failed: %v", err)
	}

	// The trial completes, closing the market before the approval lands.
	if _, err := sy.SyncTrials(ctx); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	closed, _ := ms.GetMarket(ctx, market.ID)
	if closed.Status != model.StatusClosed {
		t.Fatalf("status = %s, want CLOSED before approval", closed.Status)
	}

	report, err := sy.CheckApprovals(ctx)
	if err != nil {
		t.Fatalf("CheckApprovals failed: %v", err)
	}
	if report.MarketsResolved != 1 {
		t.Errorf("markets resolved = %d, want 1", report.MarketsResolved)
	}

	resolved, _ := ms.GetMarket(ctx, market.ID)
	if resolved.Status != model.StatusResolved {
		t.Errorf("status = %s, want RESOLVED", resolved.Status)
	}
	winner, _ := ms.GetUser(ctx, "u1")
	want := decimal.NewFromInt(900).Add(buy.Shares)
	if !winner.Balance.Sub(want).Abs().LessThan(decimal.New(1, -7)) {
		t.Errorf("balance = %s, want %s", winner.Balance, want)
	}
}

func TestCheckApprovals_NotifiesOnResolve(t *testing.T) {
	registry := &fakeRegistry{pages: []*trials.SearchResponse{
		{Studies: []trials.Study{study("NCT00000001", "Study of Alphamab", "RECRUITING", "Alphamab")}},
	}}
	fda := &fakeFDA{approved: map[string]bool{"Alphamab": true}}
	ms := store.NewMemoryStore()
	eng := engine.New(ms)

	type resolution struct{ marketID, outcome string }
	var got []resolution
	sy := trials.NewSyncer(registry, fda, ms, eng, trials.Options{
		MaxPages: 3,
		Notifier: func(marketID, outcome string) {
			got = append(got, resolution{marketID, outcome})
		},
	})
	ctx := context.Background()

	if _, err := sy.SyncTrials(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if _, err := sy.CheckApprovals(ctx); err != nil {
		t.Fatalf("CheckApprovals failed: %v", err)
	}

	trial, _ := ms.GetTrialByNCTID(ctx, "NCT00000001")
	market, _ := ms.GetMarketByTrial(ctx, trial.ID)
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	if got[0].marketID != market.ID || got[0].outcome != model.OutcomeYes {
		t.Errorf("notified %+v, want market %s outcome YES", got[0], market.ID)
	}
}

func TestCheckApprovals_NoApprovalLeavesMarketOpen(t *testing.T) {
	registry := &fakeRegistry{pages: []*trials.SearchResponse{
		{Studies: []trials.Study{study("NCT00000001", "Study of Alphamab", "RECRUITING", "Alphamab")}},
	}}
	sy, ms, _ := newSyncEnv(registry, &fakeFDA{})
	ctx := context.Background()

	if _, err := sy.SyncTrials(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	report, err := sy.CheckApprovals(ctx)
	if err != nil {
		t.Fatalf("CheckApprovals failed: %v", err)
	}
	if report.MarketsResolved != 0 {
		t.Errorf("markets resolved = %d, want 0", report.MarketsResolved)
	}

	trial, _ := ms.GetTrialByNCTID(ctx, "NCT00000001")
	market, _ := ms.GetMarketByTrial(ctx, trial.ID)
	if market.Status != model.StatusOpen {
		t.Errorf("status = %s, want OPEN", market.Status)
	}
}
