package trials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CourageResearch/endpoint/internal/engine"
	"github.com/CourageResearch/endpoint/internal/metrics"
	"github.com/CourageResearch/endpoint/internal/model"
	"github.com/CourageResearch/endpoint/internal/store"
)

// Registry is the slice of RegistryClient the syncer needs.
type Registry interface {
	SearchStudies(ctx context.Context, condition string, phases []string, pageSize int, pageToken string) (*SearchResponse, error)
	GetStudy(ctx context.Context, nctID string) (*Study, error)
}

// ApprovalChecker is the slice of FDAClient the syncer needs.
type ApprovalChecker interface {
	CheckApproval(ctx context.Context, drugName, sponsor string) (ApprovalResult, error)
}

// SyncReport summarizes one sync cycle.
type SyncReport struct {
	TrialsCreated   int `json:"trials_created"`
	TrialsUpdated   int `json:"trials_updated"`
	MarketsCreated  int `json:"markets_created"`
	MarketsClosed   int `json:"markets_closed"`
	MarketsChecked  int `json:"markets_checked"`
	MarketsResolved int `json:"markets_resolved"`
}

// Options tunes a Syncer. Zero values fall back to conservative defaults.
type Options struct {
	Condition         string
	Phases            []string
	PageSize          int
	MaxPages          int
	MaxMarketsPerSync int
	Interval          time.Duration

	// Notifier, when set, is called after a market settles so callers
	// can fan the resolution out to live subscribers.
	Notifier func(marketID, outcome string)
}

// Syncer pulls trial records from the registry, opens markets for new
// trials, closes markets whose trials stopped, and resolves markets YES
// when openFDA shows an approval for one of the trial's interventions.
type Syncer struct {
	registry Registry
	fda      ApprovalChecker
	store    store.Store
	engine   *engine.Engine
	opts     Options
}

// NewSyncer wires a Syncer over the given feeds and engine.
func NewSyncer(registry Registry, fda ApprovalChecker, st store.Store, eng *engine.Engine, opts Options) *Syncer {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 5
	}
	if opts.MaxMarketsPerSync <= 0 {
		opts.MaxMarketsPerSync = 25
	}
	if len(opts.Phases) == 0 {
		opts.Phases = []string{"PHASE3"}
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Syncer{registry: registry, fda: fda, store: st, engine: eng, opts: opts}
}

// trial statuses that end trading without resolving the market.
var closedStatuses = map[string]bool{
	"COMPLETED":  true,
	"TERMINATED": true,
	"WITHDRAWN":  true,
	"SUSPENDED":  true,
}

// SyncTrials walks the registry feed, upserting trials and adjusting
// market state to match. New trials get a fresh market; trials that have
// stopped get their market closed for trading.
func (sy *Syncer) SyncTrials(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	pageToken := ""

	for page := 0; page < sy.opts.MaxPages; page++ {
		resp, err := sy.registry.SearchStudies(ctx, sy.opts.Condition, sy.opts.Phases, sy.opts.PageSize, pageToken)
		if err != nil {
			metrics.SyncErrors.WithLabelValues("registry").Inc()
			return report, err
		}

		for _, study := range resp.Studies {
			if err := sy.applyStudy(ctx, &study, &report); err != nil {
				metrics.SyncErrors.WithLabelValues("apply").Inc()
				slog.Error("failed to apply study",
					"nct_id", study.ProtocolSection.IdentificationModule.NCTID,
					"error", err,
				)
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	metrics.TrialsSynced.Add(float64(report.TrialsCreated + report.TrialsUpdated))
	slog.Info("trial sync complete",
		"created", report.TrialsCreated,
		"updated", report.TrialsUpdated,
		"markets_created", report.MarketsCreated,
		"markets_closed", report.MarketsClosed,
	)
	return report, nil
}

// SyncOne refreshes a single trial from the registry by NCT ID, applying
// the same market lifecycle rules as a full sync cycle.
func (sy *Syncer) SyncOne(ctx context.Context, nctID string) (SyncReport, error) {
	var report SyncReport

	study, err := sy.registry.GetStudy(ctx, nctID)
	if err != nil {
		metrics.SyncErrors.WithLabelValues("registry").Inc()
		return report, err
	}
	if study == nil {
		return report, store.ErrTrialNotFound
	}
	if err := sy.applyStudy(ctx, study, &report); err != nil {
		metrics.SyncErrors.WithLabelValues("apply").Inc()
		return report, err
	}
	return report, nil
}

func (sy *Syncer) applyStudy(ctx context.Context, study *Study, report *SyncReport) error {
	trial := study.Trial()
	if trial.NCTID == "" || trial.Title == "" {
		return fmt.Errorf("trials: study missing nct id or title")
	}
	trial.UpdatedAt = time.Now().UTC()

	created, err := sy.store.UpsertTrial(ctx, trial)
	if err != nil {
		return err
	}

	if created {
		report.TrialsCreated++
		// A trial first seen in a terminal status never traded here, so
		// there is nothing to open a market for.
		if closedStatuses[trial.Status] {
			return nil
		}
		if report.MarketsCreated >= sy.opts.MaxMarketsPerSync {
			return nil
		}
		question := fmt.Sprintf("Will %s receive FDA approval?", trial.Title)
		if _, err := sy.engine.CreateMarket(ctx, trial.ID, question); err != nil {
			if errors.Is(err, store.ErrDuplicateMarket) {
				return nil
			}
			return err
		}
		report.MarketsCreated++
		return nil
	}

	report.TrialsUpdated++
	if !closedStatuses[trial.Status] {
		return nil
	}

	market, err := sy.store.GetMarketByTrial(ctx, trial.ID)
	if errors.Is(err, store.ErrMarketNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if market.Status != model.StatusOpen {
		return nil
	}
	if err := sy.store.UpdateMarketStatus(ctx, market.ID, model.StatusClosed); err != nil {
		return err
	}
	metrics.ActiveMarkets.Dec()
	report.MarketsClosed++
	slog.Info("market closed", "market", market.ID, "trial_status", trial.Status)
	return nil
}

// CheckApprovals scans every tradeable market and resolves YES when any
// of the trial's interventions has an original FDA approval. Markets in
// CLOSED state are still settled here once the approval lands.
func (sy *Syncer) CheckApprovals(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	for _, status := range []string{model.StatusOpen, model.StatusClosed} {
		markets, err := sy.store.ListMarkets(ctx, store.MarketFilter{Status: status})
		if err != nil {
			metrics.SyncErrors.WithLabelValues("list").Inc()
			return report, err
		}

		for _, market := range markets {
			report.MarketsChecked++
			resolved, err := sy.checkMarket(ctx, &market)
			if err != nil {
				metrics.SyncErrors.WithLabelValues("approval").Inc()
				slog.Error("approval check failed", "market", market.ID, "error", err)
				continue
			}
			if resolved {
				report.MarketsResolved++
			}
		}
	}

	slog.Info("approval check complete",
		"checked", report.MarketsChecked,
		"resolved", report.MarketsResolved,
	)
	return report, nil
}

func (sy *Syncer) checkMarket(ctx context.Context, market *model.Market) (bool, error) {
	trial, err := sy.store.GetTrial(ctx, market.TrialID)
	if err != nil {
		return false, err
	}
	if len(trial.Interventions) == 0 {
		return false, nil
	}

	for _, drug := range trial.Interventions {
		result, err := sy.fda.CheckApproval(ctx, drug, trial.Sponsor)
		if err != nil {
			return false, err
		}
		if !result.Approved {
			continue
		}
		// Resolve settles CLOSED markets directly, so the whole settlement
		// is one transaction with no tradeable window in between.
		if _, err := sy.engine.Resolve(ctx, market.ID, model.OutcomeYes); err != nil {
			return false, err
		}
		if sy.opts.Notifier != nil {
			sy.opts.Notifier(market.ID, model.OutcomeYes)
		}
		slog.Info("market resolved on approval", "market", market.ID, "drug", drug)
		return true, nil
	}
	return false, nil
}

// Run executes an immediate cycle and then repeats on the configured
// interval until ctx is cancelled.
func (sy *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(sy.opts.Interval)
	defer ticker.Stop()

	sy.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sy.cycle(ctx)
		}
	}
}

func (sy *Syncer) cycle(ctx context.Context) {
	if _, err := sy.SyncTrials(ctx); err != nil {
		slog.Error("trial sync failed", "error", err)
	}
	if _, err := sy.CheckApprovals(ctx); err != nil {
		slog.Error("approval check failed", "error", err)
	}
}
