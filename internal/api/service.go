// Package api provides the HTTP handlers for markets, trading, users,
// portfolios, and settlement.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/CourageResearch/endpoint/internal/amm"
	"github.com/CourageResearch/endpoint/internal/engine"
	"github.com/CourageResearch/endpoint/internal/model"
	"github.com/CourageResearch/endpoint/internal/store"
	"github.com/CourageResearch/endpoint/internal/trials"
)

// Service handles market, user, and settlement endpoints.
type Service struct {
	store      store.Store
	engine     *engine.Engine
	syncer     *trials.Syncer // optional; nil disables POST /sync
	wsHub      *WSHub         // optional WebSocket hub for real-time broadcasts
	adminToken string
}

// NewService creates the API service. Pass nil for syncer or hub when
// those features are disabled; an empty adminToken leaves the admin
// endpoints open (development mode).
func NewService(st store.Store, eng *engine.Engine, syncer *trials.Syncer, hub *WSHub, adminToken string) *Service {
	return &Service{
		store:      st,
		engine:     eng,
		syncer:     syncer,
		wsHub:      hub,
		adminToken: adminToken,
	}
}

// Routes mounts all API endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/healthz", s.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/markets", s.ListMarkets)
		r.Get("/markets/{marketID}", s.GetMarket)
		r.Get("/markets/{marketID}/price", s.GetPrice)
		r.Get("/markets/{marketID}/transactions", s.MarketTransactions)
		r.Post("/trade", s.ExecuteTrade)

		r.Post("/users", s.CreateUser)
		r.Get("/users/{userID}", s.GetUser)
		r.Get("/users/{userID}/portfolio", s.GetPortfolio)
		r.Get("/users/{userID}/transactions", s.UserTransactions)

		r.Get("/leaderboard", s.Leaderboard)

		if s.wsHub != nil {
			r.Get("/ws", s.wsHub.HandleWS)
		}

		// Admin surface: market lifecycle and sync trigger.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/markets", s.CreateMarket)
			r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
			r.Post("/markets/{marketID}/cancel", s.CancelMarket)
			r.Post("/sync", s.TriggerSync)
			r.Post("/trials/{nctID}/refresh", s.RefreshTrial)
		})
	})
}

// requireAdmin guards settlement and market-management endpoints with a
// bearer token when one is configured.
func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token != s.adminToken {
				writeError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	TrialID  string `json:"trial_id"`
	Question string `json:"question"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	UserID   string          `json:"user_id"`
	MarketID string          `json:"market_id"`
	Type     string          `json:"type"`   // BUY_YES, BUY_NO, SELL_YES, SELL_NO
	Amount   decimal.Decimal `json:"amount"` // currency for buys, shares for sells
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	Outcome string `json:"outcome"` // YES or NO
}

// MarketView is a market plus its current spot prices.
type MarketView struct {
	model.Market
	PriceYes decimal.Decimal `json:"price_yes"`
	PriceNo  decimal.Decimal `json:"price_no"`
}

// --- HTTP Handlers ---

// Health handles GET /healthz.
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListMarkets handles GET /api/v1/markets?status=OPEN&limit=50&offset=0.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	filter := store.MarketFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}

	markets, err := s.store.ListMarkets(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, marketView(&m))
	}
	writeJSON(w, http.StatusOK, views)
}

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TrialID == "" {
		writeError(w, "trial_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.Question == "" {
		trial, err := s.store.GetTrial(ctx, req.TrialID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		req.Question = "Will " + trial.Title + " receive FDA approval?"
	}

	market, err := s.engine.CreateMarket(ctx, req.TrialID, req.Question)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market",
			MarketID: market.ID,
			Status:   market.Status,
			PriceYes: "0.5",
			PriceNo:  "0.5",
		})
	}
	writeJSON(w, http.StatusCreated, marketView(market))
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marketView(market))
}

// GetPrice handles GET /api/v1/markets/{marketID}/price.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	price := amm.Prices(market.YesPool, market.NoPool)
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"yes": price.Yes,
		"no":  price.No,
	})
}

// ExecuteTrade handles POST /api/v1/trade.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.MarketID == "" {
		writeError(w, "market_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.engine.ExecuteTrade(r.Context(), engine.TradeRequest{
		UserID:   req.UserID,
		MarketID: req.MarketID,
		Type:     req.Type,
		Amount:   req.Amount,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if s.wsHub != nil {
		price := amm.Prices(result.NewYesPool, result.NewNoPool)
		s.wsHub.Broadcast(WSMessage{
			Type:     "price",
			MarketID: req.MarketID,
			PriceYes: price.Yes.String(),
			PriceNo:  price.No.String(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve.
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Outcome != model.OutcomeYes && req.Outcome != model.OutcomeNo {
		writeError(w, "outcome must be YES or NO", http.StatusBadRequest)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	settlement, err := s.engine.Resolve(r.Context(), marketID, req.Outcome)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "resolution",
			MarketID: marketID,
			Status:   model.StatusResolved,
			Outcome:  req.Outcome,
		})
	}
	writeJSON(w, http.StatusOK, settlement)
}

// CancelMarket handles POST /api/v1/markets/{marketID}/cancel.
func (s *Service) CancelMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	settlement, err := s.engine.Cancel(r.Context(), marketID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "resolution",
			MarketID: marketID,
			Status:   model.StatusCancelled,
		})
	}
	writeJSON(w, http.StatusOK, settlement)
}

// MarketTransactions handles GET /api/v1/markets/{marketID}/transactions.
func (s *Service) MarketTransactions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	txs, err := s.store.ListTransactionsByMarket(r.Context(), marketID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// CreateUser handles POST /api/v1/users.
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}

	user, err := s.engine.CreateUser(r.Context(), req.Name, req.Email)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{userID}.
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UserTransactions handles GET /api/v1/users/{userID}/transactions.
func (s *Service) UserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	txs, err := s.store.ListTransactionsByUser(r.Context(), userID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio.
// Positions are marked to market at current AMM spot prices.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	positions, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	portfolio := model.Portfolio{
		UserID:         userID,
		Balance:        user.Balance,
		Positions:      make([]model.PositionView, 0, len(positions)),
		PortfolioValue: decimal.Zero,
	}

	for _, p := range positions {
		if p.YesShares.IsZero() && p.NoShares.IsZero() {
			continue
		}
		market, err := s.store.GetMarket(ctx, p.MarketID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		// Settled markets already paid out; only live positions carry
		// mark-to-market value.
		if market.Status != model.StatusOpen && market.Status != model.StatusClosed {
			continue
		}
		view := positionView(&p, market)
		portfolio.Positions = append(portfolio.Positions, view)
		portfolio.PortfolioValue = portfolio.PortfolioValue.Add(view.CurrentValue)
	}

	portfolio.TotalValue = portfolio.Balance.Add(portfolio.PortfolioValue)
	writeJSON(w, http.StatusOK, portfolio)
}

// Leaderboard handles GET /api/v1/leaderboard?limit=20.
// Users are ranked by balance plus mark-to-market portfolio value.
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit")
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	// Price each market once; many positions share a market. Settled
	// markets carry no mark-to-market value: their payouts already sit
	// in user balances.
	type markPrice struct {
		price     amm.Price
		tradeable bool
	}
	priceCache := make(map[string]markPrice)

	entries := make([]model.LeaderboardEntry, 0, len(users))
	for _, u := range users {
		positions, err := s.store.ListPositionsByUser(ctx, u.ID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}

		portfolioValue := decimal.Zero
		for _, p := range positions {
			mark, ok := priceCache[p.MarketID]
			if !ok {
				market, err := s.store.GetMarket(ctx, p.MarketID)
				if err != nil {
					s.writeStoreError(w, err)
					return
				}
				if market.Status == model.StatusOpen || market.Status == model.StatusClosed {
					mark = markPrice{price: amm.Prices(market.YesPool, market.NoPool), tradeable: true}
				}
				priceCache[p.MarketID] = mark
			}
			if mark.tradeable {
				portfolioValue = portfolioValue.Add(amm.PositionValue(p.YesShares, p.NoShares, mark.price.Yes))
			}
		}

		trades, err := s.store.CountTransactionsByUser(ctx, u.ID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}

		total := u.Balance.Add(portfolioValue)
		entries = append(entries, model.LeaderboardEntry{
			UserID:         u.ID,
			Name:           u.Name,
			Balance:        u.Balance,
			PortfolioValue: portfolioValue,
			TotalValue:     total,
			TotalProfit:    total.Sub(model.InitialBalance),
			TradesCount:    trades,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].TotalValue.GreaterThan(entries[j].TotalValue)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	writeJSON(w, http.StatusOK, entries)
}

// TriggerSync handles POST /api/v1/sync: one immediate trial sync plus
// approval check, outside the scheduled interval.
func (s *Service) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, "sync is not configured", http.StatusNotFound)
		return
	}

	ctx := r.Context()
	report, err := s.syncer.SyncTrials(ctx)
	if err != nil {
		writeError(w, "sync failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	approvals, err := s.syncer.CheckApprovals(ctx)
	if err != nil {
		writeError(w, "approval check failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	report.MarketsChecked = approvals.MarketsChecked
	report.MarketsResolved = approvals.MarketsResolved
	writeJSON(w, http.StatusOK, report)
}

// RefreshTrial handles POST /api/v1/trials/{nctID}/refresh: re-fetch one
// trial from the registry and apply market lifecycle rules.
func (s *Service) RefreshTrial(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, "sync is not configured", http.StatusNotFound)
		return
	}

	report, err := s.syncer.SyncOne(r.Context(), chi.URLParam(r, "nctID"))
	if err != nil {
		if errors.Is(err, store.ErrTrialNotFound) {
			s.writeStoreError(w, err)
			return
		}
		writeError(w, "refresh failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Helpers ---

func marketView(m *model.Market) MarketView {
	view := MarketView{Market: *m}
	if m.Status == model.StatusOpen || m.Status == model.StatusClosed {
		price := amm.Prices(m.YesPool, m.NoPool)
		view.PriceYes = price.Yes
		view.PriceNo = price.No
	} else if m.ResolvedOutcome != "" {
		// Settled markets report terminal prices.
		if m.ResolvedOutcome == model.OutcomeYes {
			view.PriceYes = decimal.NewFromInt(1)
		} else {
			view.PriceNo = decimal.NewFromInt(1)
		}
	}
	return view
}

func positionView(p *model.Position, m *model.Market) model.PositionView {
	price := amm.Prices(m.YesPool, m.NoPool)
	value := amm.PositionValue(p.YesShares, p.NoShares, price.Yes)
	profit := value.Sub(p.TotalInvested)

	view := model.PositionView{
		Position:     *p,
		PriceYes:     price.Yes,
		PriceNo:      price.No,
		CurrentValue: value,
		Profit:       profit,
	}
	if p.TotalInvested.IsPositive() {
		view.ProfitPercent = profit.Div(p.TotalInvested).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return view
}

// writeStoreError maps domain and store errors onto HTTP statuses.
func (s *Service) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrMarketNotFound),
		errors.Is(err, store.ErrTrialNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrInvalidTradeType),
		errors.Is(err, amm.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrMarketNotOpen),
		errors.Is(err, engine.ErrAlreadyResolved),
		errors.Is(err, engine.ErrNotOpen),
		errors.Is(err, store.ErrDuplicateMarket):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, engine.ErrNoPosition),
		errors.Is(err, engine.ErrInsufficientShares):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		slog.Error("request failed", "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
