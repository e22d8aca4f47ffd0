// Package api provides the HTTP handlers exposing the broker engine to the
// web layer: account management, order placement and cancellation, depot and
// leaderboard views, and the externally scheduled pass triggers.
//
// Authentication lives outside this service; every mutating endpoint expects
// an already-authenticated user id.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/paperbroker/broker-engine/internal/engine"
	"github.com/paperbroker/broker-engine/internal/model"
	"github.com/paperbroker/broker-engine/internal/networth"
	"github.com/paperbroker/broker-engine/internal/store"
)

// Service bundles the engine and net-worth services behind HTTP handlers.
type Service struct {
	engine   *engine.Service
	networth *networth.Service
	target   int // decimation target size
}

// NewService creates the HTTP service. target is the decimation target used
// when the pass trigger does not specify one.
func NewService(eng *engine.Service, nw *networth.Service, target int) *Service {
	return &Service{engine: eng, networth: nw, target: target}
}

// Routes mounts all handlers under the given router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Delete("/accounts/{userID}", s.DeleteAccount)

	r.Post("/orders", s.PlaceOrder)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)

	r.Get("/users/{userID}/orders", s.GetUserOrders)
	r.Get("/users/{userID}/depot", s.GetDepotDetails)
	r.Get("/users/{userID}/positions/{ticker}", s.GetUserPosition)
	r.Get("/users/{userID}/locked-cash", s.GetLockedCash)
	r.Get("/users/{userID}/history", s.GetHistory)

	r.Get("/leaderboard", s.GetLeaderboard)
	r.Get("/popular", s.GetPopularTickers)

	r.Post("/passes/matching", s.TriggerMatchingPass)
	r.Post("/passes/snapshot", s.TriggerSnapshotPass)
	r.Post("/passes/decimation", s.TriggerDecimationPass)
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for account creation.
type CreateAccountRequest struct {
	UserID string `json:"user_id"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	UserID     string           `json:"user_id"`
	Ticker     string           `json:"ticker"`
	Kind       string           `json:"kind"` // market, limit, stop
	Side       string           `json:"side"` // buy, sell
	Quantity   int64            `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
}

// CancelOrderRequest is the JSON body for POST /orders/{orderID}/cancel.
type CancelOrderRequest struct {
	UserID string `json:"user_id"`
}

// LockedCashResponse reports a user's derived locked and available cash.
type LockedCashResponse struct {
	UserID        string          `json:"user_id"`
	LockedCash    decimal.Decimal `json:"locked_cash"`
	AvailableCash decimal.Decimal `json:"available_cash"`
}

// --- Handlers ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	account, err := s.engine.CreateAccount(r.Context(), req.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// DeleteAccount handles DELETE /api/v1/accounts/{userID}
func (s *Service) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.engine.DeleteAccount(r.Context(), userID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PlaceOrder handles POST /api/v1/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ticket, err := model.NewTicket(req.Kind, req.Side, req.Quantity, req.LimitPrice, req.StopPrice)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	order, err := s.engine.PlaceOrder(r.Context(), req.UserID, req.Ticker, ticket)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.CancelOrder(r.Context(), req.UserID, orderID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// GetUserOrders handles GET /api/v1/users/{userID}/orders
func (s *Service) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	orders, err := s.engine.GetUserOrders(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetDepotDetails handles GET /api/v1/users/{userID}/depot
func (s *Service) GetDepotDetails(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	details, err := s.engine.GetDepotDetails(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// GetUserPosition handles GET /api/v1/users/{userID}/positions/{ticker}
func (s *Service) GetUserPosition(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ticker := chi.URLParam(r, "ticker")

	pos, err := s.engine.GetUserPosition(r.Context(), userID, ticker)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetLockedCash handles GET /api/v1/users/{userID}/locked-cash
func (s *Service) GetLockedCash(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	locked, err := s.engine.LockedCash(ctx, userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	details, err := s.engine.GetDepotDetails(ctx, userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LockedCashResponse{
		UserID:        userID,
		LockedCash:    locked,
		AvailableCash: details.CashBalance.Sub(locked),
	})
}

// GetHistory handles GET /api/v1/users/{userID}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	history, err := s.networth.History(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if history == nil {
		history = []model.NetWorthSnapshot{}
	}
	writeJSON(w, http.StatusOK, history)
}

// GetLeaderboard handles GET /api/v1/leaderboard?page=N&page_size=M
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	entries, err := s.networth.Leaderboard(r.Context(), page, pageSize)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetPopularTickers handles GET /api/v1/popular?limit=N
func (s *Service) GetPopularTickers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	popular, err := s.engine.GetMostPopularTickers(r.Context(), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if popular == nil {
		popular = []model.TickerPopularity{}
	}
	writeJSON(w, http.StatusOK, popular)
}

// --- Pass triggers (invoked by the external scheduler) ---

// TriggerMatchingPass handles POST /api/v1/passes/matching
func (s *Service) TriggerMatchingPass(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.RunMatchingPass(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// TriggerSnapshotPass handles POST /api/v1/passes/snapshot
func (s *Service) TriggerSnapshotPass(w http.ResponseWriter, r *http.Request) {
	report, err := s.networth.RunSnapshotPass(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// TriggerDecimationPass handles POST /api/v1/passes/decimation?target=N
func (s *Service) TriggerDecimationPass(w http.ResponseWriter, r *http.Request) {
	target := s.target
	if q := r.URL.Query().Get("target"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil {
			writeError(w, "target must be an integer", http.StatusBadRequest)
			return
		}
		target = parsed
	}

	report, err := s.networth.RunDecimationPass(r.Context(), target)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps the engine's error taxonomy to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidOrder), errors.Is(err, engine.ErrUnknownTicker):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientHoldings),
		errors.Is(err, engine.ErrNotCancellable),
		errors.Is(err, store.ErrAccountExists):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrMarketDataUnavailable):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrPositionNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}
