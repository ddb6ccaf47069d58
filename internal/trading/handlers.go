package trading

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/decision"
	"github.com/lalalune/babylon-sub005/internal/model"
	"github.com/lalalune/babylon-sub005/internal/pricefeed"
	"github.com/lalalune/babylon-sub005/internal/risk"
	"github.com/lalalune/babylon-sub005/internal/store"
)

// --- Request/Response types ---

// CreatePoolRequest is the JSON body for POST /api/v1/pools.
type CreatePoolRequest struct {
	ActorID string `json:"actor_id"`
}

// DecisionResponse is the JSON body returned from POST /api/v1/decisions.
type DecisionResponse struct {
	PositionID string `json:"position_id,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// DepositRequest is the JSON body for POST /api/v1/pools/{poolID}/deposits.
type DepositRequest struct {
	InvestorID string          `json:"investor_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// WithdrawRequest is the JSON body for POST /api/v1/pools/{poolID}/withdrawals.
type WithdrawRequest struct {
	InvestorID string          `json:"investor_id"`
	Shares     decimal.Decimal `json:"shares"`
}

// LiquidationsRequest carries the current prices for a liquidation sweep.
type LiquidationsRequest struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

// --- HTTP Handlers ---

// HandleCreatePool handles POST /api/v1/pools.
func (s *Service) HandleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pool, err := s.CreatePool(r.Context(), req.ActorID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusCreated, pool)
}

// HandleGetPool handles GET /api/v1/pools/{poolID}.
func (s *Service) HandleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.GetPool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// HandleDecision handles POST /api/v1/decisions. The decision executes
// synchronously; failures come back as typed results, never as a dropped
// batch.
func (s *Service) HandleDecision(w http.ResponseWriter, r *http.Request) {
	var dec decision.Decision
	if err := json.NewDecoder(r.Body).Decode(&dec); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result := s.ExecuteDecision(r.Context(), dec)
	if result.Err != nil {
		writeJSON(w, statusFor(result.Err), DecisionResponse{
			Success: false,
			Error:   result.Err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, DecisionResponse{
		PositionID: result.PositionID,
		Success:    true,
	})
}

// HandlePerformance handles GET /api/v1/pools/{poolID}/performance.
func (s *Service) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	perf, err := s.GetPoolPerformance(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

// HandleLiquidations handles POST /api/v1/pools/{poolID}/liquidations,
// invoked by the external tick scheduler.
func (s *Service) HandleLiquidations(w http.ResponseWriter, r *http.Request) {
	var req LiquidationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	report, err := s.CheckLiquidations(r.Context(), chi.URLParam(r, "poolID"), req.Prices)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleDeposit handles POST /api/v1/pools/{poolID}/deposits.
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	dep, err := s.Deposit(r.Context(), chi.URLParam(r, "poolID"), req.InvestorID, req.Amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

// HandleWithdraw handles POST /api/v1/pools/{poolID}/withdrawals.
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.Withdraw(r.Context(), chi.URLParam(r, "poolID"), req.InvestorID, req.Shares)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleTrades handles GET /api/v1/pools/{poolID}/trades — the immutable
// audit trail.
func (s *Service) HandleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.ListTrades(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if trades == nil {
		trades = []model.NPCTrade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, decision.ErrUnknownAction),
		errors.Is(err, decision.ErrInvalidMarketType),
		errors.Is(err, decision.ErrValidation),
		errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrPoolNotFound),
		errors.Is(err, store.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrPositionClosed),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrLiquidity),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrPoolInactive),
		errors.Is(err, risk.ErrPoolExposureExceeded),
		errors.Is(err, risk.ErrSymbolExposureExceeded),
		errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, pricefeed.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
