// Package api exposes the economy store over HTTP: the authoritative
// collect_earnings RPC, account reads and the administrative writes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"mining_economy/internal/accrual"
	"mining_economy/internal/domain"
	"mining_economy/internal/repository"
	"mining_economy/pkg/crypto"
	"mining_economy/pkg/metrics"
	"mining_economy/pkg/validator"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Backend is everything the HTTP surface serves from.
type Backend interface {
	repository.Store
	repository.AdminStore
}

type APIHandler struct {
	store          Backend
	engine         *accrual.Engine
	signer         *crypto.Signer
	metrics        *metrics.MetricsCollector
	validator      *validator.RequestValidator
	auth           *Authenticator
	limiter        *KeyedLimiter
	logger         *slog.Logger
	requestTimeout time.Duration
	now            func() time.Time
}

func NewAPIHandler(
	store Backend,
	engine *accrual.Engine,
	signer *crypto.Signer,
	metrics *metrics.MetricsCollector,
	logger *slog.Logger,
) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = accrual.NewEngine()
	}

	return &APIHandler{
		store:          store,
		engine:         engine,
		signer:         signer,
		metrics:        metrics,
		validator:      validator.NewRequestValidator(),
		logger:         logger,
		requestTimeout: 30 * time.Second,
		now:            time.Now,
	}
}

func (h *APIHandler) SetAuthenticator(a *Authenticator) { h.auth = a }

func (h *APIHandler) SetRateLimiter(l *KeyedLimiter) { h.limiter = l }

func (h *APIHandler) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		h.requestTimeout = d
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type CreateAccountRequest struct {
	ID        string          `json:"id"`
	RiskScore decimal.Decimal `json:"risk_score"`
	Balance   decimal.Decimal `json:"balance"`
}

type PurchaseRequest struct {
	AssetID string `json:"asset_id"`
}

type EstimateResponse struct {
	AccountID string           `json:"account_id"`
	Estimate  accrual.Estimate `json:"estimate"`
	ReadAt    time.Time        `json:"read_at"`
}

// Handler returns the chi router with all routes mounted.
func (h *APIHandler) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.requestTimeout))

	r.Get("/api/health", h.HealthCheckHandler)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Post("/rpc/collect_earnings", h.CollectEarningsHandler)

		r.Route("/api/v1", func(r chi.Router) {
			r.With(requireAdmin).Post("/accounts", h.CreateAccountHandler)
			r.Get("/accounts/{id}/snapshot", h.SnapshotHandler)
			r.Get("/accounts/{id}/estimate", h.EstimateHandler)
			r.Post("/accounts/{id}/purchases", h.PurchaseHandler)

			r.Get("/assets", h.ListAssetsHandler)
			r.With(requireAdmin).Post("/assets", h.SaveAssetHandler)

			r.Get("/economy", h.GetEconomyHandler)
			r.With(requireAdmin).Put("/economy", h.UpdateEconomyHandler)
		})
	})

	return r
}

// ─── Collection ─────────────────────────────────────────────────────────────

func (h *APIHandler) CollectEarningsHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CollectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	claims, _ := ClaimsFrom(r.Context())
	if req.AccountID == "" && claims != nil {
		req.AccountID = claims.Subject
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if !h.authorized(w, r, req.AccountID) {
		return
	}
	if err := h.validator.ValidateCollectRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if !h.limiter.Allow(req.AccountID) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many collect requests")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	out, err := h.store.CollectEarnings(ctx, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "Collect earnings failed",
			slog.String("request_id", req.RequestID),
			slog.String("account_id", req.AccountID),
			slog.String("error", err.Error()))
		h.sendStoreError(w, err)
		return
	}

	if h.signer != nil {
		out.Signature = h.signer.SignReceipt(ReceiptFor(req.AccountID, out))
	}
	if h.metrics != nil && out.Success {
		h.metrics.UpdateAccountBalance(req.AccountID, out.Balance)
	}

	h.logger.InfoContext(ctx, "Collect earnings settled",
		slog.String("request_id", req.RequestID),
		slog.String("account_id", req.AccountID),
		slog.Bool("success", out.Success),
		slog.String("credited", out.Credited.String()),
		slog.Bool("replayed", out.Replayed))

	writeJSON(w, http.StatusOK, out)
}

// ReceiptFor is the signed view of a collect outcome.
func ReceiptFor(accountID string, out *domain.CollectOutcome) crypto.Receipt {
	return crypto.Receipt{
		RequestID:   out.RequestID,
		AccountID:   accountID,
		Success:     out.Success,
		Credited:    out.Credited,
		Balance:     out.Balance,
		CollectedAt: out.CollectedAt,
	}
}

// ─── Accounts ───────────────────────────────────────────────────────────────

func (h *APIHandler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if err := h.validator.ValidateAccountID(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if req.Balance.IsNegative() {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "balance cannot be negative")
		return
	}

	account := domain.NewAccount(req.ID, req.RiskScore, time.Time{})
	account.Balance = req.Balance
	if err := h.store.CreateAccount(r.Context(), account); err != nil {
		h.sendStoreError(w, err)
		return
	}

	h.logger.Info("Account created", slog.String("account_id", account.ID))
	writeJSON(w, http.StatusCreated, account)
}

func (h *APIHandler) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.authorized(w, r, id) {
		return
	}

	snap, err := h.store.Snapshot(r.Context(), id)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *APIHandler) EstimateHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.authorized(w, r, id) {
		return
	}

	snap, err := h.store.Snapshot(r.Context(), id)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, EstimateResponse{
		AccountID: id,
		Estimate:  h.engine.Estimate(accrual.InputFromSnapshot(snap, now)),
		ReadAt:    now,
	})
}

func (h *APIHandler) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.authorized(w, r, id) {
		return
	}

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssetID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "asset_id is required")
		return
	}

	holding, err := h.store.PurchaseAsset(r.Context(), id, req.AssetID)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}

	h.logger.Info("Asset purchased",
		slog.String("account_id", id),
		slog.String("asset_id", req.AssetID),
		slog.String("holding_id", holding.ID))
	writeJSON(w, http.StatusCreated, holding)
}

// ─── Catalog & economy ──────────────────────────────────────────────────────

func (h *APIHandler) ListAssetsHandler(w http.ResponseWriter, r *http.Request) {
	assets, err := h.store.ListAssets(r.Context())
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	if assets == nil {
		assets = []domain.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

func (h *APIHandler) SaveAssetHandler(w http.ResponseWriter, r *http.Request) {
	var asset domain.Asset
	if err := json.NewDecoder(r.Body).Decode(&asset); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if err := h.validator.ValidateAsset(&asset); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := h.store.SaveAsset(r.Context(), &asset); err != nil {
		h.sendStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (h *APIHandler) GetEconomyHandler(w http.ResponseWriter, r *http.Request) {
	state, err := h.store.Economy(r.Context())
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *APIHandler) UpdateEconomyHandler(w http.ResponseWriter, r *http.Request) {
	var state domain.EconomyState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if err := h.validator.ValidateEconomy(state); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	state.UpdatedAt = h.now()
	if err := h.store.UpdateEconomy(r.Context(), state); err != nil {
		h.sendStoreError(w, err)
		return
	}

	h.logger.Info("Economy updated",
		slog.String("market_demand_index", state.MarketDemandIndex.String()),
		slog.String("season_modifier", state.SeasonModifier.String()),
		slog.String("inflation_rate", state.InflationRate.String()))
	writeJSON(w, http.StatusOK, state)
}

func (h *APIHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (h *APIHandler) authorized(w http.ResponseWriter, r *http.Request, accountID string) bool {
	claims, ok := ClaimsFrom(r.Context())
	if !ok || !claims.CanAccess(accountID) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not allowed for this account")
		return false
	}
	return true
}

func (h *APIHandler) sendStoreError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, repository.ErrDuplicate):
		return http.StatusConflict, "DUPLICATE"
	case errors.Is(err, repository.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"
	case errors.Is(err, repository.ErrOutOfStock):
		return http.StatusConflict, "OUT_OF_STOCK"
	case errors.Is(err, repository.ErrAccountSuspended):
		return http.StatusForbidden, "ACCOUNT_SUSPENDED"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "SERVER_ERROR"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
