package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/reference"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/window"
)

// Deps bundles everything the handlers reach into. Repo and Cache are
// optional; endpoints that need them answer 503 when absent.
type Deps struct {
	Repo        domain.Repository
	Cache       domain.Cache
	Coordinator *pipeline.Coordinator
	Engine      *rules.Engine
	Computer    *features.Computer
	Reference   *reference.Store
	Aggregator  *window.Aggregator
	Windows     domain.WindowConfig
	Version     string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	coordinator *pipeline.Coordinator
	engine      *rules.Engine
	computer    *features.Computer
	reference   *reference.Store
	agg         *window.Aggregator
	windows     domain.WindowConfig
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:        deps.Repo,
		cache:       deps.Cache,
		coordinator: deps.Coordinator,
		engine:      deps.Engine,
		computer:    deps.Computer,
		reference:   deps.Reference,
		agg:         deps.Aggregator,
		windows:     deps.Windows,
		version:     deps.Version,
	}
}

// TransactionPayload is the transaction part of POST /transactions.
// The tenant always comes from the X-Tenant-ID header, never the body.
type TransactionPayload struct {
	ID                  string                 `json:"id,omitempty"`
	AccountID           string                 `json:"accountId"`
	Amount              float64                `json:"amount"`
	Currency            string                 `json:"currency"`
	CounterpartyCountry string                 `json:"counterpartyCountry"`
	Timestamp           time.Time              `json:"timestamp,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// ScoreRequest is the request body for POST /transactions. Reference
// snapshots are optional; omitting them scores against the shared
// store, degrading if it has no record either.
type ScoreRequest struct {
	Transaction TransactionPayload `json:"transaction"`
	Customer    *domain.Customer   `json:"customer,omitempty"`
	Account     *domain.Account    `json:"account,omitempty"`
}

// ScoreTransaction handles POST /transactions: it runs the full
// pipeline synchronously and answers with the emitted score event.
func (h *Handler) ScoreTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	p := req.Transaction
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	enriched := &domain.EnrichedTransaction{
		Transaction: domain.Transaction{
			ID:                  p.ID,
			TenantID:            tenantID,
			AccountID:           p.AccountID,
			Amount:              p.Amount,
			Currency:            p.Currency,
			CounterpartyCountry: p.CounterpartyCountry,
			Timestamp:           p.Timestamp,
			Metadata:            p.Metadata,
		},
		Customer: req.Customer,
		Account:  req.Account,
	}
	if enriched.Customer != nil {
		enriched.Customer.TenantID = tenantID
	}
	if enriched.Account != nil {
		enriched.Account.TenantID = tenantID
	}

	event, err := h.coordinator.ProcessWithTrace(ctx, enriched, traceID)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": verr.Error(),
			})
			return
		}
		var comp *domain.ComputationError
		if errors.As(err, &comp) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": comp.Error(),
				"stage": comp.Stage,
			})
			return
		}
		slog.Error("scoring failed", "tx_id", p.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "scoring failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// GetScore handles GET /scores/{txnID}. The cache answers recent
// transactions; older ones come from the repository.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txnID := chi.URLParam(r, "txnID")

	if h.cache != nil {
		if event, err := h.cache.GetScoreEvent(ctx, tenantID, txnID); err == nil && event != nil {
			writeJSON(w, http.StatusOK, event)
			return
		}
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	event, err := h.repo.GetScoreEvent(ctx, tenantID, txnID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "score not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// GetFeatures handles GET /features/{txnID}.
func (h *Handler) GetFeatures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txnID := chi.URLParam(r, "txnID")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	fv, err := h.repo.GetFeatureVector(ctx, tenantID, txnID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "feature vector not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"txId":     txnID,
		"features": fv,
	})
}

// WindowSnapshot is one horizon's rolling summary.
type WindowSnapshot struct {
	Days  int          `json:"days"`
	Stats window.Stats `json:"stats"`
}

// WindowResponse is the response for GET /windows/{accountID}.
type WindowResponse struct {
	AccountID string         `json:"accountId"`
	AsOf      time.Time      `json:"asOf"`
	Short     WindowSnapshot `json:"short"`
	Long      WindowSnapshot `json:"long"`
}

// GetWindows handles GET /windows/{accountID}. An optional asOf query
// parameter (RFC 3339) pins the evaluation point; it defaults to now.
func (h *Handler) GetWindows(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	accountID := chi.URLParam(r, "accountID")

	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("asOf"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "asOf must be RFC 3339",
			})
			return
		}
		asOf = parsed.UTC()
	}

	resp := WindowResponse{
		AccountID: accountID,
		AsOf:      asOf,
		Short: WindowSnapshot{
			Days:  h.windows.ShortDays,
			Stats: h.agg.Query(tenantID, accountID, h.windows.Short(), asOf),
		},
		Long: WindowSnapshot{
			Days:  h.windows.LongDays,
			Stats: h.agg.Query(tenantID, accountID, h.windows.Long(), asOf),
		},
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetCountries handles GET /countries with the active risk tables.
func (h *Handler) GetCountries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.computer.Countries())
}

// ListRules returns all rules loaded in the engine. Rules are loaded
// from the repository at startup and can be reloaded via POST
// /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	Expression  string  `json:"expression"`
	Weight      float64 `json:"weight"`
	Enabled     bool    `json:"enabled"`
}

// CreateRule validates and persists a rule. Rules are saved globally
// (tenant_id = "*") so they apply to all tenants. After saving, call
// POST /rules/reload to hot-reload the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if req.Weight < 0 || req.Weight > 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "weight must be between 0 and 1",
		})
		return
	}

	rule := &domain.ScoringRule{
		ID:          req.ID,
		TenantID:    domain.GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Expression:  req.Expression,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}
	if err := h.repo.SaveRule(ctx, domain.GlobalTenantID, rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the repository into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	catalogue, err := h.repo.ListRules(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from repository",
		})
		return
	}

	if err := h.engine.ReloadRules(catalogue); err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded", "count", h.engine.RulesCount())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}

// UpsertCustomer handles POST /reference/customers. The pipeline picks
// the record up on the next transaction for one of the customer's
// accounts.
func (h *Handler) UpsertCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var customer domain.Customer
	if err := json.NewDecoder(r.Body).Decode(&customer); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	customer.TenantID = tenantID

	if err := h.reference.UpsertCustomer(ctx, &customer); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": verr.Error(),
			})
			return
		}
		slog.Error("failed to upsert customer", "id", customer.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save customer",
		})
		return
	}

	writeJSON(w, http.StatusOK, customer)
}

// UpsertAccount handles POST /reference/accounts.
func (h *Handler) UpsertAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var account domain.Account
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	account.TenantID = tenantID

	if err := h.reference.UpsertAccount(ctx, &account); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": verr.Error(),
			})
			return
		}
		slog.Error("failed to upsert account", "id", account.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save account",
		})
		return
	}

	writeJSON(w, http.StatusOK, account)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
