package billing

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bizgrid/credits-api/internal/domain/hierarchy"
	"github.com/bizgrid/credits-api/internal/domain/ledger"
	"github.com/bizgrid/credits-api/internal/domain/pricing"
	"github.com/bizgrid/credits-api/internal/middleware"
	"github.com/bizgrid/credits-api/internal/pkg/money"
	"github.com/bizgrid/credits-api/internal/pkg/response"
	"github.com/bizgrid/credits-api/internal/pkg/validator"
)

type Handler struct {
	svc           *Service
	webhookSecret string

	// requestSweep nudges the sweeper worker for an immediate pass
	requestSweep func(context.Context) error
}

func NewHandler(svc *Service, webhookSecret string, requestSweep func(context.Context) error) *Handler {
	return &Handler{svc: svc, webhookSecret: webhookSecret, requestSweep: requestSweep}
}

type chargeRequest struct {
	EntityID      string `json:"entity_id" validate:"required,uuid"`
	OperationCode string `json:"operation_code" validate:"required,operation_code"`
	Quantity      string `json:"quantity" validate:"required"`
	Description   string `json:"description,omitempty"`
}

func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	var req chargeRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	quantity, err := money.Parse(req.Quantity)
	if err != nil || !money.IsPositive(quantity) {
		response.BadRequest(w, "quantity must be a positive decimal")
		return
	}
	entityID, _ := uuid.Parse(req.EntityID)

	result, err := h.svc.ChargeOperation(r.Context(), actor.TenantID, entityID,
		req.OperationCode, quantity, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, result)
}

func (h *Handler) PreviewCost(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	entityID, err := uuid.Parse(r.URL.Query().Get("entity_id"))
	if err != nil {
		response.BadRequest(w, "entity_id query parameter required")
		return
	}
	operationCode := r.URL.Query().Get("operation_code")
	if operationCode == "" {
		response.BadRequest(w, "operation_code query parameter required")
		return
	}

	resolved, err := h.svc.PreviewCost(r.Context(), actor.TenantID, entityID, operationCode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, resolved)
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	entityID, err := uuid.Parse(r.URL.Query().Get("entity_id"))
	if err != nil {
		response.BadRequest(w, "entity_id query parameter required")
		return
	}

	balance, err := h.svc.GetBalance(r.Context(), actor.TenantID, entityID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, balance)
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	entityID, err := uuid.Parse(r.URL.Query().Get("entity_id"))
	if err != nil {
		response.BadRequest(w, "entity_id query parameter required")
		return
	}

	var f ledger.TxFilter
	if s := r.URL.Query().Get("type"); s != "" {
		t := ledger.TxType(s)
		f.Type = &t
	}
	f.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	f.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	txs, err := h.svc.ListTransactions(r.Context(), actor.TenantID, entityID, f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, txs)
}

type reserveRequest struct {
	EntityID   string `json:"entity_id" validate:"required,uuid"`
	Amount     string `json:"amount" validate:"required"`
	TTLSeconds int    `json:"ttl_seconds" validate:"required,gt=0"`
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	var req reserveRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil || !money.IsPositive(amount) {
		response.BadRequest(w, "amount must be a positive decimal")
		return
	}
	entityID, _ := uuid.Parse(req.EntityID)

	id, acct, err := h.svc.Reserve(r.Context(), actor.TenantID, entityID,
		amount, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Created(w, map[string]interface{}{
		"reservation_id": id,
		"account_id":     acct.ID,
	})
}

type commitReservationRequest struct {
	OperationCode string `json:"operation_code" validate:"required,operation_code"`
	Description   string `json:"description,omitempty"`
}

func (h *Handler) CommitReservation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid reservation id")
		return
	}

	var req commitReservationRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	result, err := h.svc.CommitReservation(r.Context(), id, req.OperationCode, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, result)
}

func (h *Handler) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid reservation id")
		return
	}
	if err := h.svc.ReleaseReservation(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	response.NoContent(w)
}

type grantRequest struct {
	TenantID    string     `json:"tenant_id" validate:"required,uuid"`
	EntityID    string     `json:"entity_id" validate:"required,uuid"`
	Amount      string     `json:"amount" validate:"required"`
	Source      string     `json:"source" validate:"required,batch_source"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Ref         string     `json:"ref,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Grant is the admin path for promotional and manual credits
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil || !money.IsPositive(amount) {
		response.BadRequest(w, "amount must be a positive decimal")
		return
	}
	tenantID, _ := uuid.Parse(req.TenantID)
	entityID, _ := uuid.Parse(req.EntityID)

	result, err := h.svc.Grant(r.Context(), tenantID, entityID, amount,
		ledger.Source(req.Source), req.ExpiresAt, req.Ref, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Created(w, result)
}

// TriggerSweep asks the sweeper worker to run now instead of waiting for its
// next tick. Useful after bulk grants or when testing expiry behavior.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.requestSweep == nil {
		response.OK(w, map[string]interface{}{"requested": false})
		return
	}
	if err := h.requestSweep(r.Context()); err != nil {
		response.ServiceUnavailable(w, "SWEEP_UNAVAILABLE", "could not reach the sweeper")
		return
	}
	response.OK(w, map[string]interface{}{"requested": true})
}

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		response.BadRequest(w, "invalid account id")
		return
	}
	report, err := h.svc.Audit(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, report)
}

// PaymentWebhook receives settlement events from the payment provider. It is
// authenticated by a shared secret header, not a user token.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.webhookSecret)) != 1 {
		response.Unauthorized(w, "invalid webhook secret")
		return
	}

	var event PaymentEvent
	if err := response.DecodeJSON(r.Body, &event); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	result, err := h.svc.HandlePayment(r.Context(), event)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if result == nil {
		response.OK(w, map[string]interface{}{"applied": false})
		return
	}
	response.OK(w, map[string]interface{}{"applied": !result.Replayed, "result": result})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hierarchy.ErrEntityNotFound):
		response.NotFound(w, "entity not found")
	case errors.Is(err, ledger.ErrAccountNotFound):
		response.NotFound(w, "account not found")
	case errors.Is(err, ledger.ErrReservationNotFound):
		response.NotFound(w, "reservation not found")
	case errors.Is(err, pricing.ErrConfigurationNotFound):
		response.UnprocessableEntity(w, "CONFIGURATION_NOT_FOUND", "no credit configuration for this operation")
	case errors.Is(err, ledger.ErrInsufficientCredits):
		response.UnprocessableEntity(w, "INSUFFICIENT_CREDITS", "account cannot cover this operation")
	case errors.Is(err, ledger.ErrAccountFrozen):
		response.UnprocessableEntity(w, "ACCOUNT_FROZEN", "account is frozen")
	case errors.Is(err, ledger.ErrReservationClosed):
		response.Conflict(w, "reservation already closed")
	case errors.Is(err, ledger.ErrReferenceConflict):
		response.Conflict(w, "reference already used with a different amount")
	case errors.Is(err, ledger.ErrInvalidAmount):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ledger.ErrLockTimeout):
		response.ServiceUnavailable(w, "LOCK_TIMEOUT", "account busy, retry")
	default:
		response.InternalError(w)
	}
}

// Routes mounts the authenticated billing surface. The payment webhook is
// mounted separately, outside auth.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/charge", h.Charge)
	r.Get("/cost", h.PreviewCost)
	r.Get("/balance", h.Balance)
	r.Get("/transactions", h.Transactions)
	r.Post("/reservations", h.Reserve)
	r.Post("/reservations/{id}/commit", h.CommitReservation)
	r.Post("/reservations/{id}/release", h.ReleaseReservation)

	r.Group(func(admin chi.Router) {
		admin.Use(middleware.RequireAdmin())
		admin.Post("/grants", h.Grant)
		admin.Post("/sweep", h.TriggerSweep)
		admin.Get("/audit/{accountID}", h.Audit)
	})
	return r
}
