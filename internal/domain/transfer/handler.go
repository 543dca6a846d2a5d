package transfer

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bizgrid/credits-api/internal/domain/ledger"
	"github.com/bizgrid/credits-api/internal/middleware"
	"github.com/bizgrid/credits-api/internal/pkg/money"
	"github.com/bizgrid/credits-api/internal/pkg/response"
	"github.com/bizgrid/credits-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type requestTransferRequest struct {
	SourceAccountID string     `json:"source_account_id" validate:"required,uuid"`
	DestAccountID   string     `json:"dest_account_id" validate:"required,uuid"`
	Amount          string     `json:"amount" validate:"required"`
	IsTemporary     bool       `json:"is_temporary"`
	RecallDeadline  *time.Time `json:"recall_deadline,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

type decideRequest struct {
	Reason string `json:"reason,omitempty"`
}

type upsertRuleRequest struct {
	ID               string   `json:"id,omitempty" validate:"omitempty,uuid"`
	TenantWide       bool     `json:"tenant_wide"`
	AutoApproveBelow string   `json:"auto_approve_below,omitempty"`
	AutoApproveRoles []string `json:"auto_approve_roles,omitempty"`
	RequiredRole     string   `json:"required_role,omitempty"`
	MaxAmount        string   `json:"max_amount,omitempty"`
	FeeRate          string   `json:"fee_rate,omitempty"`
	Priority         int      `json:"priority"`
	Active           bool     `json:"active"`
}

func (h *Handler) Request(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	var req requestTransferRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		response.BadRequest(w, "amount must be a positive decimal")
		return
	}
	sourceID, _ := uuid.Parse(req.SourceAccountID)
	destID, _ := uuid.Parse(req.DestAccountID)

	t, err := h.svc.Request(r.Context(), RequestParams{
		TenantID:        actor.TenantID,
		RequestedBy:     actor.ID,
		RequesterRoles:  actor.Roles,
		SourceAccountID: sourceID,
		DestAccountID:   destID,
		Amount:          amount,
		IsTemporary:     req.IsTemporary,
		RecallDeadline:  req.RecallDeadline,
		ExpiresAt:       req.ExpiresAt,
		Reason:          req.Reason,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Created(w, t)
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id uuid.UUID, actor middleware.Actor, _ string) (*Transfer, error) {
		return h.svc.Approve(r.Context(), id, actor.ID, actor.Roles)
	})
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id uuid.UUID, actor middleware.Actor, reason string) (*Transfer, error) {
		return h.svc.Reject(r.Context(), id, actor.ID, actor.Roles, reason)
	})
}

func (h *Handler) Recall(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id uuid.UUID, actor middleware.Actor, _ string) (*Transfer, error) {
		return h.svc.Recall(r.Context(), id, actor.ID, actor.Roles)
	})
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request,
	fn func(id uuid.UUID, actor middleware.Actor, reason string) (*Transfer, error)) {

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid transfer id")
		return
	}

	var req decideRequest
	if r.ContentLength > 0 {
		if err := response.DecodeJSON(r.Body, &req); err != nil {
			response.BadRequest(w, "invalid JSON body")
			return
		}
	}

	t, err := fn(id, middleware.GetActor(r.Context()), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, t)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid transfer id")
		return
	}

	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if t.TenantID != middleware.GetActor(r.Context()).TenantID {
		response.NotFound(w, "transfer not found")
		return
	}
	response.OK(w, t)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	var status *Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := Status(s)
		status = &st
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	transfers, err := h.svc.List(r.Context(), actor.TenantID, status, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, transfers)
}

func (h *Handler) UpsertRule(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	var req upsertRuleRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	rule := ApprovalRule{
		AutoApproveRoles: req.AutoApproveRoles,
		RequiredRole:     req.RequiredRole,
		Priority:         req.Priority,
		Active:           req.Active,
	}
	if req.ID != "" {
		rule.ID, _ = uuid.Parse(req.ID)
	}
	if req.TenantWide {
		rule.TenantID = uuid.NullUUID{UUID: actor.TenantID, Valid: true}
	} else if !actor.HasRole("admin") {
		// only platform admins may touch the global rule set
		response.Forbidden(w, "global rules require the admin role")
		return
	}

	var err error
	if rule.AutoApproveBelow, err = parseOptionalAmount(req.AutoApproveBelow); err != nil {
		response.BadRequest(w, "auto_approve_below must be a decimal")
		return
	}
	if rule.MaxAmount, err = parseOptionalAmount(req.MaxAmount); err != nil {
		response.BadRequest(w, "max_amount must be a decimal")
		return
	}
	if rule.FeeRate, err = parseOptionalAmount(req.FeeRate); err != nil {
		response.BadRequest(w, "fee_rate must be a decimal")
		return
	}

	if err := h.svc.UpsertRule(r.Context(), &rule); err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, rule)
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := money.Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !money.IsPositive(d) {
		return decimal.Zero, ledger.ErrInvalidAmount
	}
	return d, nil
}

func parseOptionalAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return money.Parse(s)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTransferNotFound):
		response.NotFound(w, "transfer not found")
	case errors.Is(err, ledger.ErrAccountNotFound):
		response.NotFound(w, "account not found")
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ErrSameAccount), errors.Is(err, ErrInvalidRule):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrTransferStateInvalid):
		response.Conflict(w, "transfer is not in a state that allows this action")
	case errors.Is(err, ErrApprovalNotAuthorized):
		response.Forbidden(w, err.Error())
	case errors.Is(err, ErrRuleViolation), errors.Is(err, ErrNoRuleConfigured):
		response.UnprocessableEntity(w, "RULE_VIOLATION", err.Error())
	case errors.Is(err, ledger.ErrInsufficientCredits):
		response.UnprocessableEntity(w, "INSUFFICIENT_CREDITS", "source account cannot cover the transfer")
	case errors.Is(err, ledger.ErrAccountFrozen):
		response.UnprocessableEntity(w, "ACCOUNT_FROZEN", "one of the accounts is frozen")
	case errors.Is(err, ledger.ErrLockTimeout):
		response.ServiceUnavailable(w, "LOCK_TIMEOUT", "account busy, retry")
	default:
		response.InternalError(w)
	}
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/", h.Request)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/approve", h.Approve)
	r.Post("/{id}/reject", h.Reject)
	r.Post("/{id}/recall", h.Recall)
	r.Put("/rules", h.UpsertRule)
	return r
}
