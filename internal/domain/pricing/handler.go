package pricing

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

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

type upsertConfigurationRequest struct {
	ID            string `json:"id,omitempty" validate:"omitempty,uuid"`
	Global        bool   `json:"global"`
	EntityID      string `json:"entity_id,omitempty" validate:"omitempty,uuid"`
	OperationCode string `json:"operation_code" validate:"required"`
	CreditCost    string `json:"credit_cost" validate:"required"`
	Unit          string `json:"unit,omitempty"`
	FreeAllowance string `json:"free_allowance,omitempty"`
	AllowOverage  bool   `json:"allow_overage"`
	OverageLimit  string `json:"overage_limit,omitempty"`
	Priority      int    `json:"priority"`
	Active        bool   `json:"active"`
}

func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	var req upsertConfigurationRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	cfg := Configuration{
		OperationCode: req.OperationCode,
		Unit:          req.Unit,
		AllowOverage:  req.AllowOverage,
		Priority:      req.Priority,
		Active:        req.Active,
	}
	if cfg.Unit == "" {
		cfg.Unit = "operation"
	}
	if req.ID != "" {
		cfg.ID, _ = uuid.Parse(req.ID)
	}

	if req.Global {
		// global defaults are platform-admin territory
		if !actor.HasRole("admin") {
			response.Forbidden(w, "global configurations require the admin role")
			return
		}
	} else {
		cfg.TenantID = uuid.NullUUID{UUID: actor.TenantID, Valid: true}
		if req.EntityID != "" {
			entityID, _ := uuid.Parse(req.EntityID)
			cfg.EntityID = uuid.NullUUID{UUID: entityID, Valid: true}
		}
	}

	var err error
	if cfg.CreditCost, err = money.Parse(req.CreditCost); err != nil {
		response.BadRequest(w, "credit_cost must be a decimal")
		return
	}
	if cfg.FreeAllowance, err = parseOptional(req.FreeAllowance); err != nil {
		response.BadRequest(w, "free_allowance must be a decimal")
		return
	}
	if cfg.OverageLimit, err = parseOptional(req.OverageLimit); err != nil {
		response.BadRequest(w, "overage_limit must be a decimal")
		return
	}

	if err := h.svc.Upsert(r.Context(), &cfg); err != nil {
		if errors.Is(err, ErrInvalidConfiguration) {
			response.BadRequest(w, err.Error())
			return
		}
		response.InternalError(w)
		return
	}
	response.OK(w, cfg)
}

func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid configuration id")
		return
	}

	if err := h.svc.Deactivate(r.Context(), id, uuid.NullUUID{UUID: actor.TenantID, Valid: true}); err != nil {
		if errors.Is(err, ErrConfigurationNotFound) {
			response.NotFound(w, "configuration not found")
			return
		}
		response.InternalError(w)
		return
	}
	response.NoContent(w)
}

// List returns the rules visible to the tenant: its own plus the globals
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	snapshot, err := h.svc.repo.LoadSnapshot(r.Context(), actor.TenantID)
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, snapshot)
}

func parseOptional(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return money.Parse(s)
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/", h.List)
	r.Put("/", h.Upsert)
	r.Delete("/{id}", h.Deactivate)
	return r
}
