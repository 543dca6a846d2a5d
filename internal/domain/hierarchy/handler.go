package hierarchy

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bizgrid/credits-api/internal/middleware"
	"github.com/bizgrid/credits-api/internal/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	entity, ok := h.ownEntity(w, r)
	if !ok {
		return
	}
	response.OK(w, entity)
}

func (h *Handler) Chain(w http.ResponseWriter, r *http.Request) {
	entity, ok := h.ownEntity(w, r)
	if !ok {
		return
	}
	chain, err := h.svc.AncestorChain(r.Context(), entity.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, chain)
}

func (h *Handler) CreditHolder(w http.ResponseWriter, r *http.Request) {
	entity, ok := h.ownEntity(w, r)
	if !ok {
		return
	}
	holder, err := h.svc.CreditHolder(r.Context(), entity.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, holder)
}

type setParentRequest struct {
	ParentID string `json:"parent_id"`
}

func (h *Handler) SetParent(w http.ResponseWriter, r *http.Request) {
	entity, ok := h.ownEntity(w, r)
	if !ok {
		return
	}

	var req setParentRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	parentID, err := uuid.Parse(req.ParentID)
	if err != nil {
		response.BadRequest(w, "parent_id must be a UUID")
		return
	}

	if err := h.svc.SetParent(r.Context(), entity.ID, parentID); err != nil {
		h.writeError(w, err)
		return
	}
	response.NoContent(w)
}

// ownEntity loads the path entity and enforces tenant isolation
func (h *Handler) ownEntity(w http.ResponseWriter, r *http.Request) (*Entity, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid entity id")
		return nil, false
	}
	entity, err := h.svc.GetEntity(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	if entity.TenantID != middleware.GetActor(r.Context()).TenantID {
		response.NotFound(w, "entity not found")
		return nil, false
	}
	return entity, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEntityNotFound):
		response.NotFound(w, "entity not found")
	case errors.Is(err, ErrInvalidHierarchy):
		response.UnprocessableEntity(w, "INVALID_HIERARCHY", err.Error())
	default:
		response.InternalError(w)
	}
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/chain", h.Chain)
	r.Get("/{id}/credit-holder", h.CreditHolder)
	r.Put("/{id}/parent", h.SetParent)
	return r
}
