package alert

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bizgrid/credits-api/internal/middleware"
	"github.com/bizgrid/credits-api/internal/pkg/response"
)

type Handler struct {
	gateway *Gateway
}

func NewHandler(gateway *Gateway) *Handler {
	return &Handler{gateway: gateway}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	alerts, err := h.gateway.ListByTenant(r.Context(), actor.TenantID, limit, offset)
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, alerts)
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/", h.List)
	return r
}
