package dispatch

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lumera-app/beacon/internal/pkg/ctxlog"
	"github.com/lumera-app/beacon/internal/pkg/httputil"
)

// Handler handles HTTP requests for the dispatch pass.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispatch handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers dispatch routes (require service auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/notifications/dispatch", h.RunPass)
}

// RunPass executes one dispatch pass and reports per-outcome counts.
func (h *Handler) RunPass(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Run(r.Context(), time.Now().UTC())
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("dispatch pass failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "dispatch pass failed")
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}
