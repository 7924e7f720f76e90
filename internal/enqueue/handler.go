package enqueue

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lumera-app/beacon/internal/pkg/ctxlog"
	"github.com/lumera-app/beacon/internal/pkg/httputil"
)

// Handler handles HTTP requests for the enqueue pass.
type Handler struct {
	service *Service
}

// NewHandler creates a new enqueue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers enqueue routes (require service auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/notifications/enqueue", h.RunPass)
}

// RunPass executes one enqueue pass and reports what was scanned and queued.
func (h *Handler) RunPass(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Run(r.Context(), time.Now().UTC())
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("enqueue pass failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "enqueue pass failed")
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}
