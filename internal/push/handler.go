// Package push exposes a direct send endpoint for one-off pushes to a
// single device, bypassing the queue.
package push

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/lumera-app/beacon/internal/apns"
	"github.com/lumera-app/beacon/internal/pkg/ctxlog"
	"github.com/lumera-app/beacon/internal/pkg/httputil"
)

// Sender delivers one push to one device.
type Sender interface {
	Send(ctx context.Context, n apns.Notification) (*apns.Result, error)
}

// Handler handles direct push requests.
type Handler struct {
	sender    Sender
	validator *validator.Validate
}

// NewHandler creates a new push handler.
func NewHandler(sender Sender) *Handler {
	return &Handler{
		sender:    sender,
		validator: validator.New(),
	}
}

// RegisterRoutes registers push routes (require service auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/push/send", h.Send)
}

// SendRequest represents the request body for a direct push.
type SendRequest struct {
	DeviceToken string         `json:"device_token" validate:"required"`
	Title       string         `json:"title" validate:"required,max=200"`
	Body        string         `json:"body" validate:"required,max=1000"`
	Data        map[string]any `json:"data"`
}

// SendResponse reports the delivery outcome.
type SendResponse struct {
	Success     bool   `json:"success"`
	Terminal    bool   `json:"terminal,omitempty"`
	DeleteToken bool   `json:"delete_token,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Send delivers one push directly.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if !apns.ValidDeviceToken(req.DeviceToken) {
		httputil.Error(w, http.StatusBadRequest, "malformed device token")
		return
	}

	result, err := h.sender.Send(r.Context(), apns.Notification{
		DeviceToken: req.DeviceToken,
		Title:       req.Title,
		Body:        req.Body,
		Data:        req.Data,
	})
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("direct push failed", "error", err)
		httputil.Error(w, http.StatusBadGateway, "push delivery failed")
		return
	}

	httputil.JSON(w, http.StatusOK, SendResponse{
		Success:     result.Success,
		Terminal:    result.Terminal,
		DeleteToken: result.DeleteToken,
		Reason:      result.Reason,
	})
}
