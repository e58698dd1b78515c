package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chat-widget/internal/identity"
	"github.com/ashureev/chat-widget/internal/session"
)

// WidgetHandler exposes the session controller of the calling widget.
// Every route resolves its controller from the identity middleware.
type WidgetHandler struct {
	registry *Registry
	logger   *slog.Logger
}

// NewWidgetHandler creates a new widget handler.
func NewWidgetHandler(registry *Registry, logger *slog.Logger) *WidgetHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WidgetHandler{registry: registry, logger: logger}
}

// RegisterRoutes registers widget routes.
func (h *WidgetHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/widget", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Post("/open", h.Open)
		r.Post("/messages", h.SendMessage)
		r.Post("/profile", h.EstablishProfile)
		r.Post("/end", h.End)
	})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type profileRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (h *WidgetHandler) controller(w http.ResponseWriter, r *http.Request) *session.Controller {
	key := identity.WidgetKey(r.Context())
	if key == "" {
		Error(w, http.StatusUnauthorized, "missing widget identity")
		return nil
	}
	ctrl, err := h.registry.Get(r.Context(), key)
	if err != nil {
		h.logger.Error("Widget state unavailable", "error", err, "widget", key)
		Error(w, http.StatusServiceUnavailable, "widget state unavailable")
		return nil
	}
	return ctrl
}

// GetState returns the current widget view.
func (h *WidgetHandler) GetState(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(w, r)
	if ctrl == nil {
		return
	}
	JSON(w, http.StatusOK, ctrl.Snapshot())
}

// Open marks the widget as opened and returns the refreshed view.
func (h *WidgetHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(w, r)
	if ctrl == nil {
		return
	}
	ctrl.Open(r.Context())
	JSON(w, http.StatusOK, ctrl.Snapshot())
}

// SendMessage starts an exchange. The reply arrives later through the state
// endpoint or the websocket stream.
func (h *WidgetHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(w, r)
	if ctrl == nil {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, accepted := ctrl.Submit(r.Context(), req.Text); !accepted {
		JSON(w, http.StatusConflict, map[string]interface{}{
			"error": "message ignored",
			"state": ctrl.Snapshot(),
		})
		return
	}
	JSON(w, http.StatusAccepted, ctrl.Snapshot())
}

// EstablishProfile records the onboarding profile.
func (h *WidgetHandler) EstablishProfile(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(w, r)
	if ctrl == nil {
		return
	}

	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := ctrl.EstablishProfile(r.Context(), req.Name, req.Email); err != nil {
		if errors.Is(err, session.ErrInvalidProfile) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to establish profile", "error", err)
		Error(w, http.StatusInternalServerError, "failed to establish profile")
		return
	}
	JSON(w, http.StatusOK, ctrl.Snapshot())
}

// End ends the conversation and clears its persisted state.
func (h *WidgetHandler) End(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller(w, r)
	if ctrl == nil {
		return
	}
	if err := ctrl.EndConversation(r.Context()); err != nil {
		h.logger.Error("Failed to clear conversation storage",
			"error", err,
			"widget", identity.WidgetKey(r.Context()),
			"ip", identity.IPFromRequest(r),
		)
		Error(w, http.StatusInternalServerError, "failed to end conversation")
		return
	}
	JSON(w, http.StatusOK, ctrl.Snapshot())
}
