package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/chat-widget/internal/identity"
	"github.com/ashureev/chat-widget/internal/session"
)

// StreamHandler pushes the widget view over a WebSocket after every change
// and accepts widget actions from the same connection.
type StreamHandler struct {
	registry       *Registry
	allowedOrigins []string
	isDev          bool
	logger         *slog.Logger
}

// NewStreamHandler creates a new WebSocket stream handler.
func NewStreamHandler(registry *Registry, allowedOrigins []string, isDev bool, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		registry:       registry,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		logger:         logger,
	}
}

// streamFrame is sent from server to client.
type streamFrame struct {
	Type  string        `json:"type"`
	View  *session.View `json:"view,omitempty"`
	Error string        `json:"error,omitempty"`
}

// streamAction is sent from client to server.
type streamAction struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := identity.WidgetKey(r.Context())
	if key == "" {
		Error(w, http.StatusUnauthorized, "missing widget identity")
		return
	}
	logger := h.logger.With("widget", key)
	logger.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ctrl, release, err := h.registry.Watch(r.Context(), key)
	if err != nil {
		logger.Error("Widget state unavailable", "error", err)
		Error(w, http.StatusServiceUnavailable, "widget state unavailable")
		return
	}
	defer release()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	changes, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: client actions -> controller.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, ctrl, logger)
	}()

	// Output loop: controller changes -> client.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, ctrl, changes, logger)
	}()

	wg.Wait()
	logger.Info("Widget stream ended")
}

func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *StreamHandler) inputLoop(ctx context.Context, ws *websocket.Conn, ctrl *session.Controller, logger *slog.Logger) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("WebSocket closed by client")
			} else {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var action streamAction
		if err := json.Unmarshal(data, &action); err != nil {
			logger.Debug("Ignoring malformed stream action", "error", err)
			continue
		}

		switch action.Type {
		case "send":
			if _, accepted := ctrl.Submit(ctx, action.Text); !accepted {
				h.write(ctx, ws, streamFrame{Type: "ignored"}, logger)
			}
		case "open":
			// History fetch may take up to the backend timeout.
			go ctrl.Open(ctx)
		case "end":
			if err := ctrl.EndConversation(ctx); err != nil {
				logger.Error("Failed to clear conversation storage", "error", err)
				h.write(ctx, ws, streamFrame{Type: "error", Error: "failed to end conversation"}, logger)
			}
		case "ping":
			h.write(ctx, ws, streamFrame{Type: "pong"}, logger)
		default:
			logger.Debug("Ignoring unknown stream action", "type", action.Type)
		}
	}
}

func (h *StreamHandler) outputLoop(ctx context.Context, ws *websocket.Conn, ctrl *session.Controller, changes <-chan struct{}, logger *slog.Logger) {
	for {
		view := ctrl.Snapshot()
		if err := h.write(ctx, ws, streamFrame{Type: "state", View: &view}, logger); err != nil {
			return
		}

		select {
		case <-changes:
		case <-ctx.Done():
			return
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, ws *websocket.Conn, frame streamFrame, logger *slog.Logger) error {
	err := wsjson.Write(ctx, ws, frame)
	if err != nil && ctx.Err() == nil {
		logger.Debug("WebSocket write error", "error", err, "type", frame.Type)
	}
	return err
}
