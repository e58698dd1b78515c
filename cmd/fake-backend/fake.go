package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type fakeConfig struct {
	// APIToken, when set, must match the api_token header.
	APIToken string
	// FailEvery makes every n-th prompt fail with a 500.
	FailEvery int
	Latency   time.Duration
}

type fakeMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type askRequest struct {
	ConfigAIName      string  `json:"configAiName"`
	PromptQuery       string  `json:"promptQuery"`
	ConversationID    *string `json:"conversationId"`
	DataSourceAPIName string  `json:"dataSourceApiName"`
}

type fakeBackend struct {
	cfg    fakeConfig
	logger *slog.Logger

	mu            sync.Mutex
	prompts       int
	conversations map[string][]fakeMessage
}

func newFakeBackend(cfg fakeConfig, logger *slog.Logger) *fakeBackend {
	return &fakeBackend{
		cfg:           cfg,
		logger:        logger,
		conversations: make(map[string][]fakeMessage),
	}
}

func (f *fakeBackend) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(f.requireToken)
		r.Post("/api/ask", f.Ask)
		r.Get("/api/history", f.History)
	})
}

func (f *fakeBackend) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.cfg.APIToken != "" && r.Header.Get("api_token") != f.cfg.APIToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakeBackend) Ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	prompt := strings.TrimSpace(req.PromptQuery)
	if prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "promptQuery is required"})
		return
	}

	if f.cfg.Latency > 0 {
		select {
		case <-time.After(f.cfg.Latency):
		case <-r.Context().Done():
			return
		}
	}

	id := r.Header.Get("X-Conversation-ID")
	if req.ConversationID != nil && *req.ConversationID != "" {
		id = *req.ConversationID
	}

	f.mu.Lock()
	f.prompts++
	if f.cfg.FailEvery > 0 && f.prompts%f.cfg.FailEvery == 0 {
		f.mu.Unlock()
		f.logger.Info("Simulating failure", "prompt", f.prompts)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Simulated backend failure."})
		return
	}
	if id == "" {
		id = uuid.NewString()
	}
	answer := "You said: " + prompt
	f.conversations[id] = append(f.conversations[id],
		fakeMessage{Sender: "user", Text: prompt},
		fakeMessage{Sender: "bot", Text: answer},
	)
	f.mu.Unlock()

	f.logger.Debug("Answered prompt", "conversation_id", id, "ai", req.ConfigAIName, "data_source", req.DataSourceAPIName)
	writeJSON(w, http.StatusOK, map[string]string{
		"message":        answer,
		"conversationId": id,
	})
}

func (f *fakeBackend) History(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("conversationId")
	if id == "" {
		id = r.Header.Get("X-Conversation-ID")
	}
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversationId is required"})
		return
	}

	f.mu.Lock()
	messages, ok := f.conversations[id]
	out := append([]fakeMessage(nil), messages...)
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown conversation"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}
