package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chat-widget/internal/backend"
	"github.com/ashureev/chat-widget/internal/domain"
	"github.com/ashureev/chat-widget/internal/identity"
	"github.com/ashureev/chat-widget/internal/session"
	"github.com/ashureev/chat-widget/internal/store"
)

// echoBackend answers every prompt with "echo: <prompt>" under a fixed id.
// When hold is set, Ask blocks until it is closed; historyHold does the same
// for History.
type echoBackend struct {
	mu          sync.Mutex
	asked       []backend.Query
	hold        chan struct{}
	historyHold chan struct{}
}

func (b *echoBackend) Ask(ctx context.Context, q backend.Query) (*backend.Reply, error) {
	b.mu.Lock()
	b.asked = append(b.asked, q)
	hold := b.hold
	b.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &backend.Reply{Message: "echo: " + q.Prompt, ConversationID: "conv-1"}, nil
}

func (b *echoBackend) History(ctx context.Context, _ string) ([]domain.Message, error) {
	b.mu.Lock()
	hold := b.historyHold
	b.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, backend.ErrHistoryUnsupported
}

type testServer struct {
	*httptest.Server
	registry *Registry
	repo     *store.MemoryStore
	client   *http.Client
}

func newTestServer(t *testing.T, be backend.Backend, opts session.Options) *testServer {
	t.Helper()

	repo := store.NewMemory()
	registry := NewRegistry(repo, be, opts, nil)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	NewWidgetHandler(registry, nil).RegisterRoutes(r)
	NewHealthHandler(repo, registry).RegisterHealth(r)
	r.Get("/ws/widget", NewStreamHandler(registry, []string{"*"}, true, nil).ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testServer{
		Server:   srv,
		registry: registry,
		repo:     repo,
		client:   &http.Client{Jar: jar, Timeout: 5 * time.Second},
	}
}

func (s *testServer) do(t *testing.T, method, path, tab, body string) (int, map[string]json.RawMessage) {
	t.Helper()

	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tab != "" {
		req.Header.Set(identity.SessionHeaderName, tab)
	}

	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (s *testServer) view(t *testing.T, tab string) session.View {
	t.Helper()
	status, raw := s.do(t, http.MethodGet, "/api/widget/state", tab, "")
	require.Equal(t, http.StatusOK, status)
	return decodeView(t, raw)
}

func decodeView(t *testing.T, raw map[string]json.RawMessage) session.View {
	t.Helper()
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	var v session.View
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func waitIdle(t *testing.T, s *testServer, tab string) session.View {
	t.Helper()
	var v session.View
	require.Eventually(t, func() bool {
		v = s.view(t, tab)
		return !v.Loading
	}, 2*time.Second, 10*time.Millisecond)
	return v
}

func TestWidgetStateStartsEmpty(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &echoBackend{}, session.DefaultOptions())
	v := s.view(t, "tab-1")

	assert.Equal(t, domain.StateIdle, v.State)
	assert.Empty(t, v.Messages)
	assert.False(t, v.Loading)
	assert.Empty(t, v.Identity.ConversationID)
}

func TestWidgetSendMessageExchange(t *testing.T) {
	t.Parallel()

	be := &echoBackend{}
	s := newTestServer(t, be, session.DefaultOptions())

	status, _ := s.do(t, http.MethodPost, "/api/widget/messages", "tab-1", `{"text":"Hello"}`)
	assert.Equal(t, http.StatusAccepted, status)

	v := waitIdle(t, s, "tab-1")
	assert.Equal(t, []domain.Message{
		domain.UserMessage("Hello"),
		domain.BotMessage("echo: Hello"),
	}, v.Messages)
	assert.Equal(t, "conv-1", v.Identity.ConversationID)
}

func TestWidgetRejectsIgnoredMessages(t *testing.T) {
	t.Parallel()

	be := &echoBackend{hold: make(chan struct{})}
	s := newTestServer(t, be, session.DefaultOptions())
	defer close(be.hold)

	status, _ := s.do(t, http.MethodPost, "/api/widget/messages", "tab-1", `{"text":"   "}`)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = s.do(t, http.MethodPost, "/api/widget/messages", "tab-1", `{"text":"first"}`)
	assert.Equal(t, http.StatusAccepted, status)

	status, raw := s.do(t, http.MethodPost, "/api/widget/messages", "tab-1", `{"text":"second"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, raw, "state")

	status, _ = s.do(t, http.MethodPost, "/api/widget/messages", "tab-1", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWidgetTabsAreIsolated(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &echoBackend{}, session.DefaultOptions())

	status, _ := s.do(t, http.MethodPost, "/api/widget/messages", "tab-1", `{"text":"Hello"}`)
	require.Equal(t, http.StatusAccepted, status)
	waitIdle(t, s, "tab-1")

	assert.Empty(t, s.view(t, "tab-2").Messages)
	assert.Len(t, s.view(t, "tab-1").Messages, 2)
	assert.Equal(t, 2, s.registry.Len())
}

func TestWidgetEndClearsConversation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &echoBackend{}, session.DefaultOptions())
	s.do(t, http.MethodPost, "/api/widget/messages", "tab-1", `{"text":"Hello"}`)
	waitIdle(t, s, "tab-1")

	status, raw := s.do(t, http.MethodPost, "/api/widget/end", "tab-1", "")
	require.Equal(t, http.StatusOK, status)
	v := decodeView(t, raw)
	assert.Equal(t, domain.StateEnded, v.State)
	assert.Empty(t, v.Messages)

	status, raw = s.do(t, http.MethodPost, "/api/widget/open", "tab-1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.StateIdle, decodeView(t, raw).State)
}

func TestWidgetStateSurvivesEviction(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &echoBackend{}, session.DefaultOptions())
	s.do(t, http.MethodPost, "/api/widget/messages", "tab-1", `{"text":"Hello"}`)
	waitIdle(t, s, "tab-1")

	assert.Equal(t, 1, s.registry.Sweep(0))
	assert.Zero(t, s.registry.Len())

	v := s.view(t, "tab-1")
	assert.Len(t, v.Messages, 2)
	assert.Equal(t, "conv-1", v.Identity.ConversationID)
}

func TestWidgetOnboardingProfile(t *testing.T) {
	t.Parallel()

	opts := session.DefaultOptions()
	opts.Onboarding = true
	s := newTestServer(t, &echoBackend{}, opts)

	assert.Equal(t, domain.StateFirstRun, s.view(t, "tab-1").State)

	status, _ := s.do(t, http.MethodPost, "/api/widget/messages", "tab-1", `{"text":"Hello"}`)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = s.do(t, http.MethodPost, "/api/widget/profile", "tab-1", `{"name":"Ada","email":"bad"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, raw := s.do(t, http.MethodPost, "/api/widget/profile", "tab-1", `{"name":"Ada","email":"ada@example.com"}`)
	require.Equal(t, http.StatusOK, status)
	v := decodeView(t, raw)
	assert.Equal(t, domain.StateIdle, v.State)
	require.NotNil(t, v.Identity.Profile)
	assert.Equal(t, "ada@example.com", v.Identity.Profile.Email)
}

func TestHealthReportsDatabase(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &echoBackend{}, session.DefaultOptions())
	status, raw := s.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `"healthy"`, string(raw["status"]))
	assert.JSONEq(t, `{"api":"ok","database":"ok"}`, string(raw["checks"]))
}
