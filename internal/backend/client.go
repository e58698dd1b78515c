package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ashureev/chat-widget/internal/domain"
)

// maxResponseBodySize caps how much of a response body is read (1MB).
const maxResponseBodySize = 1 << 20

// Backend is the remote AI endpoint as the session controller sees it.
type Backend interface {
	// Ask sends one prompt and returns the tolerant reading of the reply.
	Ask(ctx context.Context, q Query) (*Reply, error)

	// History fetches prior messages of a conversation.
	History(ctx context.Context, conversationID string) ([]domain.Message, error)
}

// Ensure Client implements Backend.
var _ Backend = (*Client)(nil)

// Client talks to the AI endpoint over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", cfg.URL, err)
	}
	if cfg.HistoryURL != "" {
		if _, err := url.ParseRequestURI(cfg.HistoryURL); err != nil {
			return nil, fmt.Errorf("invalid history url %q: %w", cfg.HistoryURL, err)
		}
	}
	if cfg.IDTransport == "" {
		cfg.IDTransport = IDInBody
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}, nil
}

// SupportsHistory returns true if a history endpoint is configured.
func (c *Client) SupportsHistory() bool {
	return c.cfg.HistoryURL != ""
}

// Ask posts the prompt and parses the reply.
func (c *Client) Ask(ctx context.Context, q Query) (*Reply, error) {
	payload := askPayload{
		ConfigAIName:      c.cfg.AIName,
		PromptQuery:       q.Prompt,
		DataSourceAPIName: c.cfg.DataSource,
	}
	if q.ConversationID != "" && c.cfg.IDTransport == IDInBody {
		id := q.ConversationID
		payload.ConversationID = &id
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.ConversationID != "" && c.cfg.IDTransport == IDInHeader {
		req.Header.Set(ConversationHeader, q.ConversationID)
	}
	requestID := c.decorate(req)

	c.logger.Debug("Sending prompt",
		"request_id", requestID,
		"conversation_id", q.ConversationID,
		"prompt_length", len(q.Prompt),
	)

	raw, err := c.do(req)
	if err != nil {
		c.logger.Warn("Prompt request failed", "request_id", requestID, "error", err)
		return nil, err
	}

	reply, err := parseReply(raw)
	if err != nil {
		c.logger.Warn("Prompt response unreadable", "request_id", requestID, "error", err)
		return nil, err
	}
	reply.RequestID = requestID
	return reply, nil
}

// History fetches prior messages for conversationID.
func (c *Client) History(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if c.cfg.HistoryURL == "" {
		return nil, ErrHistoryUnsupported
	}

	u, err := url.Parse(c.cfg.HistoryURL)
	if err != nil {
		return nil, fmt.Errorf("parse history url: %w", err)
	}
	query := u.Query()
	query.Set("conversationId", conversationID)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	if c.cfg.IDTransport == IDInHeader {
		req.Header.Set(ConversationHeader, conversationID)
	}
	requestID := c.decorate(req)

	raw, err := c.do(req)
	if err != nil {
		c.logger.Warn("History request failed", "request_id", requestID, "conversation_id", conversationID, "error", err)
		return nil, err
	}

	messages, err := parseHistory(raw)
	if err != nil {
		c.logger.Warn("History response unreadable", "request_id", requestID, "error", err)
		return nil, err
	}
	return messages, nil
}

// decorate sets the common headers and returns the request id.
func (c *Client) decorate(req *http.Request) string {
	requestID := uuid.NewString()
	req.Header.Set("Accept", "*/*")
	req.Header.Set(RequestIDHeader, requestID)
	if c.cfg.APIToken != "" {
		req.Header.Set(TokenHeader, c.cfg.APIToken)
	}
	return requestID
}

// do executes req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetworkUnreachable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrNetworkUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ServerError{Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// unwrapDocument returns the JSON document in raw. Some endpoints return
// their JSON object encoded as a JSON string; that layer is peeled once.
func unwrapDocument(raw []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%w: body is not JSON", ErrMalformedResponse)
	}
	doc := gjson.ParseBytes(raw)
	if doc.Type == gjson.String && gjson.Valid(doc.Str) {
		doc = gjson.Parse(doc.Str)
	}
	return doc, nil
}

func parseReply(raw []byte) (*Reply, error) {
	doc, err := unwrapDocument(raw)
	if err != nil {
		return nil, err
	}
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: expected object, got %s", ErrMalformedResponse, doc.Type)
	}

	reply := &Reply{}
	if msg := doc.Get("message"); msg.Type == gjson.String {
		reply.Message = msg.Str
	}
	if id := doc.Get("conversationId"); id.Type == gjson.String || id.Type == gjson.Number {
		reply.ConversationID = strings.TrimSpace(id.String())
	}
	return reply, nil
}

func parseHistory(raw []byte) ([]domain.Message, error) {
	doc, err := unwrapDocument(raw)
	if err != nil {
		return nil, err
	}

	items := doc
	if doc.IsObject() {
		items = doc.Get("messages")
		if !items.Exists() {
			items = doc.Get("history")
		}
	}
	if !items.IsArray() {
		return nil, fmt.Errorf("%w: expected message array", ErrMalformedResponse)
	}

	var messages []domain.Message
	var parseErr error
	items.ForEach(func(_, item gjson.Result) bool {
		msg, err := parseHistoryItem(item)
		if err != nil {
			parseErr = err
			return false
		}
		messages = append(messages, msg)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return messages, nil
}

func parseHistoryItem(item gjson.Result) (domain.Message, error) {
	if !item.IsObject() {
		return domain.Message{}, fmt.Errorf("%w: history item is %s", ErrMalformedResponse, item.Type)
	}

	who := firstString(item, "sender", "role", "author")
	var sender domain.Sender
	switch strings.ToLower(who) {
	case "user", "human", "visitor":
		sender = domain.SenderUser
	case "bot", "assistant", "ai", "agent":
		sender = domain.SenderBot
	default:
		return domain.Message{}, fmt.Errorf("%w: unknown sender %q", ErrMalformedResponse, who)
	}

	return domain.Message{Sender: sender, Text: firstString(item, "text", "message", "content")}, nil
}

func firstString(item gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := item.Get(path); v.Type == gjson.String {
			return v.Str
		}
	}
	return ""
}

// IsTimeout reports whether err came from a client-side deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
