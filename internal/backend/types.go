// Package backend is the HTTP client for the remote AI endpoint.
package backend

import (
	"fmt"
	"strings"
	"time"
)

// IDTransport selects where the conversation id travels on outbound requests.
type IDTransport string

const (
	// IDInBody sends the id as the conversationId body field.
	IDInBody IDTransport = "body"
	// IDInHeader sends the id in ConversationHeader and null in the body.
	IDInHeader IDTransport = "header"
)

// Header names used on outbound requests.
const (
	TokenHeader        = "api_token"
	RequestIDHeader    = "X-Request-ID"
	ConversationHeader = "X-Conversation-ID"
)

// ParseIDTransport validates a configured transport name.
func ParseIDTransport(s string) (IDTransport, error) {
	switch IDTransport(strings.ToLower(strings.TrimSpace(s))) {
	case "", IDInBody:
		return IDInBody, nil
	case IDInHeader:
		return IDInHeader, nil
	default:
		return "", fmt.Errorf("unknown id transport %q", s)
	}
}

// Config holds the endpoint contract settings.
type Config struct {
	URL        string
	HistoryURL string
	APIToken   string
	// AIName is sent as configAiName and selects the AI backend.
	AIName string
	// DataSource is sent as dataSourceApiName when non-empty.
	DataSource  string
	Timeout     time.Duration
	IDTransport IDTransport
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		AIName:      "OpenAI",
		Timeout:     30 * time.Second,
		IDTransport: IDInBody,
	}
}

// Query is one outbound prompt.
type Query struct {
	Prompt string
	// ConversationID is empty when no id is established yet; it is sent as null.
	ConversationID string
}

// Reply is the tolerant reading of a 2xx response.
type Reply struct {
	// Message is empty when the response carried no usable message field.
	Message        string
	ConversationID string
	RequestID      string
}

// askPayload is the fixed outbound JSON schema.
type askPayload struct {
	ConfigAIName      string  `json:"configAiName"`
	PromptQuery       string  `json:"promptQuery"`
	ConversationID    *string `json:"conversationId"`
	DataSourceAPIName string  `json:"dataSourceApiName,omitempty"`
}
