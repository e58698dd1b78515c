package backend

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/ashureev/chat-widget/internal/domain"
)

var (
	// ErrNetworkUnreachable means the request never produced an HTTP response.
	ErrNetworkUnreachable = errors.New("network unreachable")
	// ErrMalformedResponse means a 2xx response body could not be understood.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrHistoryUnsupported means no history endpoint is configured.
	ErrHistoryUnsupported = errors.New("history endpoint not configured")
)

// ServerError is a non-2xx response.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server responded %d", e.Status)
}

// Detail returns the server-provided error text, if the body carries a
// "message" or "error" string.
func (e *ServerError) Detail() string {
	if !gjson.Valid(e.Body) {
		return ""
	}
	for _, path := range []string{"message", "error", "error.message"} {
		if v := gjson.Get(e.Body, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// FailureKind is the error taxonomy surfaced by the exchange.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureNetwork           FailureKind = "network_unreachable"
	FailureServer            FailureKind = "server_error"
	FailureMalformedResponse FailureKind = "malformed_response"
	FailureStorageCorrupt    FailureKind = "storage_corrupt"
	FailureUnknown           FailureKind = "unknown"
)

// Classify maps err onto the failure taxonomy.
func Classify(err error) FailureKind {
	var serverErr *ServerError
	switch {
	case err == nil:
		return FailureNone
	case errors.As(err, &serverErr):
		return FailureServer
	case errors.Is(err, ErrMalformedResponse):
		return FailureMalformedResponse
	case errors.Is(err, ErrNetworkUnreachable):
		return FailureNetwork
	case errors.Is(err, domain.ErrStorageCorrupt):
		return FailureStorageCorrupt
	default:
		return FailureUnknown
	}
}
