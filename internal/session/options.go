package session

import (
	"fmt"
	"strings"

	"github.com/ashureev/chat-widget/internal/identity"
)

// Fixed texts surfaced as bot messages.
const (
	FailureText     = "Sorry, I couldn't process that. Please try again."
	NoResponseText  = "No response received."
	DefaultGreeting = "Hello! Ask me anything."
)

// ErrorPolicy decides the bot text shown after a failed exchange.
type ErrorPolicy string

const (
	// ErrorPolicyGeneric always shows FailureText.
	ErrorPolicyGeneric ErrorPolicy = "generic"
	// ErrorPolicyVerbatim shows server-provided error text when a non-2xx
	// body carries one, and FailureText otherwise.
	ErrorPolicyVerbatim ErrorPolicy = "verbatim"
)

// FailurePolicy decides what happens to the optimistic user message when an
// exchange fails.
type FailurePolicy string

const (
	// FailureKeep keeps the user message and adds the failure text after it.
	FailureKeep FailurePolicy = "keep"
	// FailureRetract removes the user message before adding the failure text.
	FailureRetract FailurePolicy = "retract"
)

// Options are fixed for the lifetime of a Controller.
type Options struct {
	Strategy      identity.Strategy
	FetchHistory  bool
	Onboarding    bool
	ErrorPolicy   ErrorPolicy
	FailurePolicy FailurePolicy
	// Greeting is shown before the log and never persisted.
	Greeting string
}

// DefaultOptions returns the most common widget variant: server-issued ids,
// local-only history, no onboarding.
func DefaultOptions() Options {
	return Options{
		Strategy:      identity.StrategyServer,
		ErrorPolicy:   ErrorPolicyGeneric,
		FailurePolicy: FailureKeep,
	}
}

// ParseErrorPolicy validates a configured error policy.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch ErrorPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ErrorPolicyGeneric:
		return ErrorPolicyGeneric, nil
	case ErrorPolicyVerbatim:
		return ErrorPolicyVerbatim, nil
	default:
		return "", fmt.Errorf("unknown error policy %q", s)
	}
}

// ParseFailurePolicy validates a configured failure policy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailureKeep:
		return FailureKeep, nil
	case FailureRetract:
		return FailureRetract, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}
