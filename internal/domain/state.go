package domain

// SessionState is the derived phase of a widget session.
type SessionState string

const (
	// StateFirstRun means onboarding has not completed yet.
	StateFirstRun SessionState = "first_run"
	// StateIdle means the widget accepts input.
	StateIdle SessionState = "idle"
	// StateAwaitingResponse means one request is in flight.
	StateAwaitingResponse SessionState = "awaiting_response"
	// StateEnded means the conversation was ended and nothing has started since.
	StateEnded SessionState = "ended"
)
