package domain

// Profile is the optional visitor profile collected by onboarding.
type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ConversationIdentity holds the conversation id and visitor profile.
// An empty ConversationID means no id has been minted or issued yet.
type ConversationIdentity struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Profile        *Profile `json:"profile,omitempty"`
	Established    bool     `json:"established"`
}

// HasConversationID returns true if an id is set.
func (c ConversationIdentity) HasConversationID() bool {
	return c.ConversationID != ""
}
