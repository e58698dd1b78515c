package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/chat-widget/internal/domain"
	"github.com/ashureev/chat-widget/internal/store"
)

// Durable storage keys owned by the Manager.
const (
	KeyConversationID = "conversation_id"
	KeyProfile        = "user_profile"
)

// Strategy selects who mints the conversation id. It is fixed per Manager.
type Strategy string

const (
	// StrategyClient mints a local id before the first request.
	StrategyClient Strategy = "client"
	// StrategyServer sends a null id and adopts the one the server returns.
	StrategyServer Strategy = "server"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyClient:
		return StrategyClient, nil
	case StrategyServer:
		return StrategyServer, nil
	default:
		return "", fmt.Errorf("unknown id strategy %q", s)
	}
}

// Manager owns the conversation identity of one widget instance.
// It is not safe for concurrent use; the session controller serializes calls.
type Manager struct {
	kv       store.KV
	strategy Strategy
	logger   *slog.Logger
	now      func() time.Time
	current  domain.ConversationIdentity
}

// NewManager creates a Manager backed by kv.
func NewManager(kv store.KV, strategy Strategy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if strategy == "" {
		strategy = StrategyServer
	}
	return &Manager{
		kv:       kv,
		strategy: strategy,
		logger:   logger,
		now:      time.Now,
	}
}

// Strategy returns the configured minting strategy.
func (m *Manager) Strategy() Strategy {
	return m.strategy
}

// Identity returns a copy of the current identity.
func (m *Manager) Identity() domain.ConversationIdentity {
	out := m.current
	if m.current.Profile != nil {
		p := *m.current.Profile
		out.Profile = &p
	}
	return out
}

// Load restores the identity from storage. Missing values and a corrupt
// profile are treated as absent. A failed read is returned; the identity is
// then left empty and must not be written back over what is stored.
func (m *Manager) Load(ctx context.Context) (domain.ConversationIdentity, error) {
	m.current = domain.ConversationIdentity{}

	id, hasID, err := m.kv.Get(ctx, KeyConversationID)
	if err != nil {
		return m.Identity(), fmt.Errorf("read conversation id: %w", err)
	}
	raw, hasProfile, err := m.kv.Get(ctx, KeyProfile)
	if err != nil {
		return m.Identity(), fmt.Errorf("read user profile: %w", err)
	}

	if hasID {
		m.current.ConversationID = strings.TrimSpace(id)
	}
	if hasProfile {
		profile, err := DecodeProfile(raw)
		if err != nil {
			m.logger.Warn("discarding unreadable user profile", "error", err)
		} else {
			m.current.Profile = profile
		}
	}

	m.current.Established = m.current.HasConversationID() || m.current.Profile != nil
	return m.Identity(), nil
}

// Mint returns the conversation id to send with the next request. Under the
// client strategy it mints and persists a new id when none is set; under the
// server strategy it returns the current id, which may be empty.
func (m *Manager) Mint(ctx context.Context) string {
	if m.strategy != StrategyClient || m.current.HasConversationID() {
		return m.current.ConversationID
	}

	id, err := generateConversationID(m.now())
	if err != nil {
		m.logger.Error("failed to mint conversation id", "error", err)
		return ""
	}
	m.current.ConversationID = id
	if err := m.kv.Set(ctx, KeyConversationID, id); err != nil {
		m.logger.Error("failed to persist minted conversation id", "error", err, "conversation_id", id)
	}
	m.logger.Debug("minted conversation id", "conversation_id", id)
	return id
}

// Establish adopts a conversation id and/or profile. The first writer wins:
// an id is adopted only if none is set, and likewise for the profile. It
// returns true if anything changed.
func (m *Manager) Establish(ctx context.Context, conversationID string, profile *domain.Profile) bool {
	changed := false

	conversationID = strings.TrimSpace(conversationID)
	if conversationID != "" {
		switch {
		case !m.current.HasConversationID():
			m.current.ConversationID = conversationID
			if err := m.kv.Set(ctx, KeyConversationID, conversationID); err != nil {
				m.logger.Error("failed to persist conversation id", "error", err, "conversation_id", conversationID)
			}
			changed = true
		case m.current.ConversationID != conversationID:
			m.logger.Info("ignoring conversation id, one is already established",
				"current", m.current.ConversationID,
				"offered", conversationID)
		}
	}

	if profile != nil && m.current.Profile == nil {
		p := *profile
		m.current.Profile = &p
		raw, err := EncodeProfile(&p)
		if err == nil {
			err = m.kv.Set(ctx, KeyProfile, raw)
		}
		if err != nil {
			m.logger.Error("failed to persist user profile", "error", err)
		}
		changed = true
	}

	if !m.current.Established && (m.current.HasConversationID() || m.current.Profile != nil) {
		m.current.Established = true
		changed = true
	}
	return changed
}

// Reset clears the id and profile from memory and storage.
func (m *Manager) Reset(ctx context.Context) error {
	m.current = domain.ConversationIdentity{}
	return errors.Join(
		m.kv.Remove(ctx, KeyConversationID),
		m.kv.Remove(ctx, KeyProfile),
	)
}

// EncodeProfile serializes a profile for storage.
func EncodeProfile(p *domain.Profile) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode profile: %w", err)
	}
	return string(data), nil
}

// DecodeProfile parses a stored profile. Unreadable data wraps
// domain.ErrStorageCorrupt.
func DecodeProfile(raw string) (*domain.Profile, error) {
	var p domain.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: profile: %v", domain.ErrStorageCorrupt, err)
	}
	if p.Name == "" && p.Email == "" {
		return nil, fmt.Errorf("%w: profile is empty", domain.ErrStorageCorrupt)
	}
	return &p, nil
}

// generateConversationID returns "<unix millis>-<8 hex chars>".
func generateConversationID(now time.Time) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate conversation id: %w", err)
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), hex.EncodeToString(buf)), nil
}
