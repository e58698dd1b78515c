// Package history owns the ordered message log of one widget instance and
// persists it write-through to durable storage.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/chat-widget/internal/domain"
	"github.com/ashureev/chat-widget/internal/store"
)

// KeyMessages is the durable storage key for the serialized log.
const KeyMessages = "chat_messages"

// Store is the message log of one widget instance. Every mutation rewrites
// the whole persisted log before returning. It is not safe for concurrent use.
type Store struct {
	kv       store.KV
	logger   *slog.Logger
	messages []domain.Message
}

// New creates an empty Store backed by kv.
func New(kv store.KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger}
}

// Load restores the log from storage. Absent or corrupt data yields an
// empty log and is logged. A failed read is returned and leaves the log
// empty; callers must not persist over the stored copy in that case.
func (s *Store) Load(ctx context.Context) error {
	s.messages = nil

	raw, ok, err := s.kv.Get(ctx, KeyMessages)
	if err != nil {
		return fmt.Errorf("read message log: %w", err)
	}
	if !ok {
		return nil
	}

	messages, err := DecodeMessages(raw)
	if err != nil {
		s.logger.Warn("discarding unreadable message log", "error", err)
		return nil
	}
	s.messages = messages
	return nil
}

// Messages returns a copy of the log in display order.
func (s *Store) Messages() []domain.Message {
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages in the log.
func (s *Store) Len() int {
	return len(s.messages)
}

// Append adds msg to the end of the log and persists the whole log.
// The in-memory log keeps msg even if persisting fails.
func (s *Store) Append(ctx context.Context, msg domain.Message) error {
	s.messages = append(s.messages, msg)
	return s.persist(ctx)
}

// ReplaceAll overwrites the log with a server-authoritative copy.
func (s *Store) ReplaceAll(ctx context.Context, messages []domain.Message) error {
	s.messages = make([]domain.Message, len(messages))
	copy(s.messages, messages)
	return s.persist(ctx)
}

// Truncate drops every message from index n on. It exists only for the
// retract-on-failure policy, which removes the optimistic user message.
func (s *Store) Truncate(ctx context.Context, n int) error {
	if n < 0 || n >= len(s.messages) {
		return nil
	}
	s.messages = s.messages[:n]
	return s.persist(ctx)
}

// Clear empties the log and removes the persisted copy.
func (s *Store) Clear(ctx context.Context) error {
	s.messages = nil
	if err := s.kv.Remove(ctx, KeyMessages); err != nil {
		return fmt.Errorf("remove message log: %w", err)
	}
	return nil
}

func (s *Store) persist(ctx context.Context) error {
	raw, err := EncodeMessages(s.messages)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, KeyMessages, raw); err != nil {
		return fmt.Errorf("persist message log: %w", err)
	}
	return nil
}

// EncodeMessages serializes the log for storage.
func EncodeMessages(messages []domain.Message) (string, error) {
	if messages == nil {
		messages = []domain.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("encode message log: %w", err)
	}
	return string(data), nil
}

// storedMessage mirrors domain.Message with a pointer so a missing text
// field can be told apart from an empty one.
type storedMessage struct {
	Sender domain.Sender `json:"sender"`
	Text   *string       `json:"text"`
}

// DecodeMessages parses a stored log. Unreadable data, unknown senders and
// missing or non-string text all wrap domain.ErrStorageCorrupt.
func DecodeMessages(raw string) ([]domain.Message, error) {
	var stored []storedMessage
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("%w: message log: %v", domain.ErrStorageCorrupt, err)
	}
	messages := make([]domain.Message, 0, len(stored))
	for i, m := range stored {
		if !m.Sender.Valid() {
			return nil, fmt.Errorf("%w: message %d has sender %q", domain.ErrStorageCorrupt, i, m.Sender)
		}
		if m.Text == nil {
			return nil, fmt.Errorf("%w: message %d has no text", domain.ErrStorageCorrupt, i)
		}
		messages = append(messages, domain.Message{Sender: m.Sender, Text: *m.Text})
	}
	return messages, nil
}
