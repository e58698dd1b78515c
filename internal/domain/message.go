// Package domain contains core domain types for the chat widget.
package domain

import "errors"

// ErrStorageCorrupt marks persisted data that could not be decoded.
// Callers recover from it locally by treating the value as absent.
var ErrStorageCorrupt = errors.New("storage corrupt")

// Sender identifies who authored a message.
type Sender string

const (
	// SenderUser marks a message typed by the visitor.
	SenderUser Sender = "user"
	// SenderBot marks a message produced by the AI backend or by the widget itself.
	SenderBot Sender = "bot"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderBot
}

// Message is one entry in the conversation log.
type Message struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
}

// UserMessage builds a visitor-authored message.
func UserMessage(text string) Message {
	return Message{Sender: SenderUser, Text: text}
}

// BotMessage builds a bot-authored message.
func BotMessage(text string) Message {
	return Message{Sender: SenderBot, Text: text}
}
