package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const MaxContentLen = 4096

var (
	ErrContentEmpty   = errors.New("message content empty")
	ErrContentTooLong = errors.New("message content too long")
)

// Message is a single chat message between two users. ReadAt is set at
// creation time when the recipient is already viewing the conversation
// (instant read); otherwise it stays nil until a later explicit read.
type Message struct {
	ID                   string     `json:"id"`
	SenderUsername       string     `json:"senderUsername"`
	SenderDisplayName    string     `json:"senderDisplayName"`
	RecipientUsername    string     `json:"recipientUsername"`
	RecipientDisplayName string     `json:"recipientDisplayName"`
	Content              string     `json:"content"`
	SentAt               time.Time  `json:"sentAt"`
	ReadAt               *time.Time `json:"readAt,omitempty"`
}

// NewMessage builds an unsent message between two resolved users.
func NewMessage(sender, recipient *User, content string, sentAt time.Time) (*Message, error) {
	if content == "" {
		return nil, ErrContentEmpty
	}
	if len(content) > MaxContentLen {
		return nil, ErrContentTooLong
	}
	return &Message{
		ID:                   uuid.NewString(),
		SenderUsername:       sender.Username,
		SenderDisplayName:    sender.DisplayName,
		RecipientUsername:    recipient.Username,
		RecipientDisplayName: recipient.DisplayName,
		Content:              content,
		SentAt:               sentAt,
	}, nil
}

// MarkRead stamps the read time. No-op if already read.
func (m *Message) MarkRead(at time.Time) {
	if m.ReadAt == nil {
		m.ReadAt = &at
	}
}
