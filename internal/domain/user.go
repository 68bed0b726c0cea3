// Package domain holds the chat entities shared across the server.
package domain

import (
	"errors"
	"strings"
)

const MaxUsernameLen = 64

var (
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUsernameTooLong = errors.New("username too long")
)

// User is a registered account. Identity is the username; DisplayName is
// what other users see in notifications.
type User struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// NormalizeUsername lower-cases and trims a username. All identity
// comparisons in the server happen on normalized usernames, so the
// case-insensitive compares fall out of plain equality.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateUsername checks a normalized username for storage.
func ValidateUsername(name string) error {
	if name == "" {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}

// NewUser builds a User from a raw username, normalizing identity.
// DisplayName keeps the caller's casing.
func NewUser(username, displayName string) (*User, error) {
	norm := NormalizeUsername(username)
	if err := ValidateUsername(norm); err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = username
	}
	return &User{Username: norm, DisplayName: displayName}, nil
}
