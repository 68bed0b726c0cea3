// Package store is the persistence collaborator for the chat core.
//
// Writes go through a Batch: the caller stages its changes (AddGroup,
// AddMessage, …) on a batch of its own and commits them atomically
// with SaveAll. Callers that need persist-before-broadcast semantics
// stage their change, commit, and only then act on the result.
package store

import (
	"context"
	"errors"

	"github.com/pairline/pairline/internal/domain"
)

// ErrNotFound is returned by lookups that matched nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract consumed by the chat core.
type Store interface {
	// FindUserByUsername resolves a normalized username, or ErrNotFound.
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)

	// Users lists all registered users ordered by username.
	Users(ctx context.Context) ([]domain.User, error)

	// GetMessageThread returns the conversation between two users in
	// sent order. limit > 0 keeps only the most recent messages.
	GetMessageThread(ctx context.Context, userA, userB string, limit int) ([]domain.Message, error)

	// GetMessageGroup loads the durable group record, or ErrNotFound.
	GetMessageGroup(ctx context.Context, name string) (*domain.Group, error)

	// Batch opens a fresh staging area for one logical operation.
	Batch() Batch

	// ResetGroupConnections drops all persisted group membership rows.
	// Connections never outlive the process, so the server clears the
	// leftovers of a previous run at boot.
	ResetGroupConnections(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Batch stages writes that commit together. Every logical operation
// takes its own batch, so concurrent operations never see, drain or
// discard each other's staged changes. A batch is single-use and not
// safe for concurrent use by multiple goroutines.
type Batch interface {
	// UpsertUser stages a user insert-or-update.
	UpsertUser(user *domain.User)

	// AddGroup stages creation of a group record.
	AddGroup(group *domain.Group)

	// ReplaceGroupConnections stages a wholesale rewrite of a group's
	// membership rows. Membership sets are tiny, so replacing beats
	// diffing.
	ReplaceGroupConnections(name string, conns []domain.Connection)

	// AddMessage stages a message insert.
	AddMessage(msg *domain.Message)

	// SaveAll commits everything staged on this batch in one
	// transaction. On error nothing staged is durable and the batch is
	// spent, so a failed operation cannot leak into a later save.
	SaveAll(ctx context.Context) error
}
