package chat

import "errors"

// Error kinds surfaced to the calling connection. None of these trigger
// automatic retries; retry policy belongs to the transport and the
// store.
var (
	// ErrSelfMessage rejects messages whose sender and recipient are
	// the same user.
	ErrSelfMessage = errors.New("chat: you cannot send messages to yourself")

	// ErrRecipientNotFound means the recipient username is not a
	// registered user.
	ErrRecipientNotFound = errors.New("chat: recipient not found")

	// ErrGroupJoinFailed means the registry or the store refused the
	// join; the connection is not a member of the group.
	ErrGroupJoinFailed = errors.New("chat: failed to join group")

	// ErrGroupLeaveFailed means the leave could not be persisted.
	ErrGroupLeaveFailed = errors.New("chat: failed to leave group")

	// ErrConnectionNotTracked means the transport reported a
	// disconnect for a connection the registry never saw. This is an
	// invariant violation between transport and registry state.
	ErrConnectionNotTracked = errors.New("chat: connection not tracked in any group")

	// ErrMessagePersistFailed means the message could not be saved;
	// nothing was broadcast.
	ErrMessagePersistFailed = errors.New("chat: failed to save message")
)
