package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/pairline/pairline/internal/domain"
	"github.com/pairline/pairline/internal/logging"
	"github.com/pairline/pairline/internal/presence"
	"github.com/pairline/pairline/internal/store"
)

// Events emitted by the hub through the transport.
const (
	EventUpdatedGroup         = "UpdatedGroup"
	EventReceiveMessageThread = "ReceiveMessageThread"
	EventNewMessage           = "NewMessage"
	EventNewMessageReceived   = "NewMessageReceived"
	EventUserIsOnline         = "UserIsOnline"
	EventUserIsOffline        = "UserIsOffline"
	EventOnlineUsers          = "OnlineUsers"
)

// Transport is the collaborator that actually moves bytes to clients.
// All sends are fire-and-forget, at-least-once to currently-subscribed
// connections only; the hub never learns about delivery failures.
type Transport interface {
	AddToGroup(connID, groupName string)
	RemoveFromGroup(connID, groupName string)
	SendToGroup(groupName, event string, payload any)
	SendToConnection(connID, event string, payload any)
	SendToConnections(connIDs []string, event string, payload any)
	Broadcast(event string, payload any)
}

// NotificationPayload is the lightweight "new message" fan-out sent to
// a recipient who is online but viewing another conversation. Sender
// identity only, never the message body.
type NotificationPayload struct {
	Username    string `json:"username"`
	DisplayName string `json:"knownAs"`
}

// PresencePayload announces an online/offline transition.
type PresencePayload struct {
	Username string `json:"username"`
}

// Hub orchestrates the per-connection lifecycle: connect, disconnect,
// send-message. It owns no state of its own; it coordinates the
// presence tracker, the group registry, the store and the transport.
type Hub struct {
	presence  *presence.Tracker
	groups    *Registry
	store     store.Store
	transport Transport
	log       *logging.Logger

	historyLimit int
	now          func() time.Time
}

// HubOption tunes hub construction.
type HubOption func(*Hub)

// WithHistoryLimit caps the thread replay on connect. 0 means no cap.
func WithHistoryLimit(n int) HubOption {
	return func(h *Hub) { h.historyLimit = n }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub wires the orchestrator.
func NewHub(tr *presence.Tracker, reg *Registry, st store.Store, transport Transport, log *logging.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		presence:  tr,
		groups:    reg,
		store:     st,
		transport: transport,
		log:       log.Component("hub"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect runs the join protocol for a freshly established connection
// viewing the conversation with counterpart. On any registry or store
// failure the connect attempt is rejected as a whole and nothing is
// reported joined.
func (h *Hub) Connect(ctx context.Context, conn domain.Connection, counterpart string) error {
	conn.Username = domain.NormalizeUsername(conn.Username)
	counterpart = domain.NormalizeUsername(counterpart)
	groupName := CanonicalGroupName(conn.Username, counterpart)

	if h.presence.UserConnected(conn.Username, conn.ID) {
		h.transport.Broadcast(EventUserIsOnline, PresencePayload{Username: conn.Username})
	}

	h.transport.AddToGroup(conn.ID, groupName)
	group, err := h.groups.AddConnection(ctx, groupName, conn)
	if err != nil {
		h.transport.RemoveFromGroup(conn.ID, groupName)
		return err
	}

	h.transport.SendToGroup(groupName, EventUpdatedGroup, group)
	h.transport.SendToConnection(conn.ID, EventOnlineUsers, h.presence.OnlineUsers())

	thread, err := h.store.GetMessageThread(ctx, conn.Username, counterpart, h.historyLimit)
	if err != nil {
		// The connection is about to be dropped; undo the join so it
		// does not linger as a group member and grant instant reads
		// to a user who is not actually viewing anything.
		h.transport.RemoveFromGroup(conn.ID, groupName)
		if rolled, rerr := h.groups.RemoveConnection(ctx, conn.ID); rerr == nil {
			h.transport.SendToGroup(groupName, EventUpdatedGroup, rolled)
		} else {
			h.log.Error().Err(rerr).Str("conn", conn.ID).Str("group", groupName).
				Msg("rolling back rejected join")
		}
		return fmt.Errorf("loading message thread: %w", err)
	}
	h.transport.SendToConnection(conn.ID, EventReceiveMessageThread, thread)

	h.log.Info().Str("conn", conn.ID).Str("user", conn.Username).
		Str("group", groupName).Msg("connection joined conversation")
	return nil
}

// Disconnect runs the leave protocol. Presence is updated even when the
// registry does not know the connection; that mismatch is surfaced as
// ErrConnectionNotTracked and logged as an invariant violation.
func (h *Hub) Disconnect(ctx context.Context, conn domain.Connection) error {
	conn.Username = domain.NormalizeUsername(conn.Username)

	group, err := h.groups.RemoveConnection(ctx, conn.ID)
	if err == nil {
		h.transport.RemoveFromGroup(conn.ID, group.Name)
		h.transport.SendToGroup(group.Name, EventUpdatedGroup, group)
	} else if errors.Is(err, ErrConnectionNotTracked) {
		h.log.Error().Str("conn", conn.ID).Str("user", conn.Username).
			Msg("invariant violation: transport reported a connection the registry never tracked")
	}

	if h.presence.UserDisconnected(conn.Username, conn.ID) {
		h.transport.Broadcast(EventUserIsOffline, PresencePayload{Username: conn.Username})
	}

	h.log.Info().Str("conn", conn.ID).Str("user", conn.Username).Msg("connection left")
	return err
}

// Abandon releases presence for a connection whose join was rejected.
// Unlike Disconnect it does not touch the group registry, because the
// connection never became a member of anything.
func (h *Hub) Abandon(conn domain.Connection) {
	conn.Username = domain.NormalizeUsername(conn.Username)
	if h.presence.UserDisconnected(conn.Username, conn.ID) {
		h.transport.Broadcast(EventUserIsOffline, PresencePayload{Username: conn.Username})
	}
}

// delivery classifies how a message reaches its recipient.
type delivery int

const (
	deliverInstantRead delivery = iota // recipient is viewing this conversation
	deliverNotify                      // recipient online elsewhere: lightweight fan-out
	deliverSilent                      // recipient offline: store only
)

// deliveryFor decides the delivery mode for a message into groupName.
// Membership in the shared group is taken as "currently viewing"; see
// DESIGN.md on the staleness trade-off. Returns the recipient's live
// connection ids when notifying.
func (h *Hub) deliveryFor(ctx context.Context, groupName, recipient string) (delivery, []string, error) {
	group, found, err := h.groups.GetGroup(ctx, groupName)
	if err != nil {
		return deliverSilent, nil, err
	}
	if found && group.HasUser(recipient) {
		return deliverInstantRead, nil, nil
	}
	if conns := h.presence.ConnectionsForUser(recipient); len(conns) > 0 {
		return deliverNotify, conns, nil
	}
	return deliverSilent, nil, nil
}

// SendMessage validates, routes and persists one message, then
// broadcasts it to the conversation group. The broadcast never happens
// unless the save succeeded.
func (h *Hub) SendMessage(ctx context.Context, senderUsername, recipientUsername, content string) (*domain.Message, error) {
	senderUsername = domain.NormalizeUsername(senderUsername)
	recipientUsername = domain.NormalizeUsername(recipientUsername)

	if senderUsername == recipientUsername {
		return nil, ErrSelfMessage
	}

	sender, err := h.store.FindUserByUsername(ctx, senderUsername)
	if err != nil {
		return nil, fmt.Errorf("resolving sender %q: %w", senderUsername, err)
	}
	recipient, err := h.store.FindUserByUsername(ctx, recipientUsername)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving recipient %q: %w", recipientUsername, err)
	}

	msg, err := domain.NewMessage(sender, recipient, content, h.now())
	if err != nil {
		return nil, err
	}

	groupName := CanonicalGroupName(sender.Username, recipient.Username)
	mode, recipientConns, err := h.deliveryFor(ctx, groupName, recipient.Username)
	if err != nil {
		return nil, err
	}

	switch mode {
	case deliverInstantRead:
		msg.MarkRead(h.now())
	case deliverNotify:
		h.transport.SendToConnections(recipientConns, EventNewMessageReceived, NotificationPayload{
			Username:    sender.Username,
			DisplayName: sender.DisplayName,
		})
	case deliverSilent:
		// stored for later retrieval, nothing to push
	}

	batch := h.store.Batch()
	batch.AddMessage(msg)
	if err := batch.SaveAll(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessagePersistFailed, err)
	}

	h.transport.SendToGroup(groupName, EventNewMessage, msg)

	h.log.Debug().Str("from", sender.Username).Str("to", recipient.Username).
		Str("group", groupName).Int("mode", int(mode)).Msg("message delivered")
	return msg, nil
}

// OnlineUsers returns the users with at least one live connection.
func (h *Hub) OnlineUsers() []string {
	return h.presence.OnlineUsers()
}

// MessageThread loads the conversation between two users, for the
// thread.get RPC.
func (h *Hub) MessageThread(ctx context.Context, userA, userB string) ([]domain.Message, error) {
	return h.store.GetMessageThread(ctx,
		domain.NormalizeUsername(userA), domain.NormalizeUsername(userB), h.historyLimit)
}

// RegisterUser upserts a user record. The gateway calls this when a
// connection authenticates with a display name the store has not seen.
func (h *Hub) RegisterUser(ctx context.Context, username, displayName string) (*domain.User, error) {
	user, err := domain.NewUser(username, displayName)
	if err != nil {
		return nil, err
	}
	if existing, err := h.store.FindUserByUsername(ctx, user.Username); err == nil {
		if existing.DisplayName == user.DisplayName {
			return existing, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	batch := h.store.Batch()
	batch.UpsertUser(user)
	if err := batch.SaveAll(ctx); err != nil {
		return nil, fmt.Errorf("saving user %q: %w", user.Username, err)
	}
	return user, nil
}

// Users lists every registered user, for the users.list RPC.
func (h *Hub) Users(ctx context.Context) ([]domain.User, error) {
	return h.store.Users(ctx)
}

// Usernames projects a user list to usernames.
func Usernames(users []domain.User) []string {
	return lo.Map(users, func(u domain.User, _ int) string { return u.Username })
}
