package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairline/pairline/internal/domain"
	"github.com/pairline/pairline/internal/logging"
	"github.com/pairline/pairline/internal/presence"
	"github.com/pairline/pairline/internal/store"
)

// sentEvent records one transport send for assertions.
type sentEvent struct {
	Kind    string // "group" | "conn" | "conns" | "broadcast"
	Target  string
	Targets []string
	Event   string
	Payload any
}

// fakeTransport records every send and group membership call.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentEvent
	joined map[string]string // connID -> transport group
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{joined: make(map[string]string)}
}

func (f *fakeTransport) AddToGroup(connID, groupName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[connID] = groupName
}

func (f *fakeTransport) RemoveFromGroup(connID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joined, connID)
}

func (f *fakeTransport) SendToGroup(groupName, event string, payload any) {
	f.record(sentEvent{Kind: "group", Target: groupName, Event: event, Payload: payload})
}

func (f *fakeTransport) SendToConnection(connID, event string, payload any) {
	f.record(sentEvent{Kind: "conn", Target: connID, Event: event, Payload: payload})
}

func (f *fakeTransport) SendToConnections(connIDs []string, event string, payload any) {
	f.record(sentEvent{Kind: "conns", Targets: connIDs, Event: event, Payload: payload})
}

func (f *fakeTransport) Broadcast(event string, payload any) {
	f.record(sentEvent{Kind: "broadcast", Event: event, Payload: payload})
}

func (f *fakeTransport) record(e sentEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, e)
}

func (f *fakeTransport) eventsNamed(name string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.sent {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

type hubFixture struct {
	hub       *Hub
	store     *store.MemoryStore
	transport *fakeTransport
	tracker   *presence.Tracker
}

func newHub(t *testing.T, opts ...HubOption) *hubFixture {
	t.Helper()
	st := store.NewMemoryStore()
	st.SeedUser(domain.User{Username: "alice", DisplayName: "Alice"})
	st.SeedUser(domain.User{Username: "bob", DisplayName: "Bob"})
	st.SeedUser(domain.User{Username: "carol", DisplayName: "Carol"})

	tr := presence.NewTracker(logging.Nop())
	reg := NewRegistry(st, logging.Nop())
	transport := newFakeTransport()
	hub := NewHub(tr, reg, st, transport, logging.Nop(), opts...)
	return &hubFixture{hub: hub, store: st, transport: transport, tracker: tr}
}

func (f *hubFixture) connect(t *testing.T, connID, user, counterpart string) {
	t.Helper()
	err := f.hub.Connect(context.Background(), domain.Connection{ID: connID, Username: user}, counterpart)
	require.NoError(t, err)
}

func TestConnect_JoinsGroupAndReplaysThread(t *testing.T) {
	f := newHub(t)
	ctx := context.Background()

	// A stored message from an earlier session.
	b := f.store.Batch()
	b.AddMessage(&domain.Message{
		ID: "m0", SenderUsername: "bob", RecipientUsername: "alice",
		Content: "earlier", SentAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, b.SaveAll(ctx))

	f.connect(t, "c1", "alice", "bob")

	// Membership broadcast went to the conversation group.
	updated := f.transport.eventsNamed(EventUpdatedGroup)
	require.Len(t, updated, 1)
	assert.Equal(t, "alice-bob", updated[0].Target)
	group := updated[0].Payload.(domain.Group)
	assert.True(t, group.HasUser("alice"))

	// Thread replay went to the joining connection only.
	replays := f.transport.eventsNamed(EventReceiveMessageThread)
	require.Len(t, replays, 1)
	assert.Equal(t, "conn", replays[0].Kind)
	assert.Equal(t, "c1", replays[0].Target)
	thread := replays[0].Payload.([]domain.Message)
	require.Len(t, thread, 1)
	assert.Equal(t, "earlier", thread[0].Content)

	// First connection announces the user online.
	online := f.transport.eventsNamed(EventUserIsOnline)
	require.Len(t, online, 1)
	assert.Equal(t, PresencePayload{Username: "alice"}, online[0].Payload)
}

func TestConnect_SecondDeviceDoesNotReannounce(t *testing.T) {
	f := newHub(t)
	f.connect(t, "c1", "alice", "bob")
	f.connect(t, "c2", "alice", "bob")

	assert.Len(t, f.transport.eventsNamed(EventUserIsOnline), 1)
	assert.Len(t, f.tracker.ConnectionsForUser("alice"), 2)
}

func TestConnect_RejectedWhenJoinPersistFails(t *testing.T) {
	f := newHub(t)
	f.store.FailNextSave(errors.New("io error"))

	err := f.hub.Connect(context.Background(), domain.Connection{ID: "c1", Username: "alice"}, "bob")
	require.ErrorIs(t, err, ErrGroupJoinFailed)

	// No partial join: no membership broadcast, no transport group.
	assert.Empty(t, f.transport.eventsNamed(EventUpdatedGroup))
	assert.Empty(t, f.transport.joined)
}

func TestConnect_ThreadLoadFailureRollsBackJoin(t *testing.T) {
	f := newHub(t)
	ctx := context.Background()

	f.store.FailNextThread(errors.New("io error"))
	conn := domain.Connection{ID: "c1", Username: "alice"}
	err := f.hub.Connect(ctx, conn, "bob")
	require.Error(t, err)
	f.hub.Abandon(conn)

	// The failed join left no membership behind, in the transport or
	// the registry.
	assert.Empty(t, f.transport.joined)
	_, tracked := f.hub.groups.GetGroupForConnection("c1")
	assert.False(t, tracked)

	// Alice is fully offline, so a message to her must not be stamped
	// read by her dead connection.
	msg, err := f.hub.SendMessage(ctx, "bob", "alice", "hi")
	require.NoError(t, err)
	assert.Nil(t, msg.ReadAt, "offline recipient must not get instant read")
}

func TestDisconnect_BroadcastsRemainingMembership(t *testing.T) {
	f := newHub(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice", "bob")
	f.connect(t, "c2", "bob", "alice")

	err := f.hub.Disconnect(ctx, domain.Connection{ID: "c1", Username: "alice"})
	require.NoError(t, err)

	updated := f.transport.eventsNamed(EventUpdatedGroup)
	last := updated[len(updated)-1]
	group := last.Payload.(domain.Group)
	assert.False(t, group.HasUser("alice"))
	assert.True(t, group.HasUser("bob"))

	// Last connection: alice is announced offline exactly once.
	offline := f.transport.eventsNamed(EventUserIsOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, PresencePayload{Username: "alice"}, offline[0].Payload)
}

func TestDisconnect_UntrackedConnectionSurfacesError(t *testing.T) {
	f := newHub(t)
	f.tracker.UserConnected("alice", "ghost")

	err := f.hub.Disconnect(context.Background(), domain.Connection{ID: "ghost", Username: "alice"})
	assert.ErrorIs(t, err, ErrConnectionNotTracked)

	// Presence still updated independently.
	assert.False(t, f.tracker.IsOnline("alice"))
	assert.Len(t, f.transport.eventsNamed(EventUserIsOffline), 1)
}

func TestSendMessage_ToSelfRejected(t *testing.T) {
	f := newHub(t)

	_, err := f.hub.SendMessage(context.Background(), "alice", "Alice", "hi me")
	require.ErrorIs(t, err, ErrSelfMessage)

	thread, err := f.store.GetMessageThread(context.Background(), "alice", "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, thread, "no message may be persisted")
}

func TestSendMessage_UnknownRecipient(t *testing.T) {
	f := newHub(t)
	_, err := f.hub.SendMessage(context.Background(), "alice", "nobody", "hi")
	assert.ErrorIs(t, err, ErrRecipientNotFound)
}

func TestSendMessage_InstantReadWhenRecipientViewing(t *testing.T) {
	f := newHub(t)
	f.connect(t, "c1", "alice", "bob")
	f.connect(t, "c2", "bob", "alice")

	msg, err := f.hub.SendMessage(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)
	require.NotNil(t, msg.ReadAt, "recipient in the shared group gets instant read")

	// Full payload broadcast to the conversation group, no notification.
	news := f.transport.eventsNamed(EventNewMessage)
	require.Len(t, news, 1)
	assert.Equal(t, "alice-bob", news[0].Target)
	assert.Empty(t, f.transport.eventsNamed(EventNewMessageReceived))
}

func TestSendMessage_NotifiesRecipientViewingElsewhere(t *testing.T) {
	f := newHub(t)
	f.connect(t, "c1", "alice", "bob")
	// Bob is online on two devices, both viewing carol's conversation.
	f.connect(t, "c2", "bob", "carol")
	f.connect(t, "c3", "bob", "carol")

	msg, err := f.hub.SendMessage(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Nil(t, msg.ReadAt)

	// Exactly one fan-out, to all of bob's live connections, carrying
	// sender identity only.
	notes := f.transport.eventsNamed(EventNewMessageReceived)
	require.Len(t, notes, 1)
	assert.ElementsMatch(t, []string{"c2", "c3"}, notes[0].Targets)
	assert.Equal(t, NotificationPayload{Username: "alice", DisplayName: "Alice"}, notes[0].Payload)
}

func TestSendMessage_OfflineRecipientStoredSilently(t *testing.T) {
	f := newHub(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice", "bob")

	msg, err := f.hub.SendMessage(ctx, "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Nil(t, msg.ReadAt)
	assert.Empty(t, f.transport.eventsNamed(EventNewMessageReceived))

	// Message still persisted: bob finds it when he connects later.
	thread, err := f.store.GetMessageThread(ctx, "bob", "alice", 0)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, "hi", thread[0].Content)
}

func TestSendMessage_PersistFailureSuppressesBroadcast(t *testing.T) {
	f := newHub(t)
	f.connect(t, "c1", "alice", "bob")
	f.connect(t, "c2", "bob", "alice")

	f.store.FailNextSave(errors.New("disk full"))
	_, err := f.hub.SendMessage(context.Background(), "alice", "bob", "hi")
	require.ErrorIs(t, err, ErrMessagePersistFailed)

	assert.Empty(t, f.transport.eventsNamed(EventNewMessage),
		"viewers must never be told about a message that is not durable")
}

func TestSendMessage_UsesClockForTimestamps(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)
	f := newHub(t, WithClock(func() time.Time { return fixed }))
	f.connect(t, "c1", "alice", "bob")
	f.connect(t, "c2", "bob", "alice")

	msg, err := f.hub.SendMessage(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, fixed, msg.SentAt)
	require.NotNil(t, msg.ReadAt)
	assert.Equal(t, fixed, *msg.ReadAt)
}

// The two end-to-end scenarios from the delivery design.
func TestScenario_BothViewingThenInstantRead(t *testing.T) {
	f := newHub(t)
	f.connect(t, "a1", "alice", "bob")
	f.connect(t, "b1", "bob", "alice")

	msg, err := f.hub.SendMessage(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)
	assert.NotNil(t, msg.ReadAt)

	news := f.transport.eventsNamed(EventNewMessage)
	require.Len(t, news, 1)
	assert.Equal(t, "alice-bob", news[0].Target)
}

func TestScenario_OfflineRecipientReadsLater(t *testing.T) {
	f := newHub(t)
	ctx := context.Background()
	f.connect(t, "a1", "alice", "bob")

	msg, err := f.hub.SendMessage(ctx, "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Nil(t, msg.ReadAt)
	assert.Empty(t, f.transport.eventsNamed(EventNewMessageReceived))

	// Bob connects later and the replayed thread contains alice's "hi".
	f.connect(t, "b1", "bob", "alice")
	replays := f.transport.eventsNamed(EventReceiveMessageThread)
	var bobReplay []domain.Message
	for _, e := range replays {
		if e.Target == "b1" {
			bobReplay = e.Payload.([]domain.Message)
		}
	}
	require.Len(t, bobReplay, 1)
	assert.Equal(t, "hi", bobReplay[0].Content)
}

func TestRegisterUser(t *testing.T) {
	f := newHub(t)
	ctx := context.Background()

	u, err := f.hub.RegisterUser(ctx, "Dave", "Dave D.")
	require.NoError(t, err)
	assert.Equal(t, "dave", u.Username)

	got, err := f.store.FindUserByUsername(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, "Dave D.", got.DisplayName)

	// Unchanged display name is a no-op, not a second save.
	_, err = f.hub.RegisterUser(ctx, "dave", "Dave D.")
	require.NoError(t, err)
}
