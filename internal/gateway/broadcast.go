package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/pairline/pairline/internal/logging"
)

// Broadcaster fans events out to connected clients, addressed either by
// connection ID, by named group, or to everyone. It is the transport
// the chat hub speaks through. Sends are fire-and-forget: a failed
// write is logged and the frame is dropped for that connection.
type Broadcaster struct {
	clients *ClientRegistry
	log     *logging.Logger
	seq     atomic.Int64

	mu     sync.RWMutex
	groups map[string]map[string]struct{} // group name → set of connIDs
}

// NewBroadcaster creates a Broadcaster over the given client registry.
func NewBroadcaster(clients *ClientRegistry, log *logging.Logger) *Broadcaster {
	return &Broadcaster{
		clients: clients,
		log:     log,
		groups:  make(map[string]map[string]struct{}),
	}
}

// AddToGroup subscribes a connection to a named group.
func (b *Broadcaster) AddToGroup(connID, groupName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.groups[groupName]
	if !ok {
		set = make(map[string]struct{})
		b.groups[groupName] = set
	}
	set[connID] = struct{}{}
}

// RemoveFromGroup unsubscribes a connection from a named group. Empty
// groups are dropped.
func (b *Broadcaster) RemoveFromGroup(connID, groupName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.groups[groupName]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(b.groups, groupName)
	}
}

// GroupSize returns how many connections are subscribed to a group.
func (b *Broadcaster) GroupSize(groupName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[groupName])
}

// SendToGroup delivers an event to every connection in a group.
func (b *Broadcaster) SendToGroup(groupName, event string, payload any) {
	b.mu.RLock()
	ids := lo.Keys(b.groups[groupName])
	b.mu.RUnlock()

	b.SendToConnections(ids, event, payload)
}

// SendToConnection delivers an event to a single connection.
func (b *Broadcaster) SendToConnection(connID, event string, payload any) {
	b.SendToConnections([]string{connID}, event, payload)
}

// SendToConnections delivers an event to each listed connection.
// Connections no longer in the registry are skipped.
func (b *Broadcaster) SendToConnections(connIDs []string, event string, payload any) {
	seq := b.seq.Add(1)
	for _, id := range connIDs {
		c, ok := b.clients.Get(id)
		if !ok {
			continue
		}
		if err := c.SendEvent(event, payload, seq); err != nil {
			b.log.Warn().Err(err).Str("connId", id).Str("event", event).Msg("event send failed")
		}
	}
}

// Broadcast delivers an event to every connected client.
func (b *Broadcaster) Broadcast(event string, payload any) {
	seq := b.seq.Add(1)
	for _, c := range b.clients.All() {
		if err := c.SendEvent(event, payload, seq); err != nil {
			b.log.Warn().Err(err).Str("connId", c.ConnID).Str("event", event).Msg("broadcast send failed")
		}
	}
}
