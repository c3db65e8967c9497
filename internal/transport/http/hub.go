package http

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
	"tvm-live-service/internal/domain"
)

const sendBuffer = 16

// ParticipantSource provides the live participant list pushed to connections.
type ParticipantSource interface {
	Participants(ctx context.Context, sessionID string) ([]domain.Participant, error)
}

// Hub groups push connections by session and fans session updates out to them.
// Groups are process-local and are torn down when their last connection leaves.
// The hub also tracks every open connection so Shutdown can hang them up.
type Hub struct {
	source ParticipantSource
	log    logrus.FieldLogger

	mu      sync.Mutex
	groups  map[string]map[string]*client
	conns   map[string]*client
	closing bool
	active  sync.WaitGroup
}

func NewHub(source ParticipantSource, log logrus.FieldLogger) *Hub {
	return &Hub{
		source: source,
		log:    log.WithField("component", "hub"),
		groups: make(map[string]map[string]*client),
		conns:  make(map[string]*client),
	}
}

// client is the hub's view of one connection. send is never closed; done marks shutdown.
// hangup closes the underlying connection and unblocks its reader.
type client struct {
	id     string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	hangup func()
}

func newClient(id string, hangup func()) *client {
	return &client{
		id:     id,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		hangup: hangup,
	}
}

// enqueue never blocks: when the buffer is full the oldest pending message is dropped.
// Enqueueing to a closed client is a no-op.
func (c *client) enqueue(msg []byte) {
	for {
		select {
		case <-c.done:
			return
		default:
		}
		select {
		case c.send <- msg:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// register tracks an open connection until unregister. It refuses new connections once
// Shutdown has started.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c.id] = c
	h.active.Add(1)
	return true
}

// unregister is called when a connection's handler has finished, implicit leave included.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	h.active.Done()
}

// Shutdown hangs up every open connection and waits until their handlers, including the
// implicit leave of joined connections, have returned or ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	open := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()

	for _, c := range open {
		if c.hangup != nil {
			c.hangup()
		}
	}
	h.log.WithField("connections", len(open)).Info("closing realtime connections")

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) join(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[sessionID]
	if !ok {
		group = make(map[string]*client)
		h.groups[sessionID] = group
	}
	group[c.id] = c
}

func (h *Hub) leave(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[sessionID]
	if !ok {
		return
	}
	delete(group, c.id)
	if len(group) == 0 {
		delete(h.groups, sessionID)
	}
}

func (h *Hub) members(sessionID string) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	group := h.groups[sessionID]
	out := make([]*client, 0, len(group))
	for _, c := range group {
		out = append(out, c)
	}
	return out
}

// Connections reports how many connections are grouped under a session.
func (h *Hub) Connections(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[sessionID])
}

// SessionChanged recomputes the participant list and sends it to every connection of the session.
func (h *Hub) SessionChanged(ctx context.Context, sessionID string) {
	targets := h.members(sessionID)
	if len(targets) == 0 {
		return
	}
	log := h.log.WithField("session", sessionID)

	participants, err := h.source.Participants(ctx, sessionID)
	if err != nil {
		log.WithError(err).Warn("session update skipped")
		return
	}
	msg, err := json.Marshal(outboundMessage{
		Type: msgSessionUpdate,
		Payload: sessionUpdatePayload{
			Participants:      participants,
			TotalParticipants: len(participants),
		},
	})
	if err != nil {
		log.WithError(err).Error("encode session update")
		return
	}
	for _, c := range targets {
		c.enqueue(msg)
	}
	log.WithField("connections", len(targets)).Debug("session update sent")
}
