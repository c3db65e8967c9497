package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"tvm-live-service/internal/app"
	"tvm-live-service/internal/domain"
)

const (
	writeWait       = 10 * time.Second
	maxMessageSize  = 64 << 10
	leaveTimeout    = 5 * time.Second
	defaultPingWait = 10 * time.Second
)

// Inbound message types.
const (
	msgJoinSession    = "join-session"
	msgUpdateProgress = "update-progress"
	msgLeaveSession   = "leave-session"
	msgHeartbeat      = "heartbeat"
)

// Outbound message types.
const (
	msgSessionUpdate = "session-update"
	msgError         = "error"
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type sessionUpdatePayload struct {
	Participants      []domain.Participant `json:"participants"`
	TotalParticipants int                  `json:"totalParticipants"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type connState int

const (
	stateOpen connState = iota
	stateJoined
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateJoined:
		return "joined"
	default:
		return "closed"
	}
}

// WSHandler serves the push channel. Each connection binds to at most one participant at a time.
type WSHandler struct {
	ingest       *app.IngestService
	hub          *Hub
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	log          logrus.FieldLogger
}

func NewWSHandler(ingest *app.IngestService, hub *Hub, pingInterval time.Duration, log logrus.FieldLogger) *WSHandler {
	if pingInterval <= 0 {
		pingInterval = defaultPingWait
	}
	return &WSHandler{
		ingest: ingest,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingInterval: pingInterval,
		log:          log.WithField("component", "ws"),
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		writeError(w, http.StatusUpgradeRequired, "expected websocket upgrade", nil)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}

	id := uuid.NewString()
	c := &wsConn{
		handler: h,
		ws:      ws,
		client:  newClient(id, func() { _ = ws.Close() }),
		log:     h.log.WithField("conn", id),
		ctx:     r.Context(),
	}
	if !h.hub.register(c.client) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	defer h.hub.unregister(c.client)
	c.log.Debug("connection opened")

	writerDone := make(chan struct{})
	// The reader rebinds c.log on join; the writer keeps its own.
	go c.writePump(writerDone, c.log)
	c.readPump()

	c.shutdown()
	<-writerDone
	_ = ws.Close()
	c.log.Debug("connection closed")
}

// wsConn holds per-connection state. Everything except the writer runs on the reader goroutine.
type wsConn struct {
	handler *WSHandler
	ws      *websocket.Conn
	client  *client
	log     logrus.FieldLogger
	ctx     context.Context

	state     connState
	sessionID string
	userID    string
	name      string
}

func (c *wsConn) readPump() {
	pongWait := 2 * c.handler.pingInterval
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if c.state == stateJoined {
			if err := c.refresh(); err != nil {
				c.log.WithError(err).Warn("heartbeat failed")
			}
		}
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("ws read error")
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message: expected JSON {type, payload}")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *wsConn) dispatch(msg inboundMessage) {
	switch msg.Type {
	case msgJoinSession:
		c.handleJoin(msg.Payload)
	case msgUpdateProgress:
		c.handleUpdate(msg.Payload)
	case msgLeaveSession:
		c.handleLeave()
	case msgHeartbeat:
		if c.state != stateJoined {
			c.sendErr(domain.ErrNotJoined)
			return
		}
		if err := c.refresh(); err != nil {
			c.sendErr(err)
		}
	default:
		c.sendError("unsupported message type: " + msg.Type)
	}
}

func (c *wsConn) handleJoin(raw json.RawMessage) {
	var event domain.JoinEvent
	if err := decodePayload(raw, &event); err != nil {
		c.sendErr(err)
		return
	}
	if c.state == stateJoined && (event.SessionID != c.sessionID || event.UserID != c.userID) {
		c.leaveSession()
	}

	// Join the group first so the joiner receives the update its own join triggers.
	c.handler.hub.join(event.SessionID, c.client)
	participant, err := c.handler.ingest.Join(c.ctx, event)
	if err != nil {
		if c.state != stateJoined || event.SessionID != c.sessionID {
			c.handler.hub.leave(event.SessionID, c.client)
		}
		c.sendErr(err)
		return
	}
	c.state = stateJoined
	c.sessionID = participant.SessionID
	c.userID = participant.UserID
	c.name = participant.DisplayName
	c.log = c.log.WithFields(logrus.Fields{"session": c.sessionID, "user": c.userID})
	c.log.Debug("connection joined")
}

func (c *wsConn) handleUpdate(raw json.RawMessage) {
	if c.state != stateJoined {
		c.sendErr(domain.ErrNotJoined)
		return
	}
	var event domain.AnswerEvent
	if err := decodePayload(raw, &event); err != nil {
		c.sendErr(err)
		return
	}
	if err := c.bind(&event.SessionID, &event.UserID); err != nil {
		c.sendErr(err)
		return
	}
	if event.DisplayName == nil || *event.DisplayName == "" {
		name := c.name
		event.DisplayName = &name
	}
	participant, err := c.handler.ingest.SubmitAnswer(c.ctx, event)
	if err != nil {
		c.sendErr(err)
		if !errors.Is(err, domain.ErrPartialUpdate) {
			return
		}
	}
	c.name = participant.DisplayName
}

func (c *wsConn) handleLeave() {
	if c.state != stateJoined {
		c.sendErr(domain.ErrNotJoined)
		return
	}
	c.leaveSession()
}

// bind fills identity fields left empty and rejects ones naming another participant.
func (c *wsConn) bind(sessionID, userID *string) error {
	if *sessionID == "" {
		*sessionID = c.sessionID
	}
	if *userID == "" {
		*userID = c.userID
	}
	if *sessionID != c.sessionID || *userID != c.userID {
		return domain.ErrIdentityMismatch
	}
	return nil
}

// refresh keeps the bound participant fresh and recreates it if it was evicted.
func (c *wsConn) refresh() error {
	err := c.handler.ingest.Heartbeat(c.ctx, domain.HeartbeatEvent{SessionID: c.sessionID, UserID: c.userID})
	if !errors.Is(err, domain.ErrParticipantNotFound) {
		return err
	}
	c.log.Debug("participant evicted, rejoining")
	_, err = c.handler.ingest.Join(c.ctx, domain.JoinEvent{SessionID: c.sessionID, UserID: c.userID, DisplayName: c.name})
	return err
}

// leaveSession drops the binding and removes the participant; the connection stays open.
func (c *wsConn) leaveSession() {
	sessionID, userID := c.sessionID, c.userID
	c.handler.hub.leave(sessionID, c.client)
	c.state = stateOpen
	c.sessionID, c.userID, c.name = "", "", ""

	// The request context may already be done when the peer went away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), leaveTimeout)
	defer cancel()
	if err := c.handler.ingest.Leave(ctx, domain.LeaveEvent{SessionID: sessionID, UserID: userID}); err != nil {
		c.log.WithError(err).Warn("leave failed")
	}
}

// shutdown runs once the reader has stopped: it performs the implicit leave and stops the writer.
func (c *wsConn) shutdown() {
	if c.state == stateJoined {
		c.leaveSession()
	}
	c.state = stateClosed
	c.client.close()
}

func (c *wsConn) writePump(done chan<- struct{}, log logrus.FieldLogger) {
	ticker := time.NewTicker(c.handler.pingInterval)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case msg := <-c.client.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithError(err).Debug("ws write failed")
				// Unblock the reader.
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.client.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *wsConn) sendError(message string) {
	data, err := json.Marshal(outboundMessage{Type: msgError, Payload: errorPayload{Message: message}})
	if err != nil {
		return
	}
	c.client.enqueue(data)
}

func (c *wsConn) sendErr(err error) {
	c.sendError(errorMessage(err))
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return domain.NewValidationError("payload", "required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return domain.NewValidationError("payload", "json")
	}
	return nil
}

// errorMessage renders an error for clients without leaking store internals.
func errorMessage(err error) string {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, domain.ErrPartialUpdate):
		return domain.ErrPartialUpdate.Error()
	case errors.Is(err, domain.ErrStoreUnavailable):
		return domain.ErrStoreUnavailable.Error()
	case errors.Is(err, domain.ErrNotJoined),
		errors.Is(err, domain.ErrIdentityMismatch),
		errors.Is(err, domain.ErrParticipantNotFound):
		return err.Error()
	default:
		return "internal error"
	}
}
