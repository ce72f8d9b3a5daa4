package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pairline/relay/internal/protocol"
	"github.com/pairline/relay/internal/sessions"
)

// Wire reasons carried in call_ended.
const (
	reasonEnded      = "ended"
	reasonDisconnect = "disconnect"
	reasonTimeout    = "timeout"
)

// Options tunes the hub. Zero values fall back to defaults.
type Options struct {
	RingTimeout    time.Duration
	SendBuffer     int
	MaxMessageSize int64
	// Verifier, when set, requires a valid token on register.
	Verifier *TokenVerifier
	// Registerer receives the relay metrics; nil disables them.
	Registerer prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.RingTimeout <= 0 {
		o.RingTimeout = 45 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	return o
}

type inboundFrame struct {
	client *Client
	raw    []byte
}

// Hub routes signaling frames between registered connections. Every handler runs on
// the Run goroutine, so per-room ordering follows arrival order.
type Hub struct {
	registry *sessions.Registry
	logger   *zap.Logger
	opts     Options
	metrics  *relayMetrics
	upgrader websocket.Upgrader

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	timeouts   chan string
	done       chan struct{}

	// owned by Run
	clients map[string]*Client
	timers  map[string]*time.Timer
}

// NewHub creates a hub over the given registry.
func NewHub(registry *sessions.Registry, logger *zap.Logger, opts Options) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Hub{
		registry: registry,
		logger:   logger,
		opts:     opts,
		metrics:  newRelayMetrics(opts.Registerer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame, 256),
		timeouts:   make(chan string, 16),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
		timers:     make(map[string]*time.Timer),
	}
}

// Run processes hub events until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c.handle] = c
			h.metrics.connOpened()
			h.logger.Debug("connection opened", zap.String("handle", c.handle))
		case c := <-h.unregister:
			h.handleDisconnect(c)
		case in := <-h.inbound:
			h.dispatch(in.client, in.raw)
		case roomID := <-h.timeouts:
			h.handleRingTimeout(roomID)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for roomID, t := range h.timers {
		t.Stop()
		delete(h.timers, roomID)
	}
	for handle, c := range h.clients {
		c.close()
		delete(h.clients, handle)
	}
}

func enqueue[T any](done <-chan struct{}, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-done:
		return false
	}
}

func (h *Hub) dispatch(c *Client, raw []byte) {
	if _, live := h.clients[c.handle]; !live {
		return
	}

	frame, msg, err := protocol.Decode(raw)
	if err != nil {
		h.metrics.recordFrame("invalid")
		h.logger.Debug("rejected frame", zap.String("handle", c.handle), zap.Error(err))
		h.sendError(c, "bad_request", "Malformed or unknown frame", "")
		return
	}
	h.metrics.recordFrame(string(frame.Type))

	if m, ok := msg.(*protocol.Register); ok {
		h.handleRegister(c, m)
		return
	}
	if !h.isRegistered(c) {
		h.sendError(c, "not_registered", "Register before sending "+string(frame.Type), "")
		return
	}

	switch m := msg.(type) {
	case *protocol.CallUser:
		h.handleCallUser(c, m)
	case *protocol.AcceptCall:
		h.handleAcceptCall(c, m)
	case *protocol.DeclineCall:
		h.handleDeclineCall(c, m)
	case *protocol.EndCall:
		h.handleEndCall(c, m)
	case *protocol.ICECandidate:
		m.From = c.userID
		h.forward(c, m.RoomID, m)
	case *protocol.SDPExchange:
		m.From = c.userID
		h.forward(c, m.RoomID, m)
	case *protocol.MediaStateChange:
		m.From = c.userID
		h.forward(c, m.RoomID, m)
	case *protocol.GetOnlineUsers:
		h.deliver(c, "", &protocol.OnlineUsers{UserIDs: h.registry.OnlineUsers()})
	case *protocol.CheckUserStatus:
		entry, online := h.registry.Lookup(m.UserID)
		h.deliver(c, "", &protocol.UserStatus{
			UserID:   m.UserID,
			IsOnline: online,
			IsInCall: online && entry.Busy(),
		})
	default:
		h.sendError(c, "bad_request", "Unsupported event "+string(frame.Type), "")
	}
}

func (h *Hub) isRegistered(c *Client) bool {
	if c.userID == "" {
		return false
	}
	entry, ok := h.registry.Lookup(c.userID)
	return ok && entry.Handle == c.handle
}

func (h *Hub) handleRegister(c *Client, m *protocol.Register) {
	if err := h.opts.Verifier.Verify(m.Token, m.UserID); err != nil {
		h.logger.Info("registration rejected", zap.String("user", m.UserID), zap.Error(err))
		h.sendError(c, "unauthorized", "Registration not authorized", "")
		return
	}

	res, err := h.registry.Register(m.UserID, c.handle)
	if err != nil {
		h.sendError(c, "bad_request", "Registration failed", "")
		return
	}
	c.userID = m.UserID

	for _, room := range res.ClosedRooms {
		for _, evicted := range res.EvictedUsers {
			if room.HasParticipant(evicted) {
				h.notifyRoomLost(room, evicted, reasonDisconnect)
				break
			}
		}
	}
	for _, evicted := range res.EvictedUsers {
		h.broadcast(evicted, &protocol.UserOffline{UserID: evicted})
	}
	if res.SupersededHandle != "" {
		if old, ok := h.clients[res.SupersededHandle]; ok {
			old.userID = ""
			old.close()
			h.logger.Info("connection superseded", zap.String("user", m.UserID), zap.String("handle", old.handle))
		}
	}

	h.logger.Info("user registered", zap.String("user", m.UserID), zap.String("handle", c.handle))
	h.deliver(c, "", &protocol.Registered{UserID: m.UserID})
	h.broadcast(m.UserID, &protocol.UserOnline{UserID: m.UserID})
	h.refreshGauges()
}

func (h *Hub) handleCallUser(c *Client, m *protocol.CallUser) {
	room, err := h.registry.CreateRoom(c.userID, m.TargetUserID, m.CallType)
	if err != nil {
		h.sendRegistryError(c, err, "")
		return
	}

	target, ok := h.clientFor(m.TargetUserID)
	if !ok {
		h.registry.CloseRoom(room.ID, sessions.ReasonPeerDisconnected)
		h.sendRegistryError(c, sessions.ErrUserOffline, "")
		return
	}

	h.armRingTimer(room.ID)
	h.deliver(target, "", &protocol.IncomingCall{
		CallerID: c.userID,
		RoomID:   room.ID,
		CallType: room.CallType,
		Offer:    m.Offer,
	})
	h.deliver(c, "", &protocol.CallInitiated{RoomID: room.ID, TargetUserID: m.TargetUserID})
	h.logger.Info("call ringing",
		zap.String("room", room.ID),
		zap.String("from", c.userID),
		zap.String("to", m.TargetUserID),
		zap.String("type", string(room.CallType)),
	)
	h.refreshGauges()
}

func (h *Hub) handleAcceptCall(c *Client, m *protocol.AcceptCall) {
	room, err := h.registry.ActivateRoom(m.RoomID, c.userID)
	if err != nil {
		h.sendRegistryError(c, err, m.RoomID)
		return
	}
	h.stopRingTimer(room.ID)

	if initiator, ok := h.clientFor(room.InitiatorID); ok {
		h.deliver(initiator, "", &protocol.CallAccepted{RoomID: room.ID, Answer: m.Answer})
	}
	h.logger.Info("call accepted", zap.String("room", room.ID), zap.String("by", c.userID))
}

func (h *Hub) handleDeclineCall(c *Client, m *protocol.DeclineCall) {
	room, ok := h.registry.Room(m.RoomID)
	if !ok || !room.HasParticipant(c.userID) {
		h.sendRegistryError(c, sessions.ErrRoomNotFound, m.RoomID)
		return
	}
	closed, ok := h.registry.CloseRinging(m.RoomID, sessions.ReasonDeclined)
	if !ok {
		h.sendRegistryError(c, sessions.ErrInvalidTransition, m.RoomID)
		return
	}
	h.stopRingTimer(closed.ID)
	h.metrics.recordCallEnded(sessions.ReasonDeclined)

	peerID, _ := closed.Peer(c.userID)
	if peer, ok := h.clientFor(peerID); ok {
		h.deliver(peer, c.userID, &protocol.CallDeclined{RoomID: closed.ID, Reason: m.Reason})
	}
	h.logger.Info("call declined", zap.String("room", closed.ID), zap.String("by", c.userID))
	h.refreshGauges()
}

func (h *Hub) handleEndCall(c *Client, m *protocol.EndCall) {
	room, ok := h.registry.Room(m.RoomID)
	if !ok || !room.HasParticipant(c.userID) {
		h.sendRegistryError(c, sessions.ErrRoomNotFound, m.RoomID)
		return
	}
	closed, ok := h.registry.CloseRoom(m.RoomID, sessions.ReasonEnded)
	if !ok {
		return
	}
	h.stopRingTimer(closed.ID)
	h.metrics.recordCallEnded(sessions.ReasonEnded)

	ended := &protocol.CallEnded{RoomID: closed.ID, EndedBy: c.userID, Reason: reasonEnded}
	for _, id := range closed.Participants {
		if participant, ok := h.clientFor(id); ok {
			h.deliver(participant, "", ended)
		}
	}
	h.logger.Info("call ended", zap.String("room", closed.ID), zap.String("by", c.userID))
	h.refreshGauges()
}

// forward relays a negotiation frame to the other participant. Frames for unknown
// rooms or from outsiders are dropped.
func (h *Hub) forward(c *Client, roomID string, msg protocol.Message) {
	room, ok := h.registry.Room(roomID)
	if !ok {
		h.logger.Debug("dropping frame for unknown room", zap.String("room", roomID), zap.String("event", string(msg.Event())))
		return
	}
	peerID, ok := room.Peer(c.userID)
	if !ok {
		h.logger.Debug("dropping frame from non-participant", zap.String("room", roomID), zap.String("user", c.userID))
		return
	}
	if peer, ok := h.clientFor(peerID); ok {
		h.deliver(peer, c.userID, msg)
	}
}

func (h *Hub) handleDisconnect(c *Client) {
	if _, ok := h.clients[c.handle]; !ok {
		return
	}
	delete(h.clients, c.handle)
	c.close()
	h.metrics.connClosed()

	entry, room, ok := h.registry.UnregisterHandle(c.handle)
	if !ok {
		h.logger.Debug("connection closed", zap.String("handle", c.handle))
		return
	}
	if room != nil {
		h.notifyRoomLost(*room, entry.UserID, reasonDisconnect)
	}
	h.broadcast(entry.UserID, &protocol.UserOffline{UserID: entry.UserID})
	h.logger.Info("user disconnected", zap.String("user", entry.UserID))
	h.refreshGauges()
}

// notifyRoomLost tells the participant other than lostID that the room is gone.
func (h *Hub) notifyRoomLost(room sessions.CallRoom, lostID, reason string) {
	h.stopRingTimer(room.ID)
	h.metrics.recordCallEnded(room.EndReason)

	peerID, ok := room.Peer(lostID)
	if !ok {
		return
	}
	if peer, ok := h.clientFor(peerID); ok {
		h.deliver(peer, "", &protocol.CallEnded{RoomID: room.ID, EndedBy: lostID, Reason: reason})
	}
}

func (h *Hub) handleRingTimeout(roomID string) {
	delete(h.timers, roomID)
	room, closed := h.registry.CloseRinging(roomID, sessions.ReasonTimeout)
	if !closed {
		return
	}
	h.metrics.recordCallEnded(sessions.ReasonTimeout)

	ended := &protocol.CallEnded{RoomID: room.ID, Reason: reasonTimeout}
	for _, id := range room.Participants {
		if participant, ok := h.clientFor(id); ok {
			h.deliver(participant, "", ended)
		}
	}
	h.logger.Info("call timed out", zap.String("room", room.ID))
	h.refreshGauges()
}

func (h *Hub) armRingTimer(roomID string) {
	h.stopRingTimer(roomID)
	h.timers[roomID] = time.AfterFunc(h.opts.RingTimeout, func() {
		enqueue(h.done, h.timeouts, roomID)
	})
}

func (h *Hub) stopRingTimer(roomID string) {
	if t, ok := h.timers[roomID]; ok {
		t.Stop()
		delete(h.timers, roomID)
	}
}

func (h *Hub) clientFor(userID string) (*Client, bool) {
	entry, ok := h.registry.Lookup(userID)
	if !ok {
		return nil, false
	}
	c, ok := h.clients[entry.Handle]
	return c, ok
}

// deliver queues msg on the client. A client whose buffer is full is dropped.
func (h *Hub) deliver(c *Client, from string, msg protocol.Message) {
	raw, err := protocol.Encode(from, msg)
	if err != nil {
		h.logger.Error("encode frame", zap.String("event", string(msg.Event())), zap.Error(err))
		return
	}
	select {
	case c.send <- raw:
	default:
		h.metrics.recordDrop()
		h.logger.Warn("send buffer full, dropping connection", zap.String("handle", c.handle), zap.String("user", c.userID))
		c.close()
	}
}

// broadcast sends msg to every registered connection except the one owned by exceptID.
func (h *Hub) broadcast(exceptID string, msg protocol.Message) {
	for _, c := range h.clients {
		if c.userID == "" || c.userID == exceptID {
			continue
		}
		h.deliver(c, "", msg)
	}
}

func (h *Hub) sendError(c *Client, code, text, roomID string) {
	h.metrics.recordError(code)
	h.deliver(c, "", &protocol.CallError{Error: text, Code: code, RoomID: roomID})
}

func (h *Hub) sendRegistryError(c *Client, err error, roomID string) {
	code, text := errorCode(err)
	h.logger.Debug("call request failed", zap.String("user", c.userID), zap.String("code", code), zap.Error(err))
	h.sendError(c, code, text, roomID)
}

func (h *Hub) refreshGauges() {
	h.metrics.setCounts(h.registry.Counts())
}

// errorCode maps registry errors onto call_error codes and short messages.
func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, sessions.ErrUserOffline):
		return "user_offline", "User not found or offline"
	case errors.Is(err, sessions.ErrUserBusy):
		return "user_busy", "User is busy"
	case errors.Is(err, sessions.ErrRoomNotFound):
		return "room_not_found", "Room not found"
	case errors.Is(err, sessions.ErrInvalidTransition):
		return "invalid_transition", "Call is no longer ringing"
	case errors.Is(err, sessions.ErrNotParticipant):
		return "not_participant", "Not a participant of this call"
	case errors.Is(err, sessions.ErrSelfCall):
		return "self_call", "Cannot call yourself"
	case errors.Is(err, sessions.ErrNotRegistered):
		return "not_registered", "Register before calling"
	case errors.Is(err, sessions.ErrInvalidCallType):
		return "bad_request", "Unsupported call type"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized", "Registration not authorized"
	default:
		return "bad_request", "Request failed"
	}
}
