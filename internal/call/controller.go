package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pairline/relay/internal/protocol"
)

const sendTimeout = 5 * time.Second

const (
	ReasonEnded            = "ended"
	ReasonDeclined         = "declined"
	ReasonBusy             = "busy"
	ReasonCancelled        = "cancelled"
	ReasonConnectionLost   = "connection-lost"
	ReasonMediaUnavailable = "media-unavailable"
	ReasonNegotiation      = "negotiation-failed"
)

// Controller drives one user's side of a call: it owns local media and the peer
// connection and turns relay messages into state transitions.
//
// Every call attempt gets a generation number. Work started for an attempt (media
// acquisition, negotiation, peer callbacks) only takes effect while its generation is
// still current, so ending a call invalidates everything still in flight.
type Controller struct {
	signaler Signaler
	devices  MediaDevice
	peers    PeerFactory
	log      *zap.Logger
	events   *eventQueue

	mu        sync.Mutex
	state     State
	attempt   uint64
	cancel    context.CancelFunc
	roomID    string
	peerID    string
	callType  protocol.CallType
	offer     json.RawMessage
	media     LocalMedia
	pc        PeerConnection
	remoteSet bool
	remoteICE []json.RawMessage
	localICE  []json.RawMessage
	audioOn   bool
	videoOn   bool
	// generations of call_user requests still waiting for call_initiated or call_error
	outstanding []uint64
}

func NewController(signaler Signaler, devices MediaDevice, peers PeerFactory, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		signaler: signaler,
		devices:  devices,
		peers:    peers,
		log:      logger,
		events:   newEventQueue(),
		state:    StateIdle,
	}
}

// Events returns the ordered notification stream. It is closed by Close.
func (c *Controller) Events() <-chan Event {
	return c.events.out
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RoomID is the relay room of the current call, empty until the relay assigns one.
func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// PeerID is the other participant of the current call.
func (c *Controller) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

func (c *Controller) MediaState() protocol.MediaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.MediaState{Audio: c.audioOn, Video: c.videoOn}
}

// InitiateCall acquires media, creates an offer and asks the relay to ring targetID.
func (c *Controller) InitiateCall(ctx context.Context, targetID string, callType protocol.CallType) error {
	if !callType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCallType, callType)
	}
	if targetID == "" {
		return errors.New("target user is required")
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	gen, actx, cancel := c.beginLocked(ctx)
	defer cancel()
	c.peerID = targetID
	c.callType = callType
	c.setStateLocked(StateCalling)
	c.mu.Unlock()

	media, err := c.devices.Acquire(actx, callType)
	if err != nil {
		return c.abandon(gen, actx, fmt.Errorf("%w: %v", ErrMediaAcquisitionFailed, err), nil)
	}
	if !c.adoptMedia(gen, media) {
		return ErrCancelled
	}
	if err := actx.Err(); err != nil {
		return c.abandon(gen, actx, err, nil)
	}

	pc, err := c.peers.NewPeer(media, c.peerEvents(gen))
	if err != nil {
		return c.abandon(gen, actx, fmt.Errorf("%w: %v", ErrNegotiationFailed, err), nil)
	}
	if !c.adoptPeer(gen, pc) {
		return ErrCancelled
	}

	offer, err := pc.CreateOffer(actx)
	if err != nil {
		return c.abandon(gen, actx, fmt.Errorf("%w: %v", ErrNegotiationFailed, err), nil)
	}

	c.mu.Lock()
	if gen != c.attempt {
		c.mu.Unlock()
		return ErrCancelled
	}
	c.outstanding = append(c.outstanding, gen)
	c.mu.Unlock()

	if err := c.signaler.Send(actx, &protocol.CallUser{TargetUserID: targetID, CallType: callType, Offer: offer}); err != nil {
		c.mu.Lock()
		c.dropOutstandingLocked(gen)
		c.mu.Unlock()
		return c.abandon(gen, actx, fmt.Errorf("send call_user: %w", err), nil)
	}
	return nil
}

// AcceptCall answers the ringing call roomID.
func (c *Controller) AcceptCall(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.state != StateIncoming || c.roomID != roomID {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	gen, actx, cancel := c.beginLocked(ctx)
	defer cancel()
	offer, callType := c.offer, c.callType
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	decline := func(reason string) func(string) protocol.Message {
		return func(room string) protocol.Message {
			return &protocol.DeclineCall{RoomID: room, Reason: reason}
		}
	}

	media, err := c.devices.Acquire(actx, callType)
	if err != nil {
		return c.abandon(gen, actx, fmt.Errorf("%w: %v", ErrMediaAcquisitionFailed, err), decline(ReasonMediaUnavailable))
	}
	if !c.adoptMedia(gen, media) {
		return ErrCancelled
	}
	if err := actx.Err(); err != nil {
		return c.abandon(gen, actx, err, decline(ReasonCancelled))
	}

	pc, err := c.peers.NewPeer(media, c.peerEvents(gen))
	if err != nil {
		return c.abandon(gen, actx, fmt.Errorf("%w: %v", ErrNegotiationFailed, err), decline(ReasonNegotiation))
	}
	if !c.adoptPeer(gen, pc) {
		return ErrCancelled
	}

	answer, err := pc.CreateAnswer(actx, offer)
	if err != nil {
		return c.abandon(gen, actx, fmt.Errorf("%w: %v", ErrNegotiationFailed, err), decline(ReasonNegotiation))
	}
	if !c.markRemoteSet(gen) {
		return ErrCancelled
	}

	if err := c.signaler.Send(actx, &protocol.AcceptCall{RoomID: roomID, Answer: answer}); err != nil {
		return c.abandon(gen, actx, fmt.Errorf("send accept_call: %w", err), decline(ReasonNegotiation))
	}
	return nil
}

// DeclineCall rejects the ringing call roomID without touching local media.
func (c *Controller) DeclineCall(ctx context.Context, roomID, reason string) error {
	c.mu.Lock()
	if c.state != StateIncoming || c.roomID != roomID {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	if reason == "" {
		reason = ReasonDeclined
	}
	c.events.push(Event{Kind: EventCallEnded, RoomID: roomID, PeerID: c.peerID, Reason: reason})
	release := c.teardownLocked()
	c.mu.Unlock()
	release()

	return c.signaler.Send(ctx, &protocol.DeclineCall{RoomID: roomID, Reason: reason})
}

// EndCall hangs up. Local media and the peer connection are always released; end_call
// is sent when the relay has assigned a room. Calling it while idle is a no-op.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	roomID := c.roomID
	c.events.push(Event{Kind: EventCallEnded, RoomID: roomID, PeerID: c.peerID, Reason: ReasonEnded})
	release := c.teardownLocked()
	c.mu.Unlock()
	release()

	if roomID == "" {
		return nil
	}
	if err := c.signaler.Send(ctx, &protocol.EndCall{RoomID: roomID}); err != nil {
		return fmt.Errorf("send end_call: %w", err)
	}
	return nil
}

// ToggleMicrophone flips the local audio track and returns whether it is now enabled.
func (c *Controller) ToggleMicrophone(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.media == nil {
		c.mu.Unlock()
		return false, ErrNoActiveCall
	}
	c.audioOn = !c.audioOn
	c.media.SetAudioEnabled(c.audioOn)
	on, msg := c.audioOn, c.mediaStateLocked()
	c.mu.Unlock()

	return on, c.announce(ctx, msg)
}

// ToggleCamera flips the local video track and returns whether it is now enabled.
func (c *Controller) ToggleCamera(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.media == nil {
		c.mu.Unlock()
		return false, ErrNoActiveCall
	}
	if !c.media.HasVideo() {
		c.mu.Unlock()
		return false, ErrNoVideo
	}
	c.videoOn = !c.videoOn
	c.media.SetVideoEnabled(c.videoOn)
	on, msg := c.videoOn, c.mediaStateLocked()
	c.mu.Unlock()

	return on, c.announce(ctx, msg)
}

// SwitchCamera changes the capturing camera and returns its facing.
func (c *Controller) SwitchCamera(ctx context.Context) (string, error) {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media == nil {
		return "", ErrNoActiveCall
	}
	if !media.HasVideo() {
		return "", ErrNoVideo
	}

	facing, err := media.SwitchCamera()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	msg := c.mediaStateLocked()
	c.mu.Unlock()
	return facing, c.announce(ctx, msg)
}

// SignalingClosed fails any call in progress after the relay connection is lost.
func (c *Controller) SignalingClosed() {
	c.mu.Lock()
	gen := c.attempt
	c.outstanding = nil
	c.mu.Unlock()
	c.fail(gen, ErrSignalingClosed)
}

// Close hangs up and stops event delivery.
func (c *Controller) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	err := c.EndCall(ctx)
	c.events.close()
	return err
}

// Handle applies one message received from the relay.
func (c *Controller) Handle(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.IncomingCall:
		c.onIncomingCall(m)
	case *protocol.CallInitiated:
		c.onCallInitiated(m)
	case *protocol.CallAccepted:
		c.onCallAccepted(m)
	case *protocol.CallDeclined:
		c.onRemoteEnd(m.RoomID, EventCallDeclined, reasonOr(m.Reason, ReasonDeclined))
	case *protocol.CallEnded:
		c.onRemoteEnd(m.RoomID, EventCallEnded, reasonOr(m.Reason, ReasonEnded))
	case *protocol.CallError:
		c.onCallError(m)
	case *protocol.ICECandidate:
		c.onRemoteCandidate(m)
	case *protocol.MediaStateChange:
		c.onRemoteMediaState(m)
	case *protocol.UserOnline:
		c.events.push(Event{Kind: EventPresence, PeerID: m.UserID, Online: true})
	case *protocol.UserOffline:
		c.events.push(Event{Kind: EventPresence, PeerID: m.UserID, Online: false})
	case *protocol.UserStatus:
		c.events.push(Event{Kind: EventPresence, PeerID: m.UserID, Online: m.IsOnline})
	case *protocol.OnlineUsers:
		c.events.push(Event{Kind: EventPresence, Users: append([]string(nil), m.UserIDs...)})
	case *protocol.SDPExchange:
		c.onSDPExchange(m)
	case nil:
	default:
		c.log.Debug("ignoring message", zap.String("type", string(msg.Event())))
	}
}

func (c *Controller) onIncomingCall(m *protocol.IncomingCall) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		c.log.Info("declining call while busy", zap.String("room", m.RoomID), zap.String("caller", m.CallerID))
		c.sendDetached(&protocol.DeclineCall{RoomID: m.RoomID, Reason: ReasonBusy})
		return
	}
	c.attempt++
	c.roomID = m.RoomID
	c.peerID = m.CallerID
	c.callType = m.CallType
	c.offer = m.Offer
	c.events.push(Event{Kind: EventIncomingCall, RoomID: m.RoomID, PeerID: m.CallerID, CallType: m.CallType})
	c.setStateLocked(StateIncoming)
	c.mu.Unlock()
}

func (c *Controller) onCallInitiated(m *protocol.CallInitiated) {
	c.mu.Lock()
	gen, ok := c.popOutstandingLocked()
	if !ok || gen != c.attempt || c.state != StateCalling || c.roomID != "" {
		c.mu.Unlock()
		c.log.Info("ending abandoned call", zap.String("room", m.RoomID))
		c.sendDetached(&protocol.EndCall{RoomID: m.RoomID})
		return
	}
	c.roomID = m.RoomID
	pending := c.localICE
	c.localICE = nil
	c.mu.Unlock()

	for _, cand := range pending {
		c.sendDetached(&protocol.ICECandidate{RoomID: m.RoomID, Candidate: cand})
	}
}

func (c *Controller) onCallAccepted(m *protocol.CallAccepted) {
	c.mu.Lock()
	if c.state != StateCalling || c.roomID != m.RoomID || c.pc == nil {
		c.mu.Unlock()
		c.log.Debug("unexpected call_accepted", zap.String("room", m.RoomID))
		return
	}
	gen, pc := c.attempt, c.pc
	c.events.push(Event{Kind: EventCallAccepted, RoomID: m.RoomID, PeerID: c.peerID, CallType: c.callType})
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := pc.SetAnswer(m.Answer); err != nil {
		if roomID, ok := c.fail(gen, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)); ok && roomID != "" {
			c.sendDetached(&protocol.EndCall{RoomID: roomID})
		}
		return
	}
	c.markRemoteSet(gen)
}

// onRemoteEnd tears the call down after the peer or the relay closed the room. kind is
// EventCallDeclined for a decline and EventCallEnded otherwise.
func (c *Controller) onRemoteEnd(roomID string, kind EventKind, reason string) {
	c.mu.Lock()
	if c.state == StateIdle || roomID == "" || c.roomID != roomID {
		c.mu.Unlock()
		return
	}
	ev := Event{Kind: kind, RoomID: roomID, PeerID: c.peerID, Reason: reason}
	if kind == EventCallDeclined {
		ev.Err = ErrCallDeclined
	}
	c.events.push(ev)
	release := c.teardownLocked()
	c.mu.Unlock()
	release()
}

func (c *Controller) onCallError(m *protocol.CallError) {
	c.mu.Lock()
	var (
		gen     uint64
		matched bool
	)
	if m.RoomID != "" {
		gen = c.attempt
		matched = c.state != StateIdle && m.RoomID == c.roomID
	} else if g, ok := c.popOutstandingLocked(); ok {
		gen = g
		matched = g == c.attempt && c.state == StateCalling
	}
	c.mu.Unlock()

	if !matched {
		c.log.Debug("unmatched call error", zap.String("code", m.Code), zap.String("room", m.RoomID))
		return
	}
	c.fail(gen, &RemoteError{Code: m.Code, Message: m.Error, RoomID: m.RoomID})
}

// onSDPExchange applies a renegotiation description from the peer. An offer is
// answered over sdp_exchange. Failures are logged and leave the call running.
func (c *Controller) onSDPExchange(m *protocol.SDPExchange) {
	c.mu.Lock()
	if c.pc == nil || !c.remoteSet || m.RoomID == "" || m.RoomID != c.roomID {
		c.mu.Unlock()
		c.log.Debug("ignoring sdp_exchange", zap.String("room", m.RoomID), zap.String("type", m.Type))
		return
	}
	gen, pc := c.attempt, c.pc
	c.mu.Unlock()

	desc, err := json.Marshal(sessionDescription{Type: m.Type, SDP: m.SDP})
	if err != nil {
		c.log.Warn("encode remote description", zap.Error(err))
		return
	}

	switch m.Type {
	case "answer":
		if err := pc.SetAnswer(desc); err != nil {
			c.log.Warn("apply renegotiation answer", zap.String("room", m.RoomID), zap.Error(err))
		}
	case "offer":
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		answer, err := pc.CreateAnswer(ctx, desc)
		if err != nil {
			c.log.Warn("answer renegotiation offer", zap.String("room", m.RoomID), zap.Error(err))
			return
		}
		var local sessionDescription
		if err := json.Unmarshal(answer, &local); err != nil {
			c.log.Warn("decode local answer", zap.Error(err))
			return
		}
		c.mu.Lock()
		current := gen == c.attempt
		c.mu.Unlock()
		if current {
			c.sendDetached(&protocol.SDPExchange{RoomID: m.RoomID, SDP: local.SDP, Type: "answer"})
		}
	default:
		c.log.Debug("ignoring sdp_exchange", zap.String("room", m.RoomID), zap.String("type", m.Type))
	}
}

// Renegotiate sends a fresh offer for the current call over sdp_exchange. The peer's
// answer is applied when it arrives.
func (c *Controller) Renegotiate(ctx context.Context) error {
	c.mu.Lock()
	if c.pc == nil || !c.remoteSet || c.roomID == "" {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	gen, pc, roomID := c.attempt, c.pc, c.roomID
	c.mu.Unlock()

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	var local sessionDescription
	if err := json.Unmarshal(offer, &local); err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	c.mu.Lock()
	current := gen == c.attempt
	c.mu.Unlock()
	if !current {
		return ErrCancelled
	}
	return c.signaler.Send(ctx, &protocol.SDPExchange{RoomID: roomID, SDP: local.SDP, Type: local.Type})
}

func (c *Controller) onRemoteCandidate(m *protocol.ICECandidate) {
	c.mu.Lock()
	if c.state == StateIdle || m.RoomID != c.roomID {
		c.mu.Unlock()
		return
	}
	if c.pc == nil || !c.remoteSet {
		c.remoteICE = append(c.remoteICE, m.Candidate)
		c.mu.Unlock()
		return
	}
	pc := c.pc
	c.mu.Unlock()

	if err := pc.AddICECandidate(m.Candidate); err != nil {
		c.log.Warn("add remote candidate", zap.String("room", m.RoomID), zap.Error(err))
	}
}

func (c *Controller) onRemoteMediaState(m *protocol.MediaStateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle || m.RoomID != c.roomID {
		return
	}
	c.events.push(Event{Kind: EventRemoteMediaState, RoomID: m.RoomID, PeerID: c.peerID, MediaState: m.MediaState})
}

func (c *Controller) peerEvents(gen uint64) PeerEvents {
	return PeerEvents{
		OnICECandidate: func(cand json.RawMessage) { c.onLocalCandidate(gen, cand) },
		OnStateChange:  func(s PeerState) { c.onPeerState(gen, s) },
		OnRemoteTrack:  func(kind string) { c.onRemoteTrack(gen, kind) },
	}
}

// onRemoteTrack runs when the first media of a remote track arrives; the call counts
// as connected from then on.
func (c *Controller) onRemoteTrack(gen uint64, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.attempt || c.state == StateIdle {
		return
	}
	c.events.push(Event{Kind: EventRemoteTrack, RoomID: c.roomID, PeerID: c.peerID, TrackKind: kind})
	if c.state == StateConnecting {
		c.setStateLocked(StateConnected)
	}
}

func (c *Controller) onLocalCandidate(gen uint64, cand json.RawMessage) {
	c.mu.Lock()
	if gen != c.attempt {
		c.mu.Unlock()
		return
	}
	if c.roomID == "" {
		c.localICE = append(c.localICE, cand)
		c.mu.Unlock()
		return
	}
	roomID := c.roomID
	c.mu.Unlock()

	c.sendDetached(&protocol.ICECandidate{RoomID: roomID, Candidate: cand})
}

func (c *Controller) onPeerState(gen uint64, s PeerState) {
	switch s {
	case PeerConnected:
		c.log.Debug("peer transport connected", zap.Uint64("attempt", gen))
	case PeerDisconnected, PeerFailed, PeerClosed:
		c.mu.Lock()
		if gen != c.attempt || c.state == StateIdle {
			c.mu.Unlock()
			return
		}
		roomID := c.roomID
		c.events.push(Event{Kind: EventCallEnded, RoomID: roomID, PeerID: c.peerID, Reason: ReasonConnectionLost})
		release := c.teardownLocked()
		c.mu.Unlock()
		release()

		if roomID != "" {
			c.sendDetached(&protocol.EndCall{RoomID: roomID})
		}
	}
}

// beginLocked starts a new attempt whose context is cancelled by teardown.
func (c *Controller) beginLocked(ctx context.Context) (uint64, context.Context, context.CancelFunc) {
	c.attempt++
	actx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	return c.attempt, actx, cancel
}

func (c *Controller) adoptMedia(gen uint64, media LocalMedia) bool {
	c.mu.Lock()
	if gen != c.attempt {
		c.mu.Unlock()
		if err := media.Close(); err != nil {
			c.log.Warn("release media", zap.Error(err))
		}
		return false
	}
	c.media = media
	c.audioOn = true
	c.videoOn = media.HasVideo()
	c.events.push(Event{
		Kind:       EventLocalMedia,
		RoomID:     c.roomID,
		PeerID:     c.peerID,
		CallType:   c.callType,
		MediaState: protocol.MediaState{Audio: c.audioOn, Video: c.videoOn},
	})
	c.mu.Unlock()
	return true
}

func (c *Controller) adoptPeer(gen uint64, pc PeerConnection) bool {
	c.mu.Lock()
	if gen != c.attempt {
		c.mu.Unlock()
		if err := pc.Close(); err != nil {
			c.log.Warn("close peer connection", zap.Error(err))
		}
		return false
	}
	c.pc = pc
	c.mu.Unlock()
	return true
}

// markRemoteSet records that the remote description is applied and flushes candidates
// that arrived before it.
func (c *Controller) markRemoteSet(gen uint64) bool {
	c.mu.Lock()
	if gen != c.attempt || c.pc == nil {
		c.mu.Unlock()
		return false
	}
	c.remoteSet = true
	pending, pc := c.remoteICE, c.pc
	c.remoteICE = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			c.log.Warn("add buffered candidate", zap.Error(err))
		}
	}
	return true
}

// abandon ends attempt gen after a failure inside InitiateCall or AcceptCall.
// Cancellation is reported as ErrCancelled without an error event. When notify is set
// and a room is held, its message is sent to the relay.
func (c *Controller) abandon(gen uint64, actx context.Context, err error, notify func(roomID string) protocol.Message) error {
	cancelled := actx.Err() != nil

	c.mu.Lock()
	if gen != c.attempt {
		c.mu.Unlock()
		return ErrCancelled
	}
	roomID := c.roomID
	if cancelled {
		c.events.push(Event{Kind: EventCallEnded, RoomID: roomID, PeerID: c.peerID, Reason: ReasonCancelled})
	} else {
		c.events.push(Event{Kind: EventError, RoomID: roomID, PeerID: c.peerID, Err: err})
	}
	release := c.teardownLocked()
	c.mu.Unlock()
	release()

	if notify != nil && roomID != "" {
		c.sendDetached(notify(roomID))
	}
	if cancelled {
		return ErrCancelled
	}
	return err
}

// fail surfaces err once and returns to idle. It reports the room that was held.
func (c *Controller) fail(gen uint64, err error) (string, bool) {
	c.mu.Lock()
	if gen != c.attempt || c.state == StateIdle {
		c.mu.Unlock()
		return "", false
	}
	roomID := c.roomID
	c.log.Warn("call failed", zap.String("room", roomID), zap.Error(err))
	c.events.push(Event{Kind: EventError, RoomID: roomID, PeerID: c.peerID, Err: err})
	release := c.teardownLocked()
	c.mu.Unlock()
	release()
	return roomID, true
}

// teardownLocked resets to idle and returns a func releasing media and the peer
// connection, which must run without c.mu held.
func (c *Controller) teardownLocked() func() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.attempt++
	pc, media := c.pc, c.media
	c.pc = nil
	c.media = nil
	c.roomID = ""
	c.peerID = ""
	c.callType = ""
	c.offer = nil
	c.remoteSet = false
	c.remoteICE = nil
	c.localICE = nil
	c.audioOn = false
	c.videoOn = false
	c.setStateLocked(StateIdle)

	return func() {
		if pc != nil {
			if err := pc.Close(); err != nil {
				c.log.Warn("close peer connection", zap.Error(err))
			}
		}
		if media != nil {
			if err := media.Close(); err != nil {
				c.log.Warn("release media", zap.Error(err))
			}
		}
	}
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("call state", zap.String("from", string(c.state)), zap.String("to", string(s)))
	c.state = s
	c.events.push(Event{Kind: EventStateChanged, State: s, RoomID: c.roomID})
}

func (c *Controller) popOutstandingLocked() (uint64, bool) {
	if len(c.outstanding) == 0 {
		return 0, false
	}
	gen := c.outstanding[0]
	c.outstanding = c.outstanding[1:]
	return gen, true
}

func (c *Controller) dropOutstandingLocked(gen uint64) {
	for i, g := range c.outstanding {
		if g == gen {
			c.outstanding = append(c.outstanding[:i], c.outstanding[i+1:]...)
			return
		}
	}
}

func (c *Controller) mediaStateLocked() *protocol.MediaStateChange {
	if c.roomID == "" {
		return nil
	}
	return &protocol.MediaStateChange{
		RoomID:     c.roomID,
		MediaState: protocol.MediaState{Audio: c.audioOn, Video: c.videoOn},
	}
}

func (c *Controller) announce(ctx context.Context, msg *protocol.MediaStateChange) error {
	if msg == nil {
		return nil
	}
	if err := c.signaler.Send(ctx, msg); err != nil {
		return fmt.Errorf("announce media state: %w", err)
	}
	return nil
}

func (c *Controller) sendDetached(msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := c.signaler.Send(ctx, msg); err != nil {
		c.log.Warn("signal send failed", zap.String("type", string(msg.Event())), zap.Error(err))
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
