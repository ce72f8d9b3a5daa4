package protocol

import (
	"encoding/json"
	"fmt"
)

// Register binds the connection to a user id.
type Register struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

func (*Register) Event() EventType { return EventRegister }
func (*Register) isMessage()       {}
func (m *Register) Validate() error {
	return required(EventRegister, "userId", m.UserID)
}

// CallUser places a call; Offer is an opaque SDP blob.
type CallUser struct {
	TargetUserID string          `json:"targetUserId"`
	CallType     CallType        `json:"callType"`
	Offer        json.RawMessage `json:"offer"`
}

func (*CallUser) Event() EventType { return EventCallUser }
func (*CallUser) isMessage()       {}
func (m *CallUser) Validate() error {
	if err := required(EventCallUser, "targetUserId", m.TargetUserID); err != nil {
		return err
	}
	if !m.CallType.Valid() {
		return fmt.Errorf("%w: call_user has unsupported callType %q", ErrInvalid, m.CallType)
	}
	return requiredBlob(EventCallUser, "offer", m.Offer)
}

type AcceptCall struct {
	RoomID string          `json:"roomId"`
	Answer json.RawMessage `json:"answer"`
}

func (*AcceptCall) Event() EventType { return EventAcceptCall }
func (*AcceptCall) isMessage()       {}
func (m *AcceptCall) Validate() error {
	if err := required(EventAcceptCall, "roomId", m.RoomID); err != nil {
		return err
	}
	return requiredBlob(EventAcceptCall, "answer", m.Answer)
}

type DeclineCall struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

func (*DeclineCall) Event() EventType { return EventDeclineCall }
func (*DeclineCall) isMessage()       {}
func (m *DeclineCall) Validate() error {
	return required(EventDeclineCall, "roomId", m.RoomID)
}

type EndCall struct {
	RoomID string `json:"roomId"`
}

func (*EndCall) Event() EventType { return EventEndCall }
func (*EndCall) isMessage()       {}
func (m *EndCall) Validate() error {
	return required(EventEndCall, "roomId", m.RoomID)
}

// ICECandidate travels in both directions; From is set by the relay.
type ICECandidate struct {
	RoomID    string          `json:"roomId"`
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from,omitempty"`
}

func (*ICECandidate) Event() EventType { return EventICECandidate }
func (*ICECandidate) isMessage()       {}
func (m *ICECandidate) Validate() error {
	if err := required(EventICECandidate, "roomId", m.RoomID); err != nil {
		return err
	}
	return requiredBlob(EventICECandidate, "candidate", m.Candidate)
}

// SDPExchange carries renegotiation descriptions; Type is "offer" or "answer".
type SDPExchange struct {
	RoomID string `json:"roomId"`
	SDP    string `json:"sdp"`
	Type   string `json:"type"`
	From   string `json:"from,omitempty"`
}

func (*SDPExchange) Event() EventType { return EventSDPExchange }
func (*SDPExchange) isMessage()       {}
func (m *SDPExchange) Validate() error {
	if err := required(EventSDPExchange, "roomId", m.RoomID, "sdp", m.SDP); err != nil {
		return err
	}
	switch m.Type {
	case "offer", "answer", "pranswer", "rollback":
		return nil
	default:
		return fmt.Errorf("%w: sdp_exchange has unsupported type %q", ErrInvalid, m.Type)
	}
}

// MediaState describes which local tracks the sender has enabled.
type MediaState struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

type MediaStateChange struct {
	RoomID     string     `json:"roomId"`
	MediaState MediaState `json:"mediaState"`
	From       string     `json:"userId,omitempty"`
}

func (*MediaStateChange) Event() EventType { return EventMediaStateChange }
func (*MediaStateChange) isMessage()       {}
func (m *MediaStateChange) Validate() error {
	return required(EventMediaStateChange, "roomId", m.RoomID)
}

type GetOnlineUsers struct{}

func (*GetOnlineUsers) Event() EventType { return EventGetOnlineUsers }
func (*GetOnlineUsers) isMessage()       {}
func (*GetOnlineUsers) Validate() error  { return nil }

type CheckUserStatus struct {
	UserID string `json:"userId"`
}

func (*CheckUserStatus) Event() EventType { return EventCheckUserStatus }
func (*CheckUserStatus) isMessage()       {}
func (m *CheckUserStatus) Validate() error {
	return required(EventCheckUserStatus, "userId", m.UserID)
}

// Server -> client payloads.

type Registered struct {
	UserID string `json:"userId"`
}

func (*Registered) Event() EventType { return EventRegistered }
func (*Registered) isMessage()       {}
func (m *Registered) Validate() error {
	return required(EventRegistered, "userId", m.UserID)
}

type IncomingCall struct {
	CallerID string          `json:"callerId"`
	RoomID   string          `json:"roomId"`
	CallType CallType        `json:"callType"`
	Offer    json.RawMessage `json:"offer"`
}

func (*IncomingCall) Event() EventType { return EventIncomingCall }
func (*IncomingCall) isMessage()       {}
func (m *IncomingCall) Validate() error {
	if err := required(EventIncomingCall, "callerId", m.CallerID, "roomId", m.RoomID); err != nil {
		return err
	}
	if !m.CallType.Valid() {
		return fmt.Errorf("%w: incoming_call has unsupported callType %q", ErrInvalid, m.CallType)
	}
	return requiredBlob(EventIncomingCall, "offer", m.Offer)
}

type CallInitiated struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

func (*CallInitiated) Event() EventType { return EventCallInitiated }
func (*CallInitiated) isMessage()       {}
func (m *CallInitiated) Validate() error {
	return required(EventCallInitiated, "roomId", m.RoomID)
}

type CallAccepted struct {
	RoomID string          `json:"roomId"`
	Answer json.RawMessage `json:"answer"`
}

func (*CallAccepted) Event() EventType { return EventCallAccepted }
func (*CallAccepted) isMessage()       {}
func (m *CallAccepted) Validate() error {
	if err := required(EventCallAccepted, "roomId", m.RoomID); err != nil {
		return err
	}
	return requiredBlob(EventCallAccepted, "answer", m.Answer)
}

type CallDeclined struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

func (*CallDeclined) Event() EventType { return EventCallDeclined }
func (*CallDeclined) isMessage()       {}
func (m *CallDeclined) Validate() error {
	return required(EventCallDeclined, "roomId", m.RoomID)
}

type CallEnded struct {
	RoomID  string `json:"roomId"`
	EndedBy string `json:"endedBy,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (*CallEnded) Event() EventType { return EventCallEnded }
func (*CallEnded) isMessage()       {}
func (m *CallEnded) Validate() error {
	return required(EventCallEnded, "roomId", m.RoomID)
}

// CallError is only ever sent to the connection whose request failed.
type CallError struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	RoomID string `json:"roomId,omitempty"`
}

func (*CallError) Event() EventType { return EventCallError }
func (*CallError) isMessage()       {}
func (m *CallError) Validate() error {
	return required(EventCallError, "code", m.Code)
}

type UserOnline struct {
	UserID string `json:"userId"`
}

func (*UserOnline) Event() EventType { return EventUserOnline }
func (*UserOnline) isMessage()       {}
func (m *UserOnline) Validate() error {
	return required(EventUserOnline, "userId", m.UserID)
}

type UserOffline struct {
	UserID string `json:"userId"`
}

func (*UserOffline) Event() EventType { return EventUserOffline }
func (*UserOffline) isMessage()       {}
func (m *UserOffline) Validate() error {
	return required(EventUserOffline, "userId", m.UserID)
}

type OnlineUsers struct {
	UserIDs []string `json:"userIds"`
}

func (*OnlineUsers) Event() EventType { return EventOnlineUsers }
func (*OnlineUsers) isMessage()       {}
func (*OnlineUsers) Validate() error  { return nil }

type UserStatus struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	IsInCall bool   `json:"isInCall"`
}

func (*UserStatus) Event() EventType { return EventUserStatus }
func (*UserStatus) isMessage()       {}
func (m *UserStatus) Validate() error {
	return required(EventUserStatus, "userId", m.UserID)
}
