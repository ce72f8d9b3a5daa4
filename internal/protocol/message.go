package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType names one variant of the signaling protocol.
type EventType string

const (
	// Client -> server
	EventRegister         EventType = "register"
	EventCallUser         EventType = "call_user"
	EventAcceptCall       EventType = "accept_call"
	EventDeclineCall      EventType = "decline_call"
	EventEndCall          EventType = "end_call"
	EventICECandidate     EventType = "ice_candidate"
	EventSDPExchange      EventType = "sdp_exchange"
	EventMediaStateChange EventType = "media_state_change"
	EventGetOnlineUsers   EventType = "get_online_users"
	EventCheckUserStatus  EventType = "check_user_status"

	// Server -> client
	EventRegistered    EventType = "registered"
	EventIncomingCall  EventType = "incoming_call"
	EventCallInitiated EventType = "call_initiated"
	EventCallAccepted  EventType = "call_accepted"
	EventCallDeclined  EventType = "call_declined"
	EventCallEnded     EventType = "call_ended"
	EventCallError     EventType = "call_error"
	EventUserOnline    EventType = "user_online"
	EventUserOffline   EventType = "user_offline"
	EventOnlineUsers   EventType = "online_users"
	EventUserStatus    EventType = "user_status"
)

// CallType is the media kind negotiated for a call.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether the call type is one of the supported kinds.
func (c CallType) Valid() bool {
	return c == CallAudio || c == CallVideo
}

var (
	ErrUnknownEvent = errors.New("protocol: unknown event type")
	ErrMalformed    = errors.New("protocol: malformed frame")
	ErrInvalid      = errors.New("protocol: invalid payload")
)

// Frame is the JSON object carried by each websocket text message.
type Frame struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	From      string          `json:"from,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Message is implemented by every payload variant. The unexported method closes the set.
type Message interface {
	Event() EventType
	Validate() error
	isMessage()
}

var constructors = map[EventType]func() Message{
	EventRegister:         func() Message { return &Register{} },
	EventCallUser:         func() Message { return &CallUser{} },
	EventAcceptCall:       func() Message { return &AcceptCall{} },
	EventDeclineCall:      func() Message { return &DeclineCall{} },
	EventEndCall:          func() Message { return &EndCall{} },
	EventICECandidate:     func() Message { return &ICECandidate{} },
	EventSDPExchange:      func() Message { return &SDPExchange{} },
	EventMediaStateChange: func() Message { return &MediaStateChange{} },
	EventGetOnlineUsers:   func() Message { return &GetOnlineUsers{} },
	EventCheckUserStatus:  func() Message { return &CheckUserStatus{} },
	EventRegistered:       func() Message { return &Registered{} },
	EventIncomingCall:     func() Message { return &IncomingCall{} },
	EventCallInitiated:    func() Message { return &CallInitiated{} },
	EventCallAccepted:     func() Message { return &CallAccepted{} },
	EventCallDeclined:     func() Message { return &CallDeclined{} },
	EventCallEnded:        func() Message { return &CallEnded{} },
	EventCallError:        func() Message { return &CallError{} },
	EventUserOnline:       func() Message { return &UserOnline{} },
	EventUserOffline:      func() Message { return &UserOffline{} },
	EventOnlineUsers:      func() Message { return &OnlineUsers{} },
	EventUserStatus:       func() Message { return &UserStatus{} },
}

// Encode wraps msg in a frame stamped with the current time.
func Encode(from string, msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode nil message: %w", ErrInvalid)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Event(), err)
	}
	return json.Marshal(Frame{
		Type:      msg.Event(),
		Data:      data,
		From:      from,
		Timestamp: time.Now().UTC(),
	})
}

// Decode parses a frame and its payload, rejecting unknown variants and payloads that
// fail validation.
func Decode(raw []byte) (Frame, Message, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ctor, ok := constructors[frame.Type]
	if !ok {
		return frame, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Type)
	}
	msg := ctor()
	data := frame.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return frame, nil, fmt.Errorf("%w: %s: %v", ErrMalformed, frame.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return frame, nil, err
	}
	return frame, msg, nil
}

func required(event EventType, fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return fmt.Errorf("%w: %s requires %s", ErrInvalid, event, fields[i])
		}
	}
	return nil
}

func requiredBlob(event EventType, name string, blob json.RawMessage) error {
	if len(blob) == 0 || string(blob) == "null" {
		return fmt.Errorf("%w: %s requires %s", ErrInvalid, event, name)
	}
	return nil
}
