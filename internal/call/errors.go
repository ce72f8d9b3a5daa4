package call

import (
	"context"
	"errors"

	"github.com/pairline/relay/internal/crypto"
)

var (
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")
	ErrNegotiationFailed      = errors.New("call negotiation failed")
	ErrCallInProgress         = errors.New("a call is already in progress")
	ErrNoIncomingCall         = errors.New("no matching incoming call")
	ErrNoActiveCall           = errors.New("no active call")
	ErrNoVideo                = errors.New("call has no video track")
	ErrCancelled              = errors.New("call attempt cancelled")
	ErrCallDeclined           = errors.New("call declined")
	ErrInvalidCallType        = errors.New("invalid call type")
	ErrSignalingClosed        = errors.New("signaling connection closed")
)

// RemoteError is a call_error reported by the relay.
type RemoteError struct {
	Code    string
	Message string
	RoomID  string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "relay error: " + e.Code
	}
	return e.Message
}

// UserMessage maps an error to a short message suitable for display.
func UserMessage(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &remote):
		switch remote.Code {
		case "user_offline":
			return "User not found or offline"
		case "user_busy":
			return "User is busy"
		case "room_not_found":
			return "Room not found"
		case "invalid_transition":
			return "The call is no longer ringing"
		case "not_participant":
			return "You are not part of this call"
		case "self_call":
			return "You cannot call yourself"
		case "unauthorized", "not_registered":
			return "You are not signed in to the call service"
		default:
			return "The call could not be completed"
		}
	case errors.Is(err, ErrMediaAcquisitionFailed):
		return "Could not access the microphone or camera"
	case errors.Is(err, ErrNegotiationFailed):
		return "Could not connect the call"
	case errors.Is(err, ErrCallInProgress):
		return "A call is already in progress"
	case errors.Is(err, ErrCallDeclined):
		return "Call declined"
	case errors.Is(err, ErrNoIncomingCall):
		return "There is no call to answer"
	case errors.Is(err, ErrNoVideo):
		return "This call has no camera"
	case errors.Is(err, ErrSignalingClosed):
		return "Lost connection to the call service"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "Call cancelled"
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return "message could not be decrypted"
	default:
		return "Something went wrong"
	}
}
