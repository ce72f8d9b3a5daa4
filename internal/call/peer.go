package call

import (
	"context"
	"encoding/json"

	"github.com/pairline/relay/internal/protocol"
)

// Signaler carries protocol messages to the relay.
type Signaler interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// LocalMedia is the set of local tracks captured for one call.
type LocalMedia interface {
	HasVideo() bool
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	// SwitchCamera flips between front and back cameras and returns the new facing.
	SwitchCamera() (string, error)
	Close() error
}

// MediaDevice acquires local media for a call type.
type MediaDevice interface {
	Acquire(ctx context.Context, callType protocol.CallType) (LocalMedia, error)
}

// PeerState is the connectivity of a peer connection.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

// PeerEvents are invoked from the peer connection's own goroutines.
type PeerEvents struct {
	OnICECandidate func(candidate json.RawMessage)
	OnStateChange  func(state PeerState)
	OnRemoteTrack  func(kind string)
}

// PeerConnection negotiates media with the remote side. Descriptions and candidates are
// opaque JSON blobs as carried by the relay.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// CreateAnswer applies the remote offer and returns the local answer.
	CreateAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	SetAnswer(answer json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	Close() error
}

// PeerFactory creates peer connections carrying media.
type PeerFactory interface {
	NewPeer(media LocalMedia, events PeerEvents) (PeerConnection, error)
}

// sessionDescription is the {type, sdp} object inside offer and answer blobs.
type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}
