package call

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// trackSource is implemented by media whose tracks can be sent over pion.
type trackSource interface {
	Tracks() []webrtc.TrackLocal
}

// PionFactory creates pion peer connections.
type PionFactory struct {
	config   webrtc.Configuration
	settings *webrtc.SettingEngine
	log      *zap.Logger
}

// NewPionFactory configures peer connections with the given STUN/TURN urls.
func NewPionFactory(iceServers []string, logger *zap.Logger) *PionFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionFactory{config: cfg, log: logger}
}

// WithLoopbackCandidates also gathers loopback candidates so that two peers on one
// host can connect without a LAN interface.
func (f *PionFactory) WithLoopbackCandidates() *PionFactory {
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(true)
	f.settings = &se
	return f
}

func (f *PionFactory) newPeerConnection() (*webrtc.PeerConnection, error) {
	if f.settings == nil {
		return webrtc.NewPeerConnection(f.config)
	}
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(*f.settings))
	return api.NewPeerConnection(f.config)
}

func (f *PionFactory) NewPeer(media LocalMedia, events PeerEvents) (PeerConnection, error) {
	pc, err := f.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if src, ok := media.(trackSource); ok {
		for _, track := range src.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			go drainRTCP(sender)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnICECandidate == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			f.log.Warn("encode local candidate", zap.Error(err))
			return
		}
		events.OnICECandidate(raw)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f.log.Debug("peer connection state", zap.String("state", s.String()))
		if events.OnStateChange != nil {
			events.OnStateChange(peerState(s))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if events.OnRemoteTrack != nil {
			events.OnRemoteTrack(track.Kind().String())
		}
		go drainTrack(track)
	})

	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	return json.Marshal(offer)
}

func (p *pionPeer) CreateAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(offer, &remote); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return json.Marshal(answer)
}

func (p *pionPeer) SetAnswer(answer json.RawMessage) error {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(answer, &remote); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return p.pc.SetRemoteDescription(remote)
}

func (p *pionPeer) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func peerState(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerClosed
	default:
		return PeerNew
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
