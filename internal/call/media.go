package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/pairline/relay/internal/protocol"
)

const (
	FacingUser        = "user"
	FacingEnvironment = "environment"

	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond
)

var (
	// opus silence frame
	silentOpus = []byte{0xf8, 0xff, 0xfe}
	blankVP8   = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
)

// SyntheticDevice produces generated tracks instead of capturing hardware. It backs the
// command line client, which has no microphone or camera.
type SyntheticDevice struct{}

func (SyntheticDevice) Acquire(ctx context.Context, callType protocol.CallType) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := NewSyntheticMedia(callType == protocol.CallVideo)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SyntheticMedia writes silent audio and blank video frames while enabled.
type SyntheticMedia struct {
	audio   *webrtc.TrackLocalStaticSample
	video   *webrtc.TrackLocalStaticSample
	audioOn atomic.Bool
	videoOn atomic.Bool
	facing  string
	mu      sync.Mutex
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewSyntheticMedia(withVideo bool) (*SyntheticMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "pairline")
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	m := &SyntheticMedia{audio: audio, facing: FacingUser, stop: make(chan struct{})}
	m.audioOn.Store(true)

	if withVideo {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "pairline")
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		m.video = video
		m.videoOn.Store(true)
		m.wg.Add(1)
		go m.pump(video, &m.videoOn, blankVP8, videoFrame)
	}
	m.wg.Add(1)
	go m.pump(audio, &m.audioOn, silentOpus, audioFrame)
	return m, nil
}

func (m *SyntheticMedia) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{m.audio}
	if m.video != nil {
		tracks = append(tracks, m.video)
	}
	return tracks
}

func (m *SyntheticMedia) HasVideo() bool { return m.video != nil }

func (m *SyntheticMedia) SetAudioEnabled(enabled bool) { m.audioOn.Store(enabled) }

func (m *SyntheticMedia) SetVideoEnabled(enabled bool) {
	if m.video != nil {
		m.videoOn.Store(enabled)
	}
}

func (m *SyntheticMedia) SwitchCamera() (string, error) {
	if m.video == nil {
		return "", ErrNoVideo
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.facing == FacingUser {
		m.facing = FacingEnvironment
	} else {
		m.facing = FacingUser
	}
	return m.facing, nil
}

func (m *SyntheticMedia) Close() error {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
	return nil
}

func (m *SyntheticMedia) pump(track *webrtc.TrackLocalStaticSample, enabled *atomic.Bool, frame []byte, every time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if !enabled.Load() {
				continue
			}
			// an unbound track drops samples; errors only mean the peer went away
			_ = track.WriteSample(media.Sample{Data: frame, Duration: every})
		}
	}
}
