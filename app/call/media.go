package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaDevice acquires the local audio capture for a call. Implementations
// wrap whatever capture backend the host platform provides; tests inject
// fakes.
type MediaDevice interface {
	AcquireAudio(ctx context.Context) (*MediaStream, error)
}

// MediaStream is a live local audio track plus its enabled flag. Disabling
// mutes the track without releasing the device.
type MediaStream struct {
	track webrtc.TrackLocal
	stop  func()

	mu      sync.Mutex
	enabled bool
}

func NewMediaStream(track webrtc.TrackLocal, stop func()) *MediaStream {
	return &MediaStream{
		track:   track,
		stop:    stop,
		enabled: true,
	}
}

func (ms *MediaStream) Track() webrtc.TrackLocal {
	return ms.track
}

func (ms *MediaStream) SetEnabled(enabled bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.enabled = enabled
}

func (ms *MediaStream) Enabled() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.enabled
}

// Stop releases the underlying capture. Safe to call more than once.
func (ms *MediaStream) Stop() {
	ms.mu.Lock()
	stop := ms.stop
	ms.stop = nil
	ms.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// =============================================================================

// SilentMedia provides a valid Opus track that carries no samples. It
// stands in when no capture backend is wired up, keeping negotiation and
// the rest of the call path functional.
type SilentMedia struct{}

func (SilentMedia) AcquireAudio(ctx context.Context) (*MediaStream, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "microphone",
	)
	if err != nil {
		return nil, err
	}

	return NewMediaStream(track, func() {}), nil
}
