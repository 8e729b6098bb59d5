package media

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// StaticSource publishes one Opus audio track and one VP8 video track fed by
// sample writers. Mute and camera toggles gate the writers: a muted source
// keeps its tracks negotiated but stops pushing samples into them, which is
// how a browser's track.enabled flag behaves on the wire.
type StaticSource struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu        sync.Mutex
	muted     bool
	cameraOff bool
	stopped   bool
}

func NewStaticSource() (*StaticSource, error) {
	stream := "cap-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
	if err != nil {
		return nil, fmt.Errorf("media: audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
	if err != nil {
		return nil, fmt.Errorf("media: video track: %w", err)
	}
	return &StaticSource{audio: audio, video: video}, nil
}

func (s *StaticSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

func (s *StaticSource) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *StaticSource) SetCameraOff(off bool) {
	s.mu.Lock()
	s.cameraOff = off
	s.mu.Unlock()
}

// Stop gates both writers permanently. Tracks stay valid so in-flight
// transports can still reference them during teardown.
func (s *StaticSource) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// WriteAudioSample forwards a captured sample unless the source is muted or
// stopped. Gated samples are dropped, not buffered.
func (s *StaticSource) WriteAudioSample(sample pionmedia.Sample) error {
	s.mu.Lock()
	gated := s.muted || s.stopped
	s.mu.Unlock()
	if gated {
		return nil
	}
	return s.audio.WriteSample(sample)
}

// WriteVideoSample forwards a captured frame unless the camera is off or the
// source is stopped.
func (s *StaticSource) WriteVideoSample(sample pionmedia.Sample) error {
	s.mu.Lock()
	gated := s.cameraOff || s.stopped
	s.mu.Unlock()
	if gated {
		return nil
	}
	return s.video.WriteSample(sample)
}
