package peer

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrame = 20 * time.Millisecond

// LocalStream is the local camera/microphone stream shared read-only by every
// connection. Only the owner toggles whether tracks are enabled.
type LocalStream struct {
	ID    string
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu           sync.RWMutex
	audioEnabled bool
	videoEnabled bool
}

// NewLocalStream creates Opus audio and VP8 video sample tracks under streamID.
func NewLocalStream(streamID string) (*LocalStream, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", streamID)
	if err != nil {
		return nil, err
	}
	return &LocalStream{ID: streamID, audio: audio, video: video, audioEnabled: true, videoEnabled: true}, nil
}

// Tracks returns the tracks to attach to a peer connection.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

// SetAudioEnabled mutes or unmutes the microphone track.
func (s *LocalStream) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	s.audioEnabled = enabled
	s.mu.Unlock()
}

// SetVideoEnabled turns the camera track on or off.
func (s *LocalStream) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	s.videoEnabled = enabled
	s.mu.Unlock()
}

// AudioEnabled reports whether audio samples are forwarded.
func (s *LocalStream) AudioEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioEnabled
}

// VideoEnabled reports whether video samples are forwarded.
func (s *LocalStream) VideoEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoEnabled
}

// WriteAudio forwards an audio sample unless audio is disabled.
func (s *LocalStream) WriteAudio(sample media.Sample) error {
	if !s.AudioEnabled() {
		return nil
	}
	return s.audio.WriteSample(sample)
}

// WriteVideo forwards a video sample unless video is disabled.
func (s *LocalStream) WriteVideo(sample media.Sample) error {
	if !s.VideoEnabled() {
		return nil
	}
	return s.video.WriteSample(sample)
}

// PumpSilence writes Opus silence until ctx is done so remote peers receive an
// audio track even without a capture device.
func (s *LocalStream) PumpSilence(ctx context.Context) error {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.WriteAudio(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
				return err
			}
		}
	}
}
