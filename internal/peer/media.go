package peer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// MediaKind selects which tracks a stream carries
type MediaKind int

const (
	MediaAudio MediaKind = 1 << iota
	MediaVideo

	MediaAudioVideo = MediaAudio | MediaVideo
)

// Stream is local media acquired from a MediaSource. Stop releases it and
// must only be called by the component that acquired it.
type Stream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	Stop()
	Stopped() bool
}

// MediaSource hands out local media streams. Capture devices live outside
// this module; the caller supplies the source.
type MediaSource interface {
	Acquire(ctx context.Context, kind MediaKind) (Stream, error)
}

// SampleSource produces streams of static sample tracks (Opus audio, VP8
// video) that an encoder pipeline can write into.
type SampleSource struct{}

func (SampleSource) Acquire(ctx context.Context, kind MediaKind) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if kind&MediaAudioVideo == 0 {
		return nil, ErrMediaUnavailable
	}

	id := uuid.NewString()
	s := &sampleStream{id: id}
	if kind&MediaAudio != 0 {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", id)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, track)
	}
	if kind&MediaVideo != 0 {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", id)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, track)
	}
	return s, nil
}

type sampleStream struct {
	id     string
	tracks []webrtc.TrackLocal

	mu      sync.Mutex
	stopped bool
}

func (s *sampleStream) ID() string { return s.id }

func (s *sampleStream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	out := make([]webrtc.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *sampleStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *sampleStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
