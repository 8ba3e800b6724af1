package core

import (
	"context"

	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/webrtc/v4"
)

// LocalTrack is a captured track that can be bound to an RTP sender.
type LocalTrack interface {
	webrtc.TrackLocal
	// MediaKind mirrors Kind() in domain terms.
	MediaKind() domain.MediaKind
	Label() string
	// Stop releases the device. Done is closed afterwards and on external end.
	Stop()
	Done() <-chan struct{}
}

// PCMSource is implemented by raw microphone tracks.
type PCMSource interface {
	SampleRate() int
	// ReadPCM fills buf with mono samples in [-1, 1], paced at capture rate.
	ReadPCM(buf []float32) (int, error)
}

type AudioConstraints struct {
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

type VideoConstraints struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate float64
}

// StreamConstraints selects which kinds GetUserMedia acquires; nil means none.
type StreamConstraints struct {
	Audio *AudioConstraints
	Video *VideoConstraints
}

type DisplayConstraints struct {
	Audio bool
}

type DeviceKind string

const (
	DeviceAudioInput DeviceKind = "audioinput"
	DeviceVideoInput DeviceKind = "videoinput"
	DeviceDisplay    DeviceKind = "display"
)

type DeviceInfo struct {
	ID    string     `json:"deviceId"`
	Kind  DeviceKind `json:"kind"`
	Label string     `json:"label"`
}

type MediaDevices interface {
	GetUserMedia(ctx context.Context, c StreamConstraints) (*MediaStream, error)
	GetDisplayMedia(ctx context.Context, c DisplayConstraints) (*MediaStream, error)
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
}
