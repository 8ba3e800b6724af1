package audio

import (
	"sync"

	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// PCMUClockRate is the only rate the encoded graph output uses.
const PCMUClockRate = 8000

// SampleTrack is a local PCMU track fed sample by sample.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample
	label string

	// the graph and the silence keep-alive both write; the packetizer is not safe for that
	wmu sync.Mutex

	once sync.Once
	done chan struct{}
}

func NewSampleTrack(id, streamID, label string) (*SampleTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypePCMU,
		ClockRate: PCMUClockRate,
		Channels:  1,
	}, id, streamID)
	if err != nil {
		return nil, err
	}
	return &SampleTrack{TrackLocalStaticSample: t, label: label, done: make(chan struct{})}, nil
}

func (t *SampleTrack) WriteSample(s media.Sample) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.TrackLocalStaticSample.WriteSample(s)
}

func (t *SampleTrack) MediaKind() domain.MediaKind { return domain.KindAudio }
func (t *SampleTrack) Label() string               { return t.label }
func (t *SampleTrack) Done() <-chan struct{}       { return t.done }

func (t *SampleTrack) Stop() {
	t.once.Do(func() { close(t.done) })
}

func (t *SampleTrack) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
