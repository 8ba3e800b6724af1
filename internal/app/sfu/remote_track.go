package sfu

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/rtp"
)

const remoteTrackBuffer = 256

// RemoteTrack is the playable output of a consumer: decrypted packets in arrival order.
type RemoteTrack struct {
	ConsumerID    domain.ConsumerID
	ProducerID    domain.ProducerID
	ParticipantID domain.ParticipantID
	Kind          domain.MediaKind
	AppData       domain.AppData
	Codec         domain.RtpCodecParameters

	packets chan *rtp.Packet
	dropped atomic.Uint64

	once sync.Once
	done chan struct{}
}

func newRemoteTrack() *RemoteTrack {
	return &RemoteTrack{
		packets: make(chan *rtp.Packet, remoteTrackBuffer),
		done:    make(chan struct{}),
	}
}

// ReadRTP blocks for the next packet; io.EOF once the track ended.
func (t *RemoteTrack) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	select {
	case pkt := <-t.packets:
		return pkt, nil
	case <-t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *RemoteTrack) Done() <-chan struct{} { return t.done }

// Dropped counts packets lost because nobody was reading.
func (t *RemoteTrack) Dropped() uint64 { return t.dropped.Load() }

func (t *RemoteTrack) push(pkt *rtp.Packet) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.packets <- pkt:
	default:
		t.dropped.Add(1)
	}
}

func (t *RemoteTrack) end() {
	t.once.Do(func() { close(t.done) })
}
