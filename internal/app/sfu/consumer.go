package sfu

import (
	"sync"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConsumerInfo is what the relay told us about the consumed producer.
type ConsumerInfo struct {
	ProducerID    domain.ProducerID
	ParticipantID domain.ParticipantID
	AppData       domain.AppData
}

// Consumer pumps packets from a receive handle through the decrypt transform into its RemoteTrack.
type Consumer struct {
	handle    core.ConsumerHandle
	info      ConsumerInfo
	transform core.FrameTransform
	track     *RemoteTrack
	logger    zerolog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	pumpDone  chan struct{}
	onEnded   func()
}

func NewConsumer(handle core.ConsumerHandle, info ConsumerInfo, transform core.FrameTransform) *Consumer {
	track := newRemoteTrack()
	track.ConsumerID = handle.ID()
	track.ProducerID = info.ProducerID
	track.ParticipantID = info.ParticipantID
	track.Kind = handle.Kind()
	track.AppData = info.AppData
	if codecs := handle.RtpParameters().Codecs; len(codecs) > 0 {
		track.Codec = codecs[0]
	}
	return &Consumer{
		handle:    handle,
		info:      info,
		transform: transform,
		track:     track,
		pumpDone:  make(chan struct{}),
		logger: log.With().
			Str("module", "sfu").
			Str("consumer", string(handle.ID())).
			Str("producer", string(info.ProducerID)).
			Logger(),
	}
}

func (c *Consumer) ID() domain.ConsumerID               { return c.handle.ID() }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.info.ProducerID }
func (c *Consumer) ParticipantID() domain.ParticipantID { return c.info.ParticipantID }
func (c *Consumer) Kind() domain.MediaKind              { return c.handle.Kind() }
func (c *Consumer) AppData() domain.AppData             { return c.info.AppData }
func (c *Consumer) Track() *RemoteTrack                 { return c.track }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.handle.RtpParameters() }
func (c *Consumer) RequestKeyFrame() error              { return c.handle.RequestKeyFrame() }

// OnEnded runs once when the pump stops because the receive side ended. Set before Start.
func (c *Consumer) OnEnded(fn func()) { c.onEnded = fn }

func (c *Consumer) Start() {
	c.startOnce.Do(func() {
		c.logger.Info().Msg("starting consumer pump")
		go c.loop()
	})
}

// loop reads RTP packets from the receive handle and forwards them to the remote track.
func (c *Consumer) loop() {
	defer close(c.pumpDone)
	for {
		pkt, err := c.handle.ReadRTP()
		if err != nil {
			select {
			case <-c.track.done:
				c.logger.Debug().Msg("consumer pump stopped")
			default:
				c.logger.Info().Err(err).Msg("consumer read RTP error, ending track")
				c.track.end()
				if c.onEnded != nil {
					c.onEnded()
				}
			}
			return
		}
		c.forward(pkt)
	}
}

func (c *Consumer) forward(pkt *rtp.Packet) {
	if c.transform == nil {
		c.track.push(pkt)
		return
	}
	hdr := pkt.Header
	_ = c.transform.Submit(core.EncodedFrame{PayloadType: hdr.PayloadType, Payload: pkt.Payload}, func(out []byte, err error) {
		if err != nil {
			return
		}
		c.track.push(&rtp.Packet{Header: hdr, Payload: out})
	})
}

// Close ends the track and releases the receive handle. Idempotent.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.track.end()
		err = c.handle.Close()
		c.logger.Info().Msg("consumer closed")
	})
	return err
}

// Wait blocks until the pump returned. A consumer that was never started cannot start afterwards.
func (c *Consumer) Wait() {
	c.startOnce.Do(func() { close(c.pumpDone) })
	<-c.pumpDone
}
