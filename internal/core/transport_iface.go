package core

import (
	"context"

	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportFailed       TransportState = "failed"
	TransportDisconnected TransportState = "disconnected"
	TransportClosed       TransportState = "closed"
)

type ProduceRequest struct {
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	AppData       domain.AppData
}

// TransportHooks round-trip transport negotiation through signaling.
// OnConnect fires once, before the first produce or consume.
type TransportHooks struct {
	OnConnect     func(ctx context.Context, dtls domain.DtlsParameters) error
	OnProduce     func(ctx context.Context, req ProduceRequest) (domain.ProducerID, error)
	OnStateChange func(TransportState)
}

type Transport interface {
	ID() string
	Direction() domain.TransportDirection
	State() TransportState
	// SessionDescription renders the negotiated streams as SDP.
	SessionDescription() string
	Close()
	Closed() bool
}

type SendTransport interface {
	Transport
	Produce(ctx context.Context, track webrtc.TrackLocal, appData domain.AppData) (ProducerHandle, error)
}

type ConsumeRequest struct {
	ID            domain.ConsumerID
	ProducerID    domain.ProducerID
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
}

type RecvTransport interface {
	Transport
	Consume(ctx context.Context, req ConsumeRequest) (ConsumerHandle, error)
}

type ProducerHandle interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	ReplaceTrack(webrtc.TrackLocal) error
	Close() error
}

type ConsumerHandle interface {
	ID() domain.ConsumerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	ReadRTP() (*rtp.Packet, error)
	RequestKeyFrame() error
	Close() error
}

type TransportFactory interface {
	// LocalCapabilities lists what this device can encode and decode.
	LocalCapabilities() domain.RtpCapabilities
	NewSendTransport(ctx context.Context, opts domain.TransportOptions, caps domain.RtpCapabilities, hooks TransportHooks) (SendTransport, error)
	NewRecvTransport(ctx context.Context, opts domain.TransportOptions, caps domain.RtpCapabilities, hooks TransportHooks) (RecvTransport, error)
}
