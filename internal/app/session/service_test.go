package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/voice-client/internal/app/sfu"
	"github.com/dkeye/voice-client/internal/app/transform"
	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/core/mocks"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var (
	routerCaps = domain.RtpCapabilities{
		Codecs: []domain.RtpCodecCapability{
			{Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2},
			{Kind: domain.KindAudio, MimeType: "audio/PCMU", PreferredPayloadType: 0, ClockRate: 8000},
			{Kind: domain.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 101, ClockRate: 90000},
			{Kind: domain.KindVideo, MimeType: "video/rtx", PreferredPayloadType: 102, ClockRate: 90000, Parameters: map[string]any{"apt": float64(101)}},
			{Kind: domain.KindVideo, MimeType: "video/H264", PreferredPayloadType: 103, ClockRate: 90000},
			{Kind: domain.KindVideo, MimeType: "video/rtx", PreferredPayloadType: 104, ClockRate: 90000, Parameters: map[string]any{"apt": float64(103)}},
		},
		HeaderExtensions: []domain.RtpHeaderExtension{
			{Kind: domain.KindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
			{Kind: domain.KindVideo, URI: "urn:3gpp:video-orientation", PreferredID: 4},
		},
	}
	localCaps = domain.RtpCapabilities{
		Codecs: []domain.RtpCodecCapability{
			{Kind: domain.KindAudio, MimeType: "audio/PCMU", ClockRate: 8000, Channels: 1},
			{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
			{Kind: domain.KindVideo, MimeType: "video/rtx", ClockRate: 90000},
		},
		HeaderExtensions: []domain.RtpHeaderExtension{
			{URI: "urn:ietf:params:rtp-hdrext:sdes:mid"},
		},
	}
)

func newTestService(t *testing.T, opts Options, cipher core.CipherService) (*Service, *fakeFactory, *fakeRequester) {
	t.Helper()
	f := &fakeFactory{local: localCaps}
	req := &fakeRequester{log: &eventLog{}}
	s := NewService(f, cipher, nil, opts)
	require.NoError(t, s.InitializeCapabilities(routerCaps))
	require.NoError(t, s.CreateTransports(context.Background(),
		domain.TransportOptions{ID: "send-1"}, domain.TransportOptions{ID: "recv-1"}, req))
	t.Cleanup(s.Cleanup)
	return s, f, req
}

func TestInitializeCapabilities(t *testing.T) {
	s := NewService(&fakeFactory{local: localCaps}, nil, nil, Options{})
	require.NoError(t, s.InitializeCapabilities(routerCaps))

	caps, ok := s.Capabilities()
	require.True(t, ok)
	var mimes []string
	for _, c := range caps.Codecs {
		mimes = append(mimes, c.MimeType)
	}
	assert.Equal(t, []string{"audio/PCMU", "video/VP8", "video/rtx"}, mimes)
	require.Len(t, caps.HeaderExtensions, 1)
	assert.Equal(t, "urn:ietf:params:rtp-hdrext:sdes:mid", caps.HeaderExtensions[0].URI)

	assert.ErrorIs(t, s.InitializeCapabilities(routerCaps), domain.ErrCapabilitiesInitialized)
}

func TestInitializeCapabilitiesNoOverlap(t *testing.T) {
	s := NewService(&fakeFactory{local: domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
		{Kind: domain.KindVideo, MimeType: "video/AV1", ClockRate: 90000},
	}}}, nil, nil, Options{})
	assert.ErrorIs(t, s.InitializeCapabilities(routerCaps), ErrNoCommonCodec)
	_, ok := s.Capabilities()
	assert.False(t, ok)
}

func TestCreateTransportsRequiresCapabilities(t *testing.T) {
	s := NewService(&fakeFactory{local: localCaps}, nil, nil, Options{})
	err := s.CreateTransports(context.Background(), domain.TransportOptions{}, domain.TransportOptions{}, &fakeRequester{log: &eventLog{}})
	assert.ErrorIs(t, err, domain.ErrCapabilitiesMissing)
}

func TestCreateTransportsTwice(t *testing.T) {
	s, _, req := newTestService(t, Options{}, nil)
	err := s.CreateTransports(context.Background(), domain.TransportOptions{}, domain.TransportOptions{}, req)
	assert.ErrorIs(t, err, domain.ErrTransportsExist)
	assert.Equal(t, transform.MechanismNone, s.TransformStats().Mechanism)
}

func TestCreateProducerUniqueness(t *testing.T) {
	s, _, req := newTestService(t, Options{}, nil)
	track := newCaptureTrack(domain.KindVideo)

	first, err := s.CreateProducer(context.Background(), track, domain.SourceCamera)
	require.NoError(t, err)
	assert.Equal(t, domain.ProducerID("p1"), first.ID())
	assert.True(t, first.AppData().Shared)

	second, err := s.CreateProducer(context.Background(), newCaptureTrack(domain.KindVideo), domain.SourceCamera)
	assert.ErrorIs(t, err, domain.ErrProducerExists)
	assert.Same(t, first, second)

	assert.Equal(t, []string{
		"request ConnectProducerTransport -> ConnectedProducerTransport",
		"request Produce -> Produced",
	}, req.log.all())
	assert.Equal(t, domain.CodecVP8, s.CodecMapping().Lookup(100))
}

func TestCleanupDuringProduceClosesProducer(t *testing.T) {
	s, f, req := newTestService(t, Options{}, nil)
	req.entered = make(chan struct{})
	req.gate = make(chan struct{})

	type result struct {
		p   *sfu.Producer
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := s.CreateProducer(context.Background(), newCaptureTrack(domain.KindAudio), domain.SourceMicrophone)
		done <- result{p, err}
	}()

	<-req.entered
	s.Cleanup()
	close(req.gate)

	res := <-done
	require.ErrorIs(t, res.err, domain.ErrTransportMissing)
	assert.Nil(t, res.p)
	assert.Empty(t, s.Producers())
	send := f.send
	send.mu.Lock()
	defer send.mu.Unlock()
	require.Len(t, send.produced, 1)
	assert.True(t, send.produced[0].isClosed())
}

func TestCreateProducerWithoutTransportLogs(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	s := NewService(&fakeFactory{local: localCaps}, nil, nil, Options{})
	p, err := s.CreateProducer(context.Background(), newCaptureTrack(domain.KindVideo), domain.SourceCamera)
	require.ErrorIs(t, err, domain.ErrTransportMissing)
	assert.Nil(t, p)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "no send transport")
}

func TestCreateProducerRejectsMismatchedSource(t *testing.T) {
	s, _, _ := newTestService(t, Options{}, nil)
	_, err := s.CreateProducer(context.Background(), newCaptureTrack(domain.KindAudio), domain.SourceCamera)
	assert.ErrorIs(t, err, domain.ErrInvalidAppData)
	assert.Empty(t, s.Producers())
}

func TestProducerClosedWhenTrackEnds(t *testing.T) {
	s, _, _ := newTestService(t, Options{}, nil)
	track := newCaptureTrack(domain.KindAudio)
	p, err := s.CreateProducer(context.Background(), track, domain.SourceMicrophone)
	require.NoError(t, err)

	track.Stop()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("producer not closed after track end")
	}
	require.Eventually(t, func() bool {
		_, ok := s.Producer(domain.KindAudio, domain.SourceMicrophone)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestRequireEncryptionRefusesPlainProducer(t *testing.T) {
	s, _, req := newTestService(t, Options{RequireEncryption: true}, nil)
	_, err := s.CreateProducer(context.Background(), newCaptureTrack(domain.KindVideo), domain.SourceCamera)
	assert.ErrorIs(t, err, domain.ErrUnencryptedRefused)
	assert.Empty(t, req.log.all())
}

func TestCreateConsumerOrder(t *testing.T) {
	s, f, req := newTestService(t, Options{}, nil)

	consumed := core.ConsumedPayload{
		ID:            "c1",
		ProducerID:    "rp1",
		ParticipantID: "bob",
		Kind:          domain.KindAudio,
		RtpParameters: domain.RtpParameters{Codecs: []domain.RtpCodecParameters{{MimeType: "audio/PCMU", PayloadType: 0, ClockRate: 8000}}},
		AppData:       domain.AppData{Source: domain.SourceMicrophone, Kind: domain.KindAudio, Shared: true},
	}
	var added *sfu.RemoteTrack
	c, err := s.CreateConsumer(context.Background(), consumed, func(tr *sfu.RemoteTrack, cid domain.ConsumerID, pid domain.ProducerID) {
		req.log.add("track added %s %s", cid, pid)
		added = tr
	})
	require.NoError(t, err)
	require.NotNil(t, added)
	assert.Equal(t, domain.ParticipantID("bob"), added.ParticipantID)
	assert.Same(t, c.Track(), added)

	assert.Equal(t, []string{
		"request ConnectConsumerTransport -> ConnectedConsumerTransport",
		"track added c1 rp1",
		"send ConsumerResume",
	}, req.log.all())

	f.recv.handles[0].packets <- &rtp.Packet{Header: rtp.Header{PayloadType: 0}, Payload: []byte{0xff}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pkt, err := added.ReadRTP(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff}, pkt.Payload)

	var removed []domain.ConsumerID
	n := s.RemoveConsumersOfProducer("rp1", func(cid domain.ConsumerID, _ domain.ProducerID) {
		removed = append(removed, cid)
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, []domain.ConsumerID{"c1"}, removed)
	assert.False(t, s.RemoveConsumer("c1", nil))
}

func TestCreateConsumerFailureLeavesState(t *testing.T) {
	f := &fakeFactory{local: localCaps, consumeErr: errors.New("boom")}
	req := &fakeRequester{log: &eventLog{}}
	s := NewService(f, nil, nil, Options{})
	require.NoError(t, s.InitializeCapabilities(routerCaps))
	require.NoError(t, s.CreateTransports(context.Background(), domain.TransportOptions{}, domain.TransportOptions{}, req))
	defer s.Cleanup()

	called := false
	_, err := s.CreateConsumer(context.Background(), core.ConsumedPayload{ID: "c1", ProducerID: "rp"}, func(*sfu.RemoteTrack, domain.ConsumerID, domain.ProducerID) {
		called = true
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Empty(t, s.Consumers())
	assert.Empty(t, req.log.all())
}

func TestConsumerEndedNotifies(t *testing.T) {
	s, f, _ := newTestService(t, Options{}, nil)
	ended := make(chan domain.ConsumerID, 1)
	s.OnTrackEnded(func(cid domain.ConsumerID, _ domain.ProducerID) { ended <- cid })

	_, err := s.CreateConsumer(context.Background(), core.ConsumedPayload{ID: "c9", ProducerID: "rp", Kind: domain.KindVideo}, nil)
	require.NoError(t, err)
	close(f.recv.handles[0].packets)

	select {
	case cid := <-ended:
		assert.Equal(t, domain.ConsumerID("c9"), cid)
	case <-time.After(time.Second):
		t.Fatal("track end not reported")
	}
	assert.Empty(t, s.Consumers())
}

func TestCleanupWithOutstandingTransforms(t *testing.T) {
	ctrl := gomock.NewController(t)
	cipher := &blockingCipher{release: make(chan struct{}), calls: make(chan struct{}, 8)}
	svc := mocks.NewMockCipherService(ctrl)
	svc.EXPECT().Probe(gomock.Any()).Return(core.ModeScript, nil)
	svc.EXPECT().Open(gomock.Any()).Return(cipher, nil).Times(2)

	f := &fakeFactory{local: localCaps}
	s := NewService(f, svc, nil, Options{Transform: transform.Options{CallTimeout: time.Minute}})
	require.NoError(t, s.InitializeCapabilities(routerCaps))
	require.NoError(t, s.CreateTransports(context.Background(), domain.TransportOptions{}, domain.TransportOptions{}, &fakeRequester{log: &eventLog{}}))
	assert.Equal(t, transform.MechanismScript, s.Report().Mechanism)

	c, err := s.CreateConsumer(context.Background(), core.ConsumedPayload{ID: "c1", ProducerID: "rp", Kind: domain.KindAudio}, nil)
	require.NoError(t, err)
	for range 3 {
		f.recv.handles[0].packets <- &rtp.Packet{Payload: []byte{1, 2, 3}}
	}
	select {
	case <-cipher.calls:
	case <-time.After(time.Second):
		t.Fatal("no transform in flight")
	}

	done := make(chan struct{})
	go func() {
		s.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup blocked on in-flight transforms")
	}
	close(cipher.release)

	<-c.Track().Done()
	assert.True(t, f.send.Closed())
	assert.True(t, f.recv.Closed())
	_, ok := s.Capabilities()
	assert.False(t, ok)
	assert.Empty(t, s.Consumers())
	assert.Equal(t, transform.MechanismNone, s.TransformStats().Mechanism)
}
