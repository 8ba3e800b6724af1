package http

import (
	"context"

	"github.com/dkeye/voice-client/internal/app/capability"
	"github.com/dkeye/voice-client/internal/app/media"
	"github.com/dkeye/voice-client/internal/app/orch"
	"github.com/dkeye/voice-client/internal/app/session"
	"github.com/dkeye/voice-client/internal/app/sfu"
	"github.com/dkeye/voice-client/internal/app/transform"
	"github.com/dkeye/voice-client/internal/domain"
)

type SessionView struct {
	SessionID string `json:"sessionId,omitempty"`
	State     string `json:"state"`
}

type ProducerView struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Source string `json:"source"`
	Paused bool   `json:"paused"`
}

type ConsumerView struct {
	ID            string `json:"id"`
	ProducerID    string `json:"producerId"`
	ParticipantID string `json:"participantId,omitempty"`
	Kind          string `json:"kind"`
	Source        string `json:"source,omitempty"`
	Codec         string `json:"codec,omitempty"`
	Dropped       uint64 `json:"dropped"`
}

// Backend is everything the control API drives.
type Backend interface {
	Join(ctx context.Context, sid domain.SessionID) error
	Leave()
	Session() SessionView

	StartVideo(ctx context.Context) (ProducerView, error)
	StopVideo()
	StartAudio(ctx context.Context) (ProducerView, error)
	StopAudio()
	ToggleAudio(ctx context.Context) (media.State, error)
	StartScreen(ctx context.Context, withAudio bool) error
	PublishScreen(ctx context.Context) ([]ProducerView, error)
	StopScreen()
	MediaState() media.State

	Capabilities(ctx context.Context) (capability.Report, error)
	Consumers() []ConsumerView
	TransformStats() transform.Stats
}

// AppBackend binds the control API to the running client.
type AppBackend struct {
	orch     *orch.Orchestrator
	media    *media.Manager
	session  *session.Service
	detector *capability.Detector
}

var _ Backend = (*AppBackend)(nil)

func NewAppBackend(o *orch.Orchestrator, m *media.Manager, s *session.Service, d *capability.Detector) *AppBackend {
	return &AppBackend{orch: o, media: m, session: s, detector: d}
}

func (b *AppBackend) Join(ctx context.Context, sid domain.SessionID) error {
	return b.orch.Connect(ctx, sid)
}

// Leave releases local capture before closing the session.
func (b *AppBackend) Leave() {
	b.media.StopAll()
	b.orch.CloseConnection()
}

func (b *AppBackend) Session() SessionView {
	return SessionView{SessionID: string(b.orch.SessionID()), State: b.orch.State().External().String()}
}

func (b *AppBackend) StartVideo(ctx context.Context) (ProducerView, error) {
	p, err := b.media.StartVideo(ctx)
	if err != nil {
		return ProducerView{}, err
	}
	return producerView(p), nil
}

func (b *AppBackend) StopVideo() { b.media.StopVideo() }

func (b *AppBackend) StartAudio(ctx context.Context) (ProducerView, error) {
	p, err := b.media.StartAudio(ctx)
	if err != nil {
		return ProducerView{}, err
	}
	return producerView(p), nil
}

func (b *AppBackend) StopAudio() { b.media.StopAudio() }

func (b *AppBackend) ToggleAudio(ctx context.Context) (media.State, error) {
	return b.media.ToggleAudio(ctx)
}

func (b *AppBackend) StartScreen(ctx context.Context, withAudio bool) error {
	return b.media.StartScreenShare(ctx, withAudio)
}

func (b *AppBackend) PublishScreen(ctx context.Context) ([]ProducerView, error) {
	ps, err := b.media.PublishScreenShare(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProducerView, 0, len(ps))
	for _, p := range ps {
		out = append(out, producerView(p))
	}
	return out, nil
}

func (b *AppBackend) StopScreen()             { b.media.StopScreenShare() }
func (b *AppBackend) MediaState() media.State { return b.media.State() }

// Capabilities prefers the report of the live session over a fresh probe.
func (b *AppBackend) Capabilities(ctx context.Context) (capability.Report, error) {
	if r := b.session.Report(); r.Mechanism != "" {
		return r, nil
	}
	return b.detector.Detect(ctx)
}

func (b *AppBackend) Consumers() []ConsumerView {
	cs := b.session.Consumers()
	out := make([]ConsumerView, 0, len(cs))
	for _, c := range cs {
		out = append(out, consumerView(c))
	}
	return out
}

func (b *AppBackend) TransformStats() transform.Stats { return b.session.TransformStats() }

func producerView(p *sfu.Producer) ProducerView {
	return ProducerView{
		ID:     string(p.ID()),
		Kind:   string(p.Kind()),
		Source: string(p.Source()),
		Paused: p.Paused(),
	}
}

func consumerView(c *sfu.Consumer) ConsumerView {
	t := c.Track()
	return ConsumerView{
		ID:            string(c.ID()),
		ProducerID:    string(c.ProducerID()),
		ParticipantID: string(c.ParticipantID()),
		Kind:          string(c.Kind()),
		Source:        string(c.AppData().Source),
		Codec:         t.Codec.MimeType,
		Dropped:       t.Dropped(),
	}
}
