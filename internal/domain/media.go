package domain

import "fmt"

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Source tells remote peers what a published track is.
type Source string

const (
	SourceCamera      Source = "camera"
	SourceMicrophone  Source = "microphone"
	SourceScreenVideo Source = "screen-video"
	SourceScreenAudio Source = "screen-audio"
)

// Kind returns the only media kind a source may carry.
func (s Source) Kind() (MediaKind, bool) {
	switch s {
	case SourceCamera, SourceScreenVideo:
		return KindVideo, true
	case SourceMicrophone, SourceScreenAudio:
		return KindAudio, true
	}
	return "", false
}

// ProducerKey identifies the single producer slot for a kind and source.
type ProducerKey struct {
	Kind   MediaKind
	Source Source
}

func (k ProducerKey) String() string { return string(k.Kind) + "/" + string(k.Source) }

// AppData is the tag attached to every producer so remote peers can classify it.
type AppData struct {
	Source Source    `json:"source"`
	Kind   MediaKind `json:"mediaKind"`
	Shared bool      `json:"shared"`
}

// NewAppData builds the tag for a locally produced track.
func NewAppData(kind MediaKind, source Source) (AppData, error) {
	ad := AppData{Source: source, Kind: kind, Shared: true}
	if err := ad.Validate(); err != nil {
		return AppData{}, err
	}
	return ad, nil
}

func (a AppData) Validate() error {
	want, ok := a.Source.Kind()
	if !ok {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidAppData, a.Source)
	}
	if a.Kind != want {
		return fmt.Errorf("%w: source %q cannot carry %q", ErrInvalidAppData, a.Source, a.Kind)
	}
	return nil
}

func (a AppData) Key() ProducerKey { return ProducerKey{Kind: a.Kind, Source: a.Source} }
