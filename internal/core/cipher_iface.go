package core

//go:generate mockgen -source=cipher_iface.go -destination=mocks/cipher_mock.go -package=mocks

import (
	"context"
	"strings"

	"github.com/dkeye/voice-client/internal/domain"
)

// CipherModes is the set of transform mechanisms the encryption service accepts.
type CipherModes uint8

const (
	// ModeScript is one dedicated channel per direction.
	ModeScript CipherModes = 1 << iota
	// ModeStreams is one channel shared by both directions.
	ModeStreams
)

func (m CipherModes) Has(o CipherModes) bool { return m&o == o }

func (m CipherModes) String() string {
	var parts []string
	if m.Has(ModeScript) {
		parts = append(parts, "script")
	}
	if m.Has(ModeStreams) {
		parts = append(parts, "streams")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Cipher is one channel to the external encryption service.
// Implementations must be safe for concurrent use.
type Cipher interface {
	Encrypt(ctx context.Context, payload []byte, codec domain.CodecKind) ([]byte, error)
	Decrypt(ctx context.Context, payload []byte, codec domain.CodecKind) ([]byte, error)
	Close() error
}

type CipherService interface {
	Probe(ctx context.Context) (CipherModes, error)
	Open(ctx context.Context) (Cipher, error)
}

// EncodedFrame is one RTP payload travelling through a transform.
type EncodedFrame struct {
	PayloadType uint8
	Payload     []byte
}

// FrameTransform processes frames off the media path.
type FrameTransform interface {
	// Submit never blocks. done runs at most once, on another goroutine.
	Submit(f EncodedFrame, done func([]byte, error)) error
}
