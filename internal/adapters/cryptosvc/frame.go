package cryptosvc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dkeye/voice-client/internal/domain"
)

// Frame types. A frame is type(u8) + length(u32 LE) + body.
const (
	typeHello byte = iota + 1
	typeHelloAck
	typeEncrypt
	typeDecrypt
	typeResult
	typeError
)

const (
	headerLen = 5
	// request id (u32 LE) + codec kind (u8)
	requestHeaderLen = 5
	maxFrameLen      = 1 << 20
)

var (
	ErrProtocol = errors.New("cryptosvc: protocol error")
	// ErrRemote wraps error frames sent by the service.
	ErrRemote = errors.New("cryptosvc: service error")
)

func writeFrame(w io.Writer, typ byte, body []byte) error {
	if len(body) > maxFrameLen {
		return fmt.Errorf("%w: frame of %d bytes", ErrProtocol, len(body))
	}
	buf := make([]byte, headerLen+len(body))
	buf[0] = typ
	binary.LittleEndian.PutUint32(buf[1:headerLen], uint32(len(body)))
	copy(buf[headerLen:], body)
	_, err := w.Write(buf)
	return err
}

func readFrame(r *bufio.Reader) (byte, []byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > maxFrameLen {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes", ErrProtocol, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return hdr[0], body, nil
}

// message is the body of encrypt, decrypt, result and error frames.
type message struct {
	id      uint32
	codec   domain.CodecKind
	payload []byte
}

func (m message) marshal() []byte {
	b := make([]byte, requestHeaderLen+len(m.payload))
	binary.LittleEndian.PutUint32(b, m.id)
	b[4] = byte(m.codec)
	copy(b[requestHeaderLen:], m.payload)
	return b
}

func parseMessage(body []byte) (message, error) {
	if len(body) < requestHeaderLen {
		return message{}, fmt.Errorf("%w: short message body", ErrProtocol)
	}
	return message{
		id:      binary.LittleEndian.Uint32(body),
		codec:   domain.CodecKind(body[4]),
		payload: body[requestHeaderLen:],
	}, nil
}
