package cryptosvc

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ 0x5a
	}
	return out
}

// fakeService answers on conn the way the encryption service does.
// Payloads starting with "slow" are answered late, "fail" gets an error frame.
func fakeService(conn net.Conn, modes core.CipherModes, hold <-chan struct{}) {
	defer conn.Close()
	var wmu sync.Mutex
	send := func(typ byte, body []byte) {
		wmu.Lock()
		defer wmu.Unlock()
		_ = writeFrame(conn, typ, body)
	}
	r := bufio.NewReader(conn)
	for {
		typ, body, err := readFrame(r)
		if err != nil {
			return
		}
		switch typ {
		case typeHello:
			send(typeHelloAck, []byte{byte(modes)})
		case typeEncrypt, typeDecrypt:
			m, err := parseMessage(body)
			if err != nil {
				return
			}
			go func() {
				switch {
				case bytes.HasPrefix(m.payload, []byte("slow")):
					time.Sleep(30 * time.Millisecond)
				case bytes.HasPrefix(m.payload, []byte("hold")):
					<-hold
				case bytes.HasPrefix(m.payload, []byte("fail")):
					send(typeError, message{id: m.id, codec: m.codec, payload: []byte("bad key")}.marshal())
					return
				}
				send(typeResult, message{id: m.id, codec: m.codec, payload: xor(m.payload)}.marshal())
			}()
		}
	}
}

func pipeClient(t *testing.T, modes core.CipherModes, hold <-chan struct{}) *Client {
	t.Helper()
	c := New(Options{Network: "pipe"})
	c.dial = func(context.Context) (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go fakeService(server, modes, hold)
		return client, nil
	}
	return c
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := message{id: 7, codec: domain.CodecVP8, payload: []byte("frame")}
	require.NoError(t, writeFrame(&buf, typeEncrypt, in.marshal()))

	typ, body, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, typeEncrypt, typ)
	out, err := parseMessage(body)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{typeResult, 0xff, 0xff, 0xff, 0x7f})
	_, _, err := readFrame(bufio.NewReader(&buf))
	require.ErrorIs(t, err, ErrProtocol)

	_, err = parseMessage([]byte{1, 2})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestProbe(t *testing.T) {
	c := pipeClient(t, core.ModeScript|core.ModeStreams, nil)
	modes, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, modes.Has(core.ModeScript))
	assert.True(t, modes.Has(core.ModeStreams))
}

func TestConcurrentCallsMatchReplies(t *testing.T) {
	c := pipeClient(t, core.ModeScript, nil)
	ch, err := c.Open(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	payloads := [][]byte{[]byte("slow-first"), []byte("fast-second"), []byte("fast-third")}
	results := make([][]byte, len(payloads))
	var wg sync.WaitGroup
	for i, p := range payloads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := ch.Encrypt(context.Background(), p, domain.CodecOpus)
			assert.NoError(t, err)
			results[i] = out
		}()
	}
	wg.Wait()
	for i, p := range payloads {
		assert.Equal(t, xor(p), results[i])
	}

	back, err := ch.Decrypt(context.Background(), xor([]byte("frame")), domain.CodecOpus)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), back)
}

func TestServiceError(t *testing.T) {
	c := pipeClient(t, core.ModeScript, nil)
	ch, err := c.Open(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Encrypt(context.Background(), []byte("fail"), domain.CodecVP8)
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "bad key")
}

func TestCloseFailsPendingCalls(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	c := pipeClient(t, core.ModeScript, hold)
	ch, err := c.Open(context.Background())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Encrypt(context.Background(), []byte("hold"), domain.CodecVP8)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ch.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, core.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not failed")
	}
	_, err = ch.Encrypt(context.Background(), []byte("x"), domain.CodecVP8)
	require.ErrorIs(t, err, core.ErrClosed)
}

func TestCallHonoursContext(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	c := pipeClient(t, core.ModeScript, hold)
	ch, err := c.Open(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ch.Encrypt(ctx, []byte("hold"), domain.CodecVP8)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandshakeTimeout(t *testing.T) {
	c := New(Options{Network: "pipe", DialTimeout: 20 * time.Millisecond})
	c.dial = func(context.Context) (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		// a peer that reads but never acknowledges
		go func() { _, _ = io.Copy(io.Discard, server) }()
		return client, nil
	}
	_, err := c.Probe(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnsupportedNetwork(t *testing.T) {
	c := New(Options{Network: "carrier-pigeon", Address: "x"})
	_, err := c.Open(context.Background())
	require.Error(t, err)
}

func TestTCPListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go fakeService(conn, core.ModeStreams, nil)
		}
	}()

	c := New(Options{Network: "tcp", Address: l.Addr().String()})
	modes, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.ModeStreams, modes)
	require.NoError(t, c.Close())
}
