// Package cryptosvc is the client of the external end-to-end encryption service.
// Every channel is one byte stream carrying length-prefixed frames.
package cryptosvc

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
)

// ALPN is the protocol id offered on QUIC connections.
const ALPN = "voice-e2ee"

// AddressMDNS asks Open to discover the service first.
const AddressMDNS = "mdns"

type Options struct {
	// Network is unix, tcp or quic.
	Network     string
	Address     string
	DialTimeout time.Duration
	// InsecureSkipVerify accepts self-signed QUIC certificates.
	InsecureSkipVerify bool
}

type dialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Client implements core.CipherService.
type Client struct {
	opts Options
	dial dialFunc

	mu   sync.Mutex
	addr string
	quic *quic.Conn
}

func New(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	c := &Client{opts: opts}
	c.dial = c.dialNetwork
	return c
}

// Probe opens a throwaway channel and reports the modes the service accepts.
func (c *Client) Probe(ctx context.Context) (core.CipherModes, error) {
	ch, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer ch.Close()
	return ch.modes, nil
}

func (c *Client) Open(ctx context.Context) (core.Cipher, error) {
	return c.open(ctx)
}

func (c *Client) open(ctx context.Context) (*channel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	rwc, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	ch := newChannel(rwc)
	if err := ch.handshake(ctx); err != nil {
		_ = ch.Close()
		return nil, err
	}
	log.Debug().Str("module", "cryptosvc").Str("modes", ch.modes.String()).Msg("channel open")
	return ch, nil
}

// Close drops the shared QUIC connection, if any. Open channels on it fail.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.quic
	c.quic = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.CloseWithError(0, "client closed")
	}
	return nil
}

func (c *Client) resolve(ctx context.Context) (string, error) {
	c.mu.Lock()
	addr := c.addr
	c.mu.Unlock()
	if addr != "" {
		return addr, nil
	}
	addr = c.opts.Address
	if addr == AddressMDNS {
		found, err := Discover(ctx)
		if err != nil {
			return "", err
		}
		addr = found
	}
	c.mu.Lock()
	c.addr = addr
	c.mu.Unlock()
	return addr, nil
}

func (c *Client) dialNetwork(ctx context.Context) (io.ReadWriteCloser, error) {
	addr, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	switch c.opts.Network {
	case "unix", "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, c.opts.Network, addr)
		if err != nil {
			return nil, fmt.Errorf("dial encryption service: %w", err)
		}
		return conn, nil
	case "quic":
		conn, err := c.quicConn(ctx, addr)
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			return nil, fmt.Errorf("open quic stream: %w", err)
		}
		return stream, nil
	}
	return nil, fmt.Errorf("cryptosvc: unsupported network %q", c.opts.Network)
}

// quicConn shares one connection between channels; each channel is a stream.
func (c *Client) quicConn(ctx context.Context, addr string) (*quic.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quic != nil && c.quic.Context().Err() == nil {
		return c.quic, nil
	}
	conn, err := quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: c.opts.InsecureSkipVerify, //nolint:gosec // local service with self-signed certificate
		NextProtos:         []string{ALPN},
	}, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial encryption service: %w", err)
	}
	c.quic = conn
	return conn, nil
}
