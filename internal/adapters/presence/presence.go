// Package presence announces which session this client is in over MQTT.
package presence

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	petname "github.com/dustinkirkland/golang-petname"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	StatusJoined = "joined"
	StatusLeft   = "left"
)

type Options struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	// Name is shown to other participants; a random one is picked when empty.
	Name         string
	QoS          byte
	Timeout      time.Duration
	RetryBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.TopicPrefix == "" {
		o.TopicPrefix = "voice"
	}
	if o.ClientID == "" {
		o.ClientID = "voice-client-" + uuid.NewString()[:8]
	}
	if o.Name == "" {
		o.Name = petname.Generate(2, "-")
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 10 * time.Second
	}
	return o
}

// Status is the retained presence record.
type Status struct {
	ClientID string `json:"clientId"`
	Name     string `json:"name"`
	Session  string `json:"sessionId"`
	Status   string `json:"status"`
	At       int64  `json:"at"`
}

type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher implements core.Presence. Publishing never blocks the caller and
// failures are only logged.
type Publisher struct {
	opts   Options
	client client
	logger zerolog.Logger

	mu      sync.Mutex
	current domain.SessionID
	wg      sync.WaitGroup
}

var _ core.Presence = (*Publisher)(nil)

// New creates the MQTT client and starts connecting in the background.
func New(opts Options) *Publisher {
	opts = opts.withDefaults()
	logger := log.With().Str("module", "presence").Str("client", opts.ClientID).Logger()

	mo := mqtt.NewClientOptions()
	mo.AddBroker(opts.Broker)
	mo.SetClientID(opts.ClientID)
	mo.SetCleanSession(true)
	mo.SetAutoReconnect(true)
	mo.SetConnectRetry(true)
	mo.SetConnectRetryInterval(opts.RetryBackoff)
	mo.SetConnectTimeout(opts.Timeout)
	mo.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("broker", opts.Broker).Msg("connected")
	})
	mo.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("connection lost")
	})

	p := newPublisher(opts, mqtt.NewClient(mo), logger)
	p.client.Connect()
	return p
}

func newPublisher(opts Options, c client, logger zerolog.Logger) *Publisher {
	return &Publisher{opts: opts, client: c, logger: logger}
}

func (p *Publisher) Name() string { return p.opts.Name }

func (p *Publisher) Topic(sid domain.SessionID) string {
	return fmt.Sprintf("%s/sessions/%s/presence", p.opts.TopicPrefix, sid)
}

func (p *Publisher) JoinSession(sid domain.SessionID) {
	p.mu.Lock()
	prev := p.current
	p.current = sid
	p.mu.Unlock()

	if prev != "" && prev != sid {
		p.publish(prev, StatusLeft)
	}
	p.publish(sid, StatusJoined)
}

func (p *Publisher) LeaveSession() {
	p.mu.Lock()
	sid := p.current
	p.current = ""
	p.mu.Unlock()

	if sid == "" {
		return
	}
	p.publish(sid, StatusLeft)
}

func (p *Publisher) publish(sid domain.SessionID, status string) {
	body, err := json.Marshal(Status{
		ClientID: p.opts.ClientID,
		Name:     p.opts.Name,
		Session:  string(sid),
		Status:   status,
		At:       time.Now().Unix(),
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("encode status")
		return
	}
	topic := p.Topic(sid)
	token := p.client.Publish(topic, p.opts.QoS, true, body)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if !token.WaitTimeout(p.opts.Timeout) {
			p.logger.Warn().Str("topic", topic).Str("status", status).Msg("publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Str("status", status).Msg("publish failed")
			return
		}
		p.logger.Debug().Str("topic", topic).Str("status", status).Msg("published")
	}()
}

// Close announces leaving, waits for outstanding publishes and disconnects.
func (p *Publisher) Close() {
	p.LeaveSession()
	p.wg.Wait()
	p.client.Disconnect(250)
}
