package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-client/internal/adapters/capture"
	"github.com/dkeye/voice-client/internal/adapters/cryptosvc"
	"github.com/dkeye/voice-client/internal/adapters/presence"
	"github.com/dkeye/voice-client/internal/adapters/rtc"
	sig "github.com/dkeye/voice-client/internal/adapters/signal"
	"github.com/dkeye/voice-client/internal/app/audio"
	"github.com/dkeye/voice-client/internal/app/capability"
	"github.com/dkeye/voice-client/internal/app/media"
	"github.com/dkeye/voice-client/internal/app/mic"
	"github.com/dkeye/voice-client/internal/app/orch"
	"github.com/dkeye/voice-client/internal/app/session"
	"github.com/dkeye/voice-client/internal/app/sfu"
	"github.com/dkeye/voice-client/internal/app/transform"
	"github.com/dkeye/voice-client/internal/config"
	"github.com/dkeye/voice-client/internal/core"
)

// client is the fully wired application.
type client struct {
	cipher   *cryptosvc.Client
	presence *presence.Publisher
	session  *session.Service
	orch     *orch.Orchestrator
	media    *media.Manager
	detector *capability.Detector
}

func build(cfg *config.Config) (*client, error) {
	factory, err := rtc.NewFactory(rtc.Config{
		ICEServers: cfg.RTC.ICEServers,
		PortMin:    cfg.RTC.PortMin,
		PortMax:    cfg.RTC.PortMax,
	})
	if err != nil {
		return nil, err
	}

	devices := newDevices(cfg)
	cipher := newCipher(cfg)

	if cfg.E2EE.Mechanism != capability.MechanismAuto {
		if _, ok := transform.ParseMechanism(cfg.E2EE.Mechanism); !ok {
			return nil, fmt.Errorf("e2ee.mechanism: unknown value %q", cfg.E2EE.Mechanism)
		}
	}
	svc := session.NewService(factory, cipher, devices, session.Options{
		Mechanism:         cfg.E2EE.Mechanism,
		RequireEncryption: cfg.E2EE.Require,
		Transform: transform.Options{
			QueueSize:   cfg.E2EE.QueueSize,
			MaxInFlight: cfg.E2EE.MaxInFlight,
			CallTimeout: cfg.E2EE.CallTimeout,
			Ordered:     cfg.E2EE.Ordered,
		},
	})

	c := &client{
		cipher:   cipher,
		session:  svc,
		detector: capability.NewDetector(cipher, devices, cfg.E2EE.Mechanism),
	}

	// a nil *Publisher must not reach the orchestrator as a non-nil interface
	var pres core.Presence
	if cfg.Presence.Broker != "" {
		c.presence = presence.New(presence.Options{
			Broker:      cfg.Presence.Broker,
			TopicPrefix: cfg.Presence.TopicPrefix,
			ClientID:    cfg.Presence.ClientID,
			Name:        cfg.Presence.Name,
			QoS:         cfg.Presence.QoS,
		})
		pres = c.presence
		log.Info().Str("module", "presence").Str("name", c.presence.Name()).Msg("presence enabled")
	}

	dialer := sig.NewDialer(sig.Options{
		URL:          cfg.Relay.URL,
		ReadLimit:    cfg.Signal.ReadLimit,
		PingPeriod:   cfg.Signal.PingPeriod,
		WriteTimeout: cfg.Signal.WriteTimeout,
		SendBuffer:   cfg.Signal.SendBuffer,
	})
	c.orch = orch.New(dialer, svc, pres, orch.Options{RequestTimeout: cfg.Signal.RequestTimeout})

	mopts := media.Options{}
	if cfg.Audio.Processing {
		micOpts := mic.Options{
			Graph: audio.GraphConfig{
				GainTimeConst: cfg.Audio.GainTimeConst,
				HighPassHz:    cfg.Audio.HighPassHz,
				LowPassHz:     cfg.Audio.LowPassHz,
				VAD: audio.VADConfig{
					SpeechThreshold:  cfg.Audio.SpeechThreshold,
					SilenceThreshold: cfg.Audio.SilenceThreshold,
					MinSpeech:        cfg.Audio.MinSpeech,
					MinSilence:       cfg.Audio.MinSilence,
				},
			},
			SilencePacket: cfg.Audio.SilencePacket,
		}
		mopts.NewMicrophone = func(p *sfu.Producer) media.Microphone {
			return mic.NewController(devices, p, micOpts)
		}
	}
	c.media = media.NewManager(devices, svc, mopts)

	// local capture belongs to the session; drop it when the session goes away
	c.orch.OnStateChange(func(s orch.State) {
		if s == orch.StateDisconnected {
			c.media.StopAll()
		}
	})
	return c, nil
}

// close leaves the session and releases every adapter.
func (c *client) close() {
	c.media.StopAll()
	c.orch.CloseConnection()
	if c.presence != nil {
		c.presence.Close()
	}
	if err := c.cipher.Close(); err != nil {
		log.Warn().Err(err).Str("module", "cryptosvc").Msg("close")
	}
}

func newDevices(cfg *config.Config) *capture.Devices {
	return capture.New(capture.Options{
		Camera:       cfg.Devices.Camera,
		Microphone:   cfg.Devices.Microphone,
		Display:      cfg.Devices.Display,
		DisplayAudio: cfg.Devices.DisplayAudio,
		LockDir:      cfg.Devices.LockDir,
	})
}

func newCipher(cfg *config.Config) *cryptosvc.Client {
	return cryptosvc.New(cryptosvc.Options{
		Network:            cfg.E2EE.Network,
		Address:            cfg.E2EE.Address,
		DialTimeout:        cfg.E2EE.DialTimeout,
		InsecureSkipVerify: cfg.E2EE.InsecureSkipVerify,
	})
}
