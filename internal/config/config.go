package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string         `mapstructure:"mode"`
	LogLevel string         `mapstructure:"log_level"`
	Control  ControlConfig  `mapstructure:"control"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Signal   SignalConfig   `mapstructure:"signal"`
	RTC      RTCConfig      `mapstructure:"rtc"`
	E2EE     E2EEConfig     `mapstructure:"e2ee"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Devices  DevicesConfig  `mapstructure:"devices"`
	Presence PresenceConfig `mapstructure:"presence"`
	Record   RecordConfig   `mapstructure:"record"`
}

type ControlConfig struct {
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

type RelayConfig struct {
	URL string `mapstructure:"url"`
}

type SignalConfig struct {
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type RTCConfig struct {
	ICEServers  []string      `mapstructure:"ice_servers"`
	PortMin     uint16        `mapstructure:"port_min"`
	PortMax     uint16        `mapstructure:"port_max"`
	KeyFrameGap time.Duration `mapstructure:"keyframe_gap"`
}

type E2EEConfig struct {
	Network     string        `mapstructure:"network"`
	Address     string        `mapstructure:"address"`
	Mechanism   string        `mapstructure:"mechanism"`
	Require     bool          `mapstructure:"require"`
	Ordered     bool          `mapstructure:"ordered"`
	MaxInFlight int64         `mapstructure:"max_in_flight"`
	QueueSize   int           `mapstructure:"queue_size"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// InsecureSkipVerify accepts any certificate from a QUIC service.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type AudioConfig struct {
	Processing       bool          `mapstructure:"processing"`
	GainTimeConst    time.Duration `mapstructure:"gain_time_constant"`
	HighPassHz       float64       `mapstructure:"high_pass_hz"`
	LowPassHz        float64       `mapstructure:"low_pass_hz"`
	SpeechThreshold  float64       `mapstructure:"speech_threshold"`
	SilenceThreshold float64       `mapstructure:"silence_threshold"`
	MinSpeech        time.Duration `mapstructure:"min_speech"`
	MinSilence       time.Duration `mapstructure:"min_silence"`
	SilencePacket    time.Duration `mapstructure:"silence_packet_period"`
}

type DevicesConfig struct {
	Camera       string `mapstructure:"camera"`
	Microphone   string `mapstructure:"microphone"`
	Display      string `mapstructure:"display"`
	DisplayAudio string `mapstructure:"display_audio"`
	LockDir      string `mapstructure:"lock_dir"`
}

type PresenceConfig struct {
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Name        string `mapstructure:"name"`
	QoS         byte   `mapstructure:"qos"`
}

type RecordConfig struct {
	Dir string `mapstructure:"dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")

	v.SetDefault("control.port", 8090)
	v.SetDefault("control.secret", "voice-client")
	v.SetDefault("control.rate_limit", 20)
	v.SetDefault("control.rate_window", "10s")

	v.SetDefault("relay.url", "ws://localhost:8080")

	v.SetDefault("signal.read_limit", 65536)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.write_timeout", "5s")
	v.SetDefault("signal.send_buffer", 32)
	v.SetDefault("signal.request_timeout", "10s")

	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.port_min", 0)
	v.SetDefault("rtc.port_max", 0)
	v.SetDefault("rtc.keyframe_gap", "3s")

	v.SetDefault("e2ee.network", "unix")
	v.SetDefault("e2ee.address", "/tmp/voice-e2ee.sock")
	v.SetDefault("e2ee.mechanism", "auto")
	v.SetDefault("e2ee.require", false)
	v.SetDefault("e2ee.ordered", false)
	v.SetDefault("e2ee.max_in_flight", 64)
	v.SetDefault("e2ee.queue_size", 256)
	v.SetDefault("e2ee.call_timeout", "200ms")
	v.SetDefault("e2ee.dial_timeout", "3s")
	v.SetDefault("e2ee.insecure_skip_verify", false)

	v.SetDefault("audio.processing", true)
	v.SetDefault("audio.gain_time_constant", "30ms")
	v.SetDefault("audio.high_pass_hz", 100.0)
	v.SetDefault("audio.low_pass_hz", 3400.0)
	v.SetDefault("audio.speech_threshold", 0.02)
	v.SetDefault("audio.silence_threshold", 0.01)
	v.SetDefault("audio.min_speech", "100ms")
	v.SetDefault("audio.min_silence", "400ms")
	v.SetDefault("audio.silence_packet_period", "0s")

	v.SetDefault("devices.camera", "./media/camera.ivf")
	v.SetDefault("devices.microphone", "./media/microphone.wav")
	v.SetDefault("devices.display", "./media/screen.ivf")
	v.SetDefault("devices.display_audio", "./media/screen.ogg")
	v.SetDefault("devices.lock_dir", os.TempDir())

	v.SetDefault("presence.broker", "")
	v.SetDefault("presence.topic_prefix", "voice")
	v.SetDefault("presence.client_id", "")
	v.SetDefault("presence.name", "")
	v.SetDefault("presence.qos", 1)

	v.SetDefault("record.dir", "")
}

func Load() (*Config, error) {
	// .env is optional; real environment wins.
	if err := godotenv.Load(); err == nil {
		log.Debug().Str("module", "config").Msg("loaded .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Str("relay", cfg.Relay.URL).Str("e2ee", cfg.E2EE.Mechanism).Msg("config ready")
	return &cfg, nil
}
