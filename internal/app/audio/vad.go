package audio

import (
	"math"
	"time"
)

type VADEvent int

const (
	SpeechStart VADEvent = iota + 1
	SpeechEnd
	// Misfire ends a segment that was too short to count as speech.
	Misfire
)

func (e VADEvent) String() string {
	switch e {
	case SpeechStart:
		return "speech-start"
	case SpeechEnd:
		return "speech-end"
	case Misfire:
		return "misfire"
	}
	return "none"
}

type VADConfig struct {
	SpeechThreshold  float64
	SilenceThreshold float64
	MinSpeech        time.Duration
	MinSilence       time.Duration
}

// VAD is an energy detector with hysteresis. Not safe for concurrent use.
type VAD struct {
	cfg      VADConfig
	speaking bool
	speech   time.Duration
	silence  time.Duration
}

func NewVAD(cfg VADConfig) *VAD {
	if cfg.SilenceThreshold <= 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		cfg.SilenceThreshold = cfg.SpeechThreshold
	}
	return &VAD{cfg: cfg}
}

func (v *VAD) Speaking() bool { return v.speaking }

// Process classifies one frame lasting d and reports a transition if any.
func (v *VAD) Process(frame []float32, d time.Duration) (VADEvent, bool) {
	level := RMS(frame)

	if !v.speaking {
		if level >= v.cfg.SpeechThreshold {
			v.speaking = true
			v.speech = d
			v.silence = 0
			return SpeechStart, true
		}
		return 0, false
	}

	if level >= v.cfg.SilenceThreshold {
		v.speech += d
		v.silence = 0
		return 0, false
	}

	v.silence += d
	if v.silence < v.cfg.MinSilence {
		return 0, false
	}
	v.speaking = false
	short := v.speech < v.cfg.MinSpeech
	v.speech, v.silence = 0, 0
	if short {
		return Misfire, true
	}
	return SpeechEnd, true
}

func (v *VAD) Reset() {
	v.speaking = false
	v.speech, v.silence = 0, 0
}

func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
