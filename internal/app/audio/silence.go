package audio

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const silenceFrame = 20 * time.Millisecond

type sampleWriter interface {
	WriteSample(media.Sample) error
}

// KeepAlive writes a short silent frame every period so the transport never looks idle.
type KeepAlive struct {
	period time.Duration
	dst    sampleWriter
	frame  []byte

	mu       sync.Mutex
	stop     chan struct{}
	wg       sync.WaitGroup
	released bool
}

func NewKeepAlive(dst sampleWriter, period time.Duration) *KeepAlive {
	frame := make([]byte, PCMUClockRate*int(silenceFrame/time.Millisecond)/1000)
	for i := range frame {
		frame[i] = MulawSilence
	}
	return &KeepAlive{period: period, dst: dst, frame: frame}
}

func (k *KeepAlive) Enabled() bool { return k.period > 0 }

// Start is a no-op when disabled, released or already running.
func (k *KeepAlive) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.period <= 0 || k.released || k.stop != nil {
		return
	}
	stop := make(chan struct{})
	k.stop = stop
	k.wg.Add(1)
	go k.loop(stop)
}

func (k *KeepAlive) loop(stop <-chan struct{}) {
	defer k.wg.Done()
	ticker := time.NewTicker(k.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := k.dst.WriteSample(media.Sample{Data: k.frame, Duration: silenceFrame}); err != nil {
				log.Debug().Err(err).Str("module", "audio").Msg("silence packet write")
			}
		}
	}
}

func (k *KeepAlive) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stop != nil
}

func (k *KeepAlive) Stop() {
	k.mu.Lock()
	stop := k.stop
	k.stop = nil
	k.mu.Unlock()
	if stop != nil {
		close(stop)
		k.wg.Wait()
	}
}

// Release stops the timer for good.
func (k *KeepAlive) Release() {
	k.Stop()
	k.mu.Lock()
	k.released = true
	k.mu.Unlock()
}
