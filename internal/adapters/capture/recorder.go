package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/voice-client/internal/app/audio"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnsupportedCodec = errors.New("codec cannot be recorded")
	ErrRecorderClosed   = errors.New("recorder closed")
)

const defaultKeyFrameGap = time.Second

// Source is what a recording needs from a consumer.
type Source interface {
	ID() domain.ConsumerID
	RtpParameters() domain.RtpParameters
	RequestKeyFrame() error
}

type PacketReader interface {
	ReadRTP(ctx context.Context) (*rtp.Packet, error)
}

type rtpSink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Recorder writes remote tracks to files, one per consumer.
type Recorder struct {
	dir         string
	keyFrameGap time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[domain.ConsumerID]string
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder writes into dir. keyFrameGap spaces key frame requests while a
// video recording waits for its first key frame.
func NewRecorder(dir string, keyFrameGap time.Duration) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("record dir: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if keyFrameGap <= 0 {
		keyFrameGap = defaultKeyFrameGap
	}
	return &Recorder{
		dir:         dir,
		keyFrameGap: keyFrameGap,
		ctx:         ctx,
		cancel:      cancel,
		active:      make(map[domain.ConsumerID]string),
	}, nil
}

// Record starts copying track into a new file and returns its path.
// Recording ends when the track ends or the recorder closes.
func (r *Recorder) Record(src Source, track PacketReader) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrRecorderClosed
	}
	if path, ok := r.active[src.ID()]; ok {
		return path, nil
	}

	codec, ok := primaryCodec(src.RtpParameters())
	if !ok {
		return "", ErrUnsupportedCodec
	}
	base := filepath.Join(r.dir, fmt.Sprintf("%s-%s", time.Now().Format("20060102-150405"), src.ID()))

	var (
		sink rtpSink
		path string
		err  error
	)
	isVP8 := strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8)
	switch {
	case isVP8:
		path = base + ".ivf"
		sink, err = ivfwriter.New(path, ivfwriter.WithCodec(webrtc.MimeTypeVP8))
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		path = base + ".ogg"
		sink, err = oggwriter.New(path, codec.ClockRate, channels)
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypePCMU):
		path = base + ".wav"
		sink, err = newPCMUSink(path)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
	}
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	r.active[src.ID()] = path
	r.wg.Add(1)
	go r.run(src, track, sink, isVP8, path)
	log.Info().Str("module", "capture").Str("consumer", string(src.ID())).Str("file", path).Msg("recording started")
	return path, nil
}

func (r *Recorder) run(src Source, track PacketReader, sink rtpSink, waitKeyFrame bool, path string) {
	defer r.wg.Done()
	logger := log.With().Str("module", "capture").Str("consumer", string(src.ID())).Logger()

	var (
		packets int
		asked   time.Time
	)
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn().Err(err).Msg("close recording")
		}
		r.mu.Lock()
		delete(r.active, src.ID())
		r.mu.Unlock()
		logger.Info().Str("file", path).Int("packets", packets).Msg("recording finished")
	}()

	for {
		pkt, err := track.ReadRTP(r.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		if waitKeyFrame {
			if isVP8KeyFrame(pkt.Payload) {
				waitKeyFrame = false
			} else if time.Since(asked) >= r.keyFrameGap {
				asked = time.Now()
				if err := src.RequestKeyFrame(); err != nil {
					logger.Debug().Err(err).Msg("key frame request")
				}
			}
		}
		if err := sink.WriteRTP(pkt); err != nil {
			logger.Debug().Err(err).Msg("packet not written")
			continue
		}
		packets++
	}
}

// Active lists the files being written.
func (r *Recorder) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for _, p := range r.active {
		out = append(out, p)
	}
	return out
}

// Close stops all recordings and waits for their files to be finalized.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

func primaryCodec(p domain.RtpParameters) (domain.RtpCodecParameters, bool) {
	for _, c := range p.Codecs {
		if !strings.HasSuffix(strings.ToLower(c.MimeType), "/rtx") {
			return c, true
		}
	}
	return domain.RtpCodecParameters{}, false
}

func isVP8KeyFrame(payload []byte) bool {
	var p codecs.VP8Packet
	if _, err := p.Unmarshal(payload); err != nil || len(p.Payload) == 0 {
		return false
	}
	return p.S == 1 && p.PID == 0 && p.Payload[0]&0x01 == 0
}

// pcmuSink stores G.711 audio as 16-bit WAV.
type pcmuSink struct {
	f       *os.File
	w       *wavWriter
	samples []float32
}

func newPCMUSink(path string) (*pcmuSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := newWAVWriter(f, audio.PCMUClockRate)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &pcmuSink{f: f, w: w}, nil
}

func (s *pcmuSink) WriteRTP(pkt *rtp.Packet) error {
	s.samples = audio.DecodeMulaw(s.samples[:0], pkt.Payload)
	return s.w.write(s.samples)
}

func (s *pcmuSink) Close() error {
	err := s.w.close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}
