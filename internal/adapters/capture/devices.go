// Package capture provides file-backed capture devices and a recorder for
// remote tracks. Each configured file plays in a loop, paced in real time.
package capture

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Camera       string
	Microphone   string
	Display      string
	DisplayAudio string
	// LockDir holds the lock files that keep other processes off a device.
	LockDir string
}

// Devices implements core.MediaDevices on top of media files.
type Devices struct {
	opts Options

	mu    sync.Mutex
	locks map[string]*deviceLock
}

// deviceLock is shared by every track of this process reading the same file.
type deviceLock struct {
	fl   *flock.Flock
	refs int
}

var _ core.MediaDevices = (*Devices)(nil)

func New(opts Options) *Devices {
	if opts.LockDir == "" {
		opts.LockDir = os.TempDir()
	}
	return &Devices{opts: opts, locks: make(map[string]*deviceLock)}
}

func (d *Devices) GetUserMedia(ctx context.Context, c core.StreamConstraints) (*core.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tracks []core.LocalTrack
	fail := func(err error) (*core.MediaStream, error) {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, err
	}

	streamID := uuid.NewString()
	if c.Audio != nil {
		path := pick(c.Audio.DeviceID, d.opts.Microphone)
		t, err := d.openMicrophone(path, streamID)
		if err != nil {
			return fail(fmt.Errorf("microphone: %w", err))
		}
		tracks = append(tracks, t)
	}
	if c.Video != nil {
		path := pick(c.Video.DeviceID, d.opts.Camera)
		t, err := d.openVideo(path, streamID, "camera")
		if err != nil {
			return fail(fmt.Errorf("camera: %w", err))
		}
		tracks = append(tracks, t)
	}
	log.Debug().Str("module", "capture").Str("stream", streamID).Int("tracks", len(tracks)).Msg("user media acquired")
	return core.NewMediaStream(streamID, tracks...), nil
}

func (d *Devices) GetDisplayMedia(ctx context.Context, c core.DisplayConstraints) (*core.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := uuid.NewString()
	video, err := d.openVideo(d.opts.Display, streamID, "display")
	if err != nil {
		return nil, fmt.Errorf("display: %w", err)
	}
	tracks := []core.LocalTrack{video}

	if c.Audio {
		switch {
		case d.opts.DisplayAudio == "":
			log.Debug().Str("module", "capture").Msg("no display audio configured")
		default:
			a, err := d.openOpus(d.opts.DisplayAudio, streamID, "display-audio")
			if err != nil {
				// the picture is still usable without its sound
				log.Warn().Err(err).Str("module", "capture").Msg("display audio unavailable")
			} else {
				tracks = append(tracks, a)
			}
		}
	}
	return core.NewMediaStream(streamID, tracks...), nil
}

// EnumerateDevices lists the configured files that exist.
func (d *Devices) EnumerateDevices(ctx context.Context) ([]core.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates := []struct {
		kind core.DeviceKind
		path string
	}{
		{core.DeviceAudioInput, d.opts.Microphone},
		{core.DeviceVideoInput, d.opts.Camera},
		{core.DeviceDisplay, d.opts.Display},
	}
	var out []core.DeviceInfo
	for _, c := range candidates {
		if c.path == "" {
			continue
		}
		if _, err := os.Stat(c.path); err != nil {
			continue
		}
		out = append(out, core.DeviceInfo{ID: c.path, Kind: c.kind, Label: label(c.path)})
	}
	return out, nil
}

// acquire takes the device lock for path. The returned release is idempotent.
func (d *Devices) acquire(path string) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.locks[path]
	if !ok {
		fl := flock.New(d.lockPath(path))
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if !locked {
			return nil, fmt.Errorf("%s: %w", path, domain.ErrDeviceBusy)
		}
		l = &deviceLock{fl: fl}
		d.locks[path] = l
	}
	l.refs++

	return sync.OnceFunc(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		l.refs--
		if l.refs > 0 {
			return
		}
		delete(d.locks, path)
		if err := l.fl.Unlock(); err != nil {
			log.Warn().Err(err).Str("module", "capture").Str("device", path).Msg("unlock")
		}
	}), nil
}

func (d *Devices) lockPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	name := fmt.Sprintf("voice-%s-%08x.lock", strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), crc32.ChecksumIEEE([]byte(abs)))
	return filepath.Join(d.opts.LockDir, name)
}

// open opens a device file under its lock.
func (d *Devices) open(path string) (*os.File, func(), error) {
	if path == "" {
		return nil, nil, domain.ErrDeviceUnavailable
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil, openError(path, err)
	}
	release, err := d.acquire(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		release()
		return nil, nil, openError(path, err)
	}
	return f, release, nil
}

func openError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", path, domain.ErrDeviceUnavailable)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w", path, domain.ErrPermissionDenied)
	}
	return fmt.Errorf("%s: %w", path, err)
}

func pick(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}

func label(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
