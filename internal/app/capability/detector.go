// Package capability decides once per session which frame transform mechanism
// the runtime supports and which capture devices exist.
package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/voice-client/internal/app/transform"
	"github.com/dkeye/voice-client/internal/core"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const MechanismAuto = "auto"

type Report struct {
	Mechanism     transform.Mechanism `json:"mechanism"`
	Script        bool                `json:"script"`
	Streams       bool                `json:"streams"`
	ProbeError    string              `json:"probeError,omitempty"`
	Devices       []core.DeviceInfo   `json:"devices"`
	HasCamera     bool                `json:"hasCamera"`
	HasMicrophone bool                `json:"hasMicrophone"`
	HasDisplay    bool                `json:"hasDisplay"`
}

type Detector struct {
	cipher    core.CipherService
	devices   core.MediaDevices
	preferred string

	once   sync.Once
	report Report
	err    error
}

// NewDetector builds a detector; preferred is "auto" or a mechanism name to force.
// Either dependency may be nil.
func NewDetector(cipher core.CipherService, devices core.MediaDevices, preferred string) *Detector {
	if preferred == "" {
		preferred = MechanismAuto
	}
	return &Detector{cipher: cipher, devices: devices, preferred: preferred}
}

// Detect probes on the first call and returns the cached result afterwards.
func (d *Detector) Detect(ctx context.Context) (Report, error) {
	d.once.Do(func() {
		d.report, d.err = d.detect(ctx)
	})
	return d.report, d.err
}

func (d *Detector) detect(ctx context.Context) (Report, error) {
	var (
		rep   Report
		modes core.CipherModes
	)

	g, gctx := errgroup.WithContext(ctx)
	if d.cipher != nil && d.preferred != string(transform.MechanismNone) {
		g.Go(func() error {
			m, err := d.cipher.Probe(gctx)
			if err != nil {
				// an unreachable service only means no encryption
				rep.ProbeError = err.Error()
				log.Warn().Err(err).Str("module", "capability").Msg("encryption service probe failed")
				return nil
			}
			modes = m
			return nil
		})
	}
	if d.devices != nil {
		g.Go(func() error {
			devs, err := d.devices.EnumerateDevices(gctx)
			if err != nil {
				return fmt.Errorf("enumerate devices: %w", err)
			}
			rep.Devices = devs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{Mechanism: transform.MechanismNone}, err
	}

	rep.Script = modes.Has(core.ModeScript)
	rep.Streams = modes.Has(core.ModeStreams)
	rep.Mechanism = d.pick(rep)
	for _, dev := range rep.Devices {
		switch dev.Kind {
		case core.DeviceVideoInput:
			rep.HasCamera = true
		case core.DeviceAudioInput:
			rep.HasMicrophone = true
		case core.DeviceDisplay:
			rep.HasDisplay = true
		}
	}

	log.Info().
		Str("module", "capability").
		Str("mechanism", string(rep.Mechanism)).
		Str("modes", modes.String()).
		Int("devices", len(rep.Devices)).
		Msg("capabilities detected")
	return rep, nil
}

func (d *Detector) pick(rep Report) transform.Mechanism {
	supported := map[transform.Mechanism]bool{
		transform.MechanismScript:  rep.Script,
		transform.MechanismStreams: rep.Streams,
	}
	if d.preferred != MechanismAuto {
		m, ok := transform.ParseMechanism(d.preferred)
		if ok && (m == transform.MechanismNone || supported[m]) {
			return m
		}
		log.Warn().Str("module", "capability").Str("preferred", d.preferred).Msg("preferred mechanism unsupported")
		return transform.MechanismNone
	}
	switch {
	case rep.Script:
		return transform.MechanismScript
	case rep.Streams:
		return transform.MechanismStreams
	}
	return transform.MechanismNone
}
