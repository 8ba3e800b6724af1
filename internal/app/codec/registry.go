// Package codec maps negotiated RTP payload types to codec kinds.
package codec

import (
	"maps"
	"strconv"
	"strings"
	"sync"

	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"
)

var defaultMapping = map[uint8]domain.CodecKind{
	49:  domain.CodecH265,
	63:  domain.CodecRED,
	96:  domain.CodecVP8,
	98:  domain.CodecVP9,
	102: domain.CodecH264,
	111: domain.CodecOpus,
	116: domain.CodecRED,
	117: domain.CodecULPFEC,
}

// Mapping is an immutable payload type table.
// The zero value resolves through the static defaults.
type Mapping struct {
	m map[uint8]domain.CodecKind
}

func (m Mapping) Lookup(pt uint8) domain.CodecKind {
	table := m.m
	if len(table) == 0 {
		table = defaultMapping
	}
	if k, ok := table[pt]; ok {
		return k
	}
	return domain.CodecUnknown
}

func (m Mapping) Len() int { return len(m.m) }

// Entries returns a copy keyed by payload type.
func (m Mapping) Entries() map[uint8]domain.CodecKind {
	if len(m.m) == 0 {
		return maps.Clone(defaultMapping)
	}
	return maps.Clone(m.m)
}

// Registry holds the current mapping for one session.
type Registry struct {
	mu      sync.RWMutex
	current Mapping
	// from consumer RTP parameters; kept across descriptions that do not declare them
	learned map[uint8]domain.CodecKind
}

func NewRegistry() *Registry {
	return &Registry{}
}

// UpdateFromSessionDescription rebuilds the mapping from the rtpmap lines of raw.
// The previous mapping is kept when nothing was found. Returns the number of entries parsed.
func (r *Registry) UpdateFromSessionDescription(raw string) int {
	found := parse(raw)
	if len(found) == 0 {
		log.Debug().Str("module", "codec").Msg("no codecs in session description, keeping mapping")
		return 0
	}
	n := len(found)

	r.mu.Lock()
	for pt, k := range r.learned {
		if _, ok := found[pt]; !ok {
			found[pt] = k
		}
	}
	r.current = Mapping{m: found}
	r.mu.Unlock()

	log.Debug().Str("module", "codec").Int("entries", n).Msg("codec mapping updated")
	return n
}

// UpdateFromParameters merges codecs from RTP parameters into the mapping.
func (r *Registry) UpdateFromParameters(params domain.RtpParameters) int {
	if len(params.Codecs) == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := maps.Clone(r.current.m)
	if next == nil {
		next = make(map[uint8]domain.CodecKind, len(params.Codecs))
	}
	if r.learned == nil {
		r.learned = make(map[uint8]domain.CodecKind, len(params.Codecs))
	}
	for _, c := range params.Codecs {
		if c.PayloadType > 127 {
			continue
		}
		k := domain.CodecKindFromName(c.MimeType)
		next[c.PayloadType] = k
		r.learned[c.PayloadType] = k
	}
	r.current = Mapping{m: next}
	return len(params.Codecs)
}

func (r *Registry) Lookup(pt uint8) domain.CodecKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Lookup(pt)
}

func (r *Registry) Snapshot() Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func parse(raw string) map[uint8]domain.CodecKind {
	if raw == "" {
		return nil
	}
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		log.Warn().Err(err).Str("module", "codec").Msg("unparsable session description")
		return nil
	}

	out := make(map[uint8]domain.CodecKind)
	for _, md := range desc.MediaDescriptions {
		for _, a := range md.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			pt, kind, ok := parseRtpmap(a.Value)
			if ok {
				out[pt] = kind
			}
		}
	}
	return out
}

// parseRtpmap reads "<pt> <name>/<clock>[/<channels>]".
func parseRtpmap(v string) (uint8, domain.CodecKind, bool) {
	ptStr, rest, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok {
		return 0, domain.CodecUnknown, false
	}
	pt, err := strconv.ParseUint(ptStr, 10, 8)
	if err != nil || pt > 127 {
		return 0, domain.CodecUnknown, false
	}
	name, _, _ := strings.Cut(strings.TrimSpace(rest), "/")
	if name == "" {
		return 0, domain.CodecUnknown, false
	}
	return uint8(pt), domain.CodecKindFromName(name), true
}

// Reset returns to the static defaults.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = Mapping{}
	r.learned = nil
}
