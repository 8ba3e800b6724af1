package session

import (
	"strings"

	"github.com/dkeye/voice-client/internal/domain"
)

// intersect keeps the router codecs this device can handle, in router order.
// Retransmission entries survive only when the codec they repair does.
func intersect(router, local domain.RtpCapabilities) domain.RtpCapabilities {
	var out domain.RtpCapabilities
	kept := make(map[uint8]bool)
	var rtx []domain.RtpCodecCapability

	for _, rc := range router.Codecs {
		if isRTX(rc) {
			rtx = append(rtx, rc)
			continue
		}
		for _, lc := range local.Codecs {
			if rc.Kind == lc.Kind && domain.SameCodec(rc, lc) {
				out.Codecs = append(out.Codecs, rc)
				kept[rc.PreferredPayloadType] = true
				break
			}
		}
	}
	for _, rc := range rtx {
		if apt, ok := aptOf(rc); ok && kept[apt] && hasRTX(local, rc.Kind) {
			out.Codecs = append(out.Codecs, rc)
		}
	}

	if len(local.HeaderExtensions) == 0 {
		out.HeaderExtensions = append(out.HeaderExtensions, router.HeaderExtensions...)
		return out
	}
	for _, rh := range router.HeaderExtensions {
		for _, lh := range local.HeaderExtensions {
			if rh.URI == lh.URI && (lh.Kind == "" || rh.Kind == lh.Kind) {
				out.HeaderExtensions = append(out.HeaderExtensions, rh)
				break
			}
		}
	}
	return out
}

func isRTX(c domain.RtpCodecCapability) bool {
	return strings.HasSuffix(strings.ToLower(c.MimeType), "/rtx")
}

func hasRTX(local domain.RtpCapabilities, kind domain.MediaKind) bool {
	for _, c := range local.Codecs {
		if c.Kind == kind && isRTX(c) {
			return true
		}
	}
	return false
}

func aptOf(c domain.RtpCodecCapability) (uint8, bool) {
	switch v := c.Parameters["apt"].(type) {
	case float64:
		return uint8(v), true
	case int:
		return uint8(v), true
	case uint8:
		return v, true
	}
	return 0, false
}
