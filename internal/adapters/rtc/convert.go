package rtc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/webrtc/v4"
)

func toICEParameters(p domain.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.IceLite,
	}
}

func toICECandidates(cs []domain.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(cs))
	for _, c := range cs {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func toDTLSParameters(p domain.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: toDTLSRole(p.Role)}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromDTLSParameters(p webrtc.DTLSParameters, role webrtc.DTLSRole) domain.DtlsParameters {
	out := domain.DtlsParameters{Role: role.String()}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func toDTLSRole(s string) webrtc.DTLSRole {
	switch s {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	}
	return webrtc.DTLSRoleAuto
}

// fmtpLine renders codec parameters in a stable order.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func parseFmtp(line string) map[string]any {
	if line == "" {
		return nil
	}
	out := make(map[string]any)
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func toFeedback(fb []domain.RtcpFeedback) []webrtc.RTCPFeedback {
	if len(fb) == 0 {
		return nil
	}
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func fromFeedback(fb []webrtc.RTCPFeedback) []domain.RtcpFeedback {
	if len(fb) == 0 {
		return nil
	}
	out := make([]domain.RtcpFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, domain.RtcpFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func toCodecParameters(c domain.RtpCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: toFeedback(c.RtcpFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func fromRtpCodecParameters(c domain.RtpCodecParameters) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: toFeedback(c.RtcpFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PayloadType),
	}
}

func toRtpCodecParameters(c webrtc.RTPCodecParameters) domain.RtpCodecParameters {
	return domain.RtpCodecParameters{
		MimeType:     c.MimeType,
		PayloadType:  uint8(c.PayloadType),
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		Parameters:   parseFmtp(c.SDPFmtpLine),
		RtcpFeedback: fromFeedback(c.RTCPFeedback),
	}
}

// rtxFor finds the retransmission codec whose apt points at pt.
func rtxFor(codecs []webrtc.RTPCodecParameters, pt webrtc.PayloadType) (webrtc.RTPCodecParameters, bool) {
	want := fmt.Sprint(pt)
	for _, c := range codecs {
		if isRTX(c.MimeType) && fmt.Sprint(parseFmtp(c.SDPFmtpLine)["apt"]) == want {
			return c, true
		}
	}
	return webrtc.RTPCodecParameters{}, false
}
