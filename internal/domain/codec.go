package domain

import "strings"

// CodecKind is the closed set of codecs a frame transform can be told about.
type CodecKind uint8

const (
	CodecUnknown CodecKind = iota
	CodecOpus
	CodecVP8
	CodecVP9
	CodecH264
	CodecH265
	CodecRED
	CodecULPFEC
)

var codecNames = [...]string{
	CodecUnknown: "UNKNOWN",
	CodecOpus:    "OPUS",
	CodecVP8:     "VP8",
	CodecVP9:     "VP9",
	CodecH264:    "H264",
	CodecH265:    "H265",
	CodecRED:     "RED",
	CodecULPFEC:  "ULPFEC",
}

func (c CodecKind) String() string {
	if int(c) < len(codecNames) {
		return codecNames[c]
	}
	return codecNames[CodecUnknown]
}

// CodecKindFromName maps an rtpmap encoding name or a mime type to a kind.
func CodecKindFromName(name string) CodecKind {
	if i := strings.IndexByte(name, '/'); i >= 0 && (strings.HasPrefix(name, "audio/") || strings.HasPrefix(name, "video/")) {
		name = name[i+1:]
	}
	switch strings.ToUpper(name) {
	case "OPUS":
		return CodecOpus
	case "VP8":
		return CodecVP8
	case "VP9":
		return CodecVP9
	case "H264":
		return CodecH264
	case "H265", "HEVC":
		return CodecH265
	case "RED":
		return CodecRED
	case "ULPFEC":
		return CodecULPFEC
	}
	return CodecUnknown
}
