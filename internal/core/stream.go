package core

import "github.com/dkeye/voice-client/internal/domain"

// MediaStream groups tracks acquired together.
type MediaStream struct {
	ID     string
	tracks []LocalTrack
}

func NewMediaStream(id string, tracks ...LocalTrack) *MediaStream {
	return &MediaStream{ID: id, tracks: tracks}
}

func (s *MediaStream) Tracks() []LocalTrack { return append([]LocalTrack(nil), s.tracks...) }

func (s *MediaStream) TracksOf(kind domain.MediaKind) []LocalTrack {
	var out []LocalTrack
	for _, t := range s.tracks {
		if t.MediaKind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Only returns a single-track stream holding the first track of kind.
func (s *MediaStream) Only(kind domain.MediaKind) (*MediaStream, bool) {
	ts := s.TracksOf(kind)
	if len(ts) == 0 {
		return nil, false
	}
	return NewMediaStream(s.ID, ts[0]), true
}

// Stop stops every track in the stream.
func (s *MediaStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
