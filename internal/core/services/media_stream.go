package services

import (
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// MediaStream is an ordered set of tracks shared between the component
// that owns it and readers such as the UI. All methods are safe for
// concurrent use.
type MediaStream struct {
	id string

	mu     sync.RWMutex
	tracks []ports.MediaTrack
}

func NewMediaStream(id string) *MediaStream {
	return &MediaStream{id: id}
}

func (s *MediaStream) ID() string { return s.id }

// AddTrack appends track unless a track with the same id is present.
func (s *MediaStream) AddTrack(track ports.MediaTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tracks {
		if t.ID() == track.ID() {
			return false
		}
	}
	s.tracks = append(s.tracks, track)
	return true
}

func (s *MediaStream) RemoveTrack(trackID string) (ports.MediaTrack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.tracks {
		if t.ID() == trackID {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return t, true
		}
	}
	return nil, false
}

// ReplaceTrack swaps the track with id oldID for next, keeping its
// position.
func (s *MediaStream) ReplaceTrack(oldID string, next ports.MediaTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.tracks {
		if t.ID() == oldID {
			s.tracks[i] = next
			return true
		}
	}
	return false
}

func (s *MediaStream) Tracks() []ports.MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ports.MediaTrack(nil), s.tracks...)
}

func (s *MediaStream) AudioTracks() []ports.MediaTrack {
	return s.tracksOfKind(domain.TrackKindAudio)
}

func (s *MediaStream) VideoTracks() []ports.MediaTrack {
	return s.tracksOfKind(domain.TrackKindVideo)
}

func (s *MediaStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

func (s *MediaStream) tracksOfKind(kind domain.TrackKind) []ports.MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ports.MediaTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
