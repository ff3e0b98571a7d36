package services

import (
	"sort"
	"sync"
	"time"

	"meshcall/internal/core/domain"
)

// ScreenShareView is a screen share together with its stream. The stream
// is empty until the share's tracks arrive.
type ScreenShareView struct {
	domain.ScreenShare
	Stream *MediaStream
}

// SessionSnapshot is a consistent read-only copy of SessionState.
type SessionSnapshot struct {
	RoomID        domain.RoomID
	LocalID       domain.ParticipantID
	Participants  []domain.Participant
	Connections   map[domain.ParticipantID]domain.SignalingState
	ScreenShares  []domain.ScreenShare
	Pinned        *domain.Tile
	AudioEnabled  bool
	VideoEnabled  bool
	LocalSpeaking bool
}

type shareEntry struct {
	info   domain.ScreenShare
	stream *MediaStream
}

// SessionState is the single source of truth for one call. It never calls
// out while holding its lock.
type SessionState struct {
	mu sync.RWMutex

	roomID  domain.RoomID
	localID domain.ParticipantID

	participants  map[domain.ParticipantID]*domain.Participant
	connections   map[domain.ParticipantID]domain.SignalingState
	remoteStreams map[domain.ParticipantID]*MediaStream
	shares        map[domain.ShareID]*shareEntry
	localStream   *MediaStream
	pinned        domain.TileID

	audioEnabled  bool
	videoEnabled  bool
	localSpeaking bool
}

func NewSessionState() *SessionState {
	s := &SessionState{}
	s.reset()
	return s
}

func (s *SessionState) reset() {
	s.roomID = ""
	s.localID = ""
	s.participants = make(map[domain.ParticipantID]*domain.Participant)
	s.connections = make(map[domain.ParticipantID]domain.SignalingState)
	s.remoteStreams = make(map[domain.ParticipantID]*MediaStream)
	s.shares = make(map[domain.ShareID]*shareEntry)
	s.localStream = nil
	s.pinned = ""
	s.audioEnabled = false
	s.videoEnabled = false
	s.localSpeaking = false
}

// Begin marks the start of a call.
func (s *SessionState) Begin(roomID domain.RoomID, localID domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.roomID != "" {
		return domain.ErrAlreadyInRoom
	}
	s.reset()
	s.roomID = roomID
	s.localID = localID
	return nil
}

// End clears everything recorded for the call.
func (s *SessionState) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *SessionState) InCall() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID != ""
}

func (s *SessionState) RoomID() domain.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

func (s *SessionState) LocalID() domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localID
}

// UpsertParticipant records or refreshes a remote participant. Speaking and
// media flags of a known participant are kept. It reports whether the
// participant was new.
func (s *SessionState) UpsertParticipant(p domain.Participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" || p.ID == s.localID {
		return false
	}
	if existing, ok := s.participants[p.ID]; ok {
		if p.Handle != "" {
			existing.Handle = p.Handle
		}
		return false
	}

	stored := p.Clone()
	stored.ScreenShares = nil
	if stored.JoinedAt.IsZero() {
		stored.JoinedAt = time.Now()
	}
	s.participants[p.ID] = &stored
	return true
}

func (s *SessionState) HasParticipant(id domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.participants[id]
	return ok
}

func (s *SessionState) Participant(id domain.ParticipantID) (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return s.participantCopyLocked(p), true
}

// Participants returns remote participants ordered by join time.
func (s *SessionState) Participants() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participantsLocked()
}

func (s *SessionState) participantsLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, s.participantCopyLocked(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (s *SessionState) participantCopyLocked(p *domain.Participant) domain.Participant {
	out := p.Clone()
	out.ScreenShares = nil
	for id, share := range s.shares {
		if share.info.Owner == p.ID {
			out.ScreenShares = append(out.ScreenShares, id)
		}
	}
	sort.Slice(out.ScreenShares, func(i, j int) bool { return out.ScreenShares[i] < out.ScreenShares[j] })
	return out
}

// RemoveParticipant destroys a participant and everything it owns. It
// returns the removed shares and whether the pin was cleared as a result.
func (s *SessionState) RemoveParticipant(id domain.ParticipantID) (removedShares []domain.ShareID, pinCleared bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok = s.participants[id]; !ok {
		return nil, false, false
	}
	delete(s.participants, id)
	delete(s.remoteStreams, id)
	delete(s.connections, id)

	for shareID, share := range s.shares {
		if share.info.Owner == id {
			delete(s.shares, shareID)
			removedShares = append(removedShares, shareID)
			if s.pinned == shareID.Tile() {
				s.pinned = ""
				pinCleared = true
			}
		}
	}
	if s.pinned == id.Tile() {
		s.pinned = ""
		pinCleared = true
	}
	return removedShares, pinCleared, true
}

// SetSpeaking updates the speaking flag of the local or a remote
// participant and reports whether it changed.
func (s *SessionState) SetSpeaking(id domain.ParticipantID, speaking bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == s.localID && id != "" {
		if s.localSpeaking == speaking {
			return false
		}
		s.localSpeaking = speaking
		return true
	}

	p, ok := s.participants[id]
	if !ok || p.Speaking == speaking {
		return false
	}
	p.Speaking = speaking
	return true
}

func (s *SessionState) Speaking(id domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == s.localID {
		return s.localSpeaking
	}
	if p, ok := s.participants[id]; ok {
		return p.Speaking
	}
	return false
}

// SetRemoteMedia records the media flags a remote stream currently
// carries.
func (s *SessionState) SetRemoteMedia(id domain.ParticipantID, audio, video bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.participants[id]; ok {
		p.AudioEnabled = audio
		p.VideoEnabled = video
	}
}

func (s *SessionState) SetConnectionState(id domain.ParticipantID, state domain.SignalingState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state == domain.SignalingClosed {
		delete(s.connections, id)
		return
	}
	s.connections[id] = state
}

func (s *SessionState) ConnectionState(id domain.ParticipantID) (domain.SignalingState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.connections[id]
	return st, ok
}

// SetRemoteStream records the composite stream of a peer; nil releases it.
func (s *SessionState) SetRemoteStream(id domain.ParticipantID, stream *MediaStream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stream == nil {
		delete(s.remoteStreams, id)
		return
	}
	s.remoteStreams[id] = stream
}

func (s *SessionState) RemoteStream(id domain.ParticipantID) *MediaStream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteStreams[id]
}

func (s *SessionState) SetLocalStream(stream *MediaStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localStream = stream
}

func (s *SessionState) LocalStream() *MediaStream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localStream
}

func (s *SessionState) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioEnabled = enabled
}

func (s *SessionState) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoEnabled = enabled
}

func (s *SessionState) IsAudioEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioEnabled
}

func (s *SessionState) IsVideoEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoEnabled
}

// AddShare registers a screen share. The owner must be the local
// participant or a known remote participant. An existing entry is
// returned unchanged.
func (s *SessionState) AddShare(share domain.ScreenShare) (ScreenShareView, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.shares[share.ID]; ok {
		return ScreenShareView{ScreenShare: existing.info, Stream: existing.stream}, false, nil
	}
	if share.Owner != s.localID {
		if _, ok := s.participants[share.Owner]; !ok {
			return ScreenShareView{}, false, domain.ErrParticipantNotFound
		}
	}
	if share.StartedAt.IsZero() {
		share.StartedAt = time.Now()
	}

	entry := &shareEntry{info: share, stream: NewMediaStream(string(share.ID))}
	s.shares[share.ID] = entry
	return ScreenShareView{ScreenShare: entry.info, Stream: entry.stream}, true, nil
}

func (s *SessionState) Share(id domain.ShareID) (ScreenShareView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.shares[id]
	if !ok {
		return ScreenShareView{}, false
	}
	return ScreenShareView{ScreenShare: entry.info, Stream: entry.stream}, true
}

// Shares returns active shares ordered by start time.
func (s *SessionState) Shares() []ScreenShareView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ScreenShareView, 0, len(s.shares))
	for _, entry := range s.shares {
		out = append(out, ScreenShareView{ScreenShare: entry.info, Stream: entry.stream})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// RemoveShare destroys a share entry, clearing the pin if it pointed at it.
func (s *SessionState) RemoveShare(id domain.ShareID) (share domain.ScreenShare, pinCleared bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.shares[id]
	if !ok {
		return domain.ScreenShare{}, false, false
	}
	delete(s.shares, id)
	if s.pinned == id.Tile() {
		s.pinned = ""
		pinCleared = true
	}
	return entry.info, pinCleared, true
}

// ResolveTile looks a tile id up among live participants, the local
// participant included, and shares.
func (s *SessionState) ResolveTile(id domain.TileID) (domain.Tile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveTileLocked(id)
}

func (s *SessionState) resolveTileLocked(id domain.TileID) (domain.Tile, bool) {
	if id == "" {
		return domain.Tile{}, false
	}
	if share, ok := s.shares[domain.ShareID(id)]; ok {
		return domain.Tile{Kind: domain.TileScreenShare, Owner: share.info.Owner, ShareID: share.info.ID}, true
	}
	pid := domain.ParticipantID(id)
	if _, ok := s.participants[pid]; ok || (pid == s.localID && s.localID != "") {
		return domain.Tile{Kind: domain.TileParticipant, Owner: pid}, true
	}
	return domain.Tile{}, false
}

// TogglePin pins id, or unpins it if it is already the pin. It returns
// the resulting pin, if any.
func (s *SessionState) TogglePin(id domain.TileID) (*domain.Tile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pinned == id && id != "" {
		s.pinned = ""
		return nil, nil
	}
	tile, ok := s.resolveTileLocked(id)
	if !ok {
		return nil, domain.ErrTileNotFound
	}
	s.pinned = id
	return &tile, nil
}

// ClearPinIf clears the pin when it equals id.
func (s *SessionState) ClearPinIf(id domain.TileID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pinned == "" || s.pinned != id {
		return false
	}
	s.pinned = ""
	return true
}

func (s *SessionState) PinnedTile() (domain.Tile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveTileLocked(s.pinned)
}

func (s *SessionState) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SessionSnapshot{
		RoomID:        s.roomID,
		LocalID:       s.localID,
		Participants:  s.participantsLocked(),
		Connections:   make(map[domain.ParticipantID]domain.SignalingState, len(s.connections)),
		AudioEnabled:  s.audioEnabled,
		VideoEnabled:  s.videoEnabled,
		LocalSpeaking: s.localSpeaking,
	}
	for id, st := range s.connections {
		snap.Connections[id] = st
	}
	for _, entry := range s.shares {
		snap.ScreenShares = append(snap.ScreenShares, entry.info)
	}
	sort.Slice(snap.ScreenShares, func(i, j int) bool { return snap.ScreenShares[i].ID < snap.ScreenShares[j].ID })
	if tile, ok := s.resolveTileLocked(s.pinned); ok {
		snap.Pinned = &tile
	}
	return snap
}
