package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/config"
	"meshcall/pkg/dispatch"
	"meshcall/pkg/tracing"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

const maxBufferedCandidates = 512

type PeerManagerConfig struct {
	ICEGatherTimeout time.Duration
	DisconnectGrace  time.Duration
	// NegotiationTimeout reports an offer left unanswered for this long.
	// Zero disables the check.
	NegotiationTimeout time.Duration
	TrickleICE         bool
	GlarePolicy        string
}

// localTrackSource hands out the local tracks every new connection must
// carry. fn runs while the source is locked against track changes.
type localTrackSource interface {
	withLocalTracks(fn func(tracks []ports.LocalTrack) error) error
}

type peerEntry struct {
	id        domain.ParticipantID
	transport ports.PeerTransport
	machine   *fsm.FSM
	remote    *MediaStream

	// guarded by PeerConnectionManager.mu
	senders           map[string]ports.TrackSender
	remoteDescription bool
	renegotiate       bool
	iceRestart        bool
	disconnected      bool
	graceTimer        *time.Timer
	negotiationTimer  *time.Timer
	offerSentAt       time.Time
}

func (e *peerEntry) signalingState() domain.SignalingState {
	return domain.SignalingState(e.machine.Current())
}

type parkedTrack struct {
	owner domain.ParticipantID
	track ports.MediaTrack
}

// PeerConnectionManager owns one connection per remote participant and
// drives its offer/answer/candidate exchange. Methods that negotiate must
// run on the peer's queue (see Submit); they are not safe to call
// concurrently for the same participant.
type PeerConnectionManager struct {
	cfg        PeerManagerConfig
	factory    ports.TransportFactory
	state      *SessionState
	router     *EventRouter
	metrics    ports.CallMetrics
	logger     *zap.SugaredLogger
	dispatcher *dispatch.KeyedDispatcher[domain.ParticipantID]
	media      localTrackSource

	mu         sync.RWMutex
	peers      map[domain.ParticipantID]*peerEntry
	candidates map[domain.ParticipantID][]domain.ICECandidate
	parked     map[domain.ShareID][]parkedTrack
	signaling  ports.SignalingPort
	accepting  bool
}

func NewPeerConnectionManager(
	cfg PeerManagerConfig,
	factory ports.TransportFactory,
	state *SessionState,
	router *EventRouter,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *PeerConnectionManager {
	if metrics == nil {
		metrics = NewCallStatsRecorder()
	}
	if cfg.GlarePolicy == "" {
		cfg.GlarePolicy = config.GlareLargerIDYields
	}
	return &PeerConnectionManager{
		cfg:        cfg,
		factory:    factory,
		state:      state,
		router:     router,
		metrics:    metrics,
		logger:     logger,
		dispatcher: dispatch.NewKeyedDispatcher[domain.ParticipantID](logger),
		peers:      make(map[domain.ParticipantID]*peerEntry),
		candidates: make(map[domain.ParticipantID][]domain.ICECandidate),
		parked:     make(map[domain.ShareID][]parkedTrack),
	}
}

func (m *PeerConnectionManager) setLocalMedia(source localTrackSource) {
	m.media = source
}

// Start accepts new connections and sends through port.
func (m *PeerConnectionManager) Start(port ports.SignalingPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signaling = port
	m.accepting = true
}

// Stop refuses new connections. Existing ones stay until CloseAll.
func (m *PeerConnectionManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepting = false
	m.signaling = nil
}

// Submit queues task on participantID's serial queue.
func (m *PeerConnectionManager) Submit(participantID domain.ParticipantID, task dispatch.Task) error {
	return m.dispatcher.Submit(participantID, task)
}

// Flush waits until every task queued for participantID has run.
func (m *PeerConnectionManager) Flush(ctx context.Context, participantID domain.ParticipantID) error {
	return m.dispatcher.Flush(ctx, participantID)
}

func (m *PeerConnectionManager) Shutdown(ctx context.Context) error {
	return m.dispatcher.Close(ctx)
}

func (m *PeerConnectionManager) Has(participantID domain.ParticipantID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peers[participantID]
	return ok
}

// Peers returns the participants with a live entry, sorted.
func (m *PeerConnectionManager) Peers() []domain.ParticipantID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]domain.ParticipantID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *PeerConnectionManager) SignalingState(participantID domain.ParticipantID) (domain.SignalingState, bool) {
	entry := m.entry(participantID)
	if entry == nil {
		return "", false
	}
	return entry.signalingState(), true
}

func (m *PeerConnectionManager) entry(participantID domain.ParticipantID) *peerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[participantID]
}

// CreateConnection allocates a connection for participantID and wires the
// current local tracks into it. An existing entry is kept as is.
func (m *PeerConnectionManager) CreateConnection(ctx context.Context, participantID domain.ParticipantID) error {
	m.mu.RLock()
	_, exists := m.peers[participantID]
	accepting := m.accepting
	m.mu.RUnlock()

	if exists {
		return nil
	}
	if !accepting {
		return domain.ErrNotInRoom
	}
	if participantID == m.state.LocalID() {
		return fmt.Errorf("%w: connection to self", domain.ErrProtocolViolation)
	}
	if m.media == nil {
		return domain.ErrNoLocalMedia
	}

	transport, err := m.factory.NewTransport(ctx, participantID)
	if err != nil {
		return fmt.Errorf("%w: new transport: %v", domain.ErrTransportFailure, err)
	}

	entry := &peerEntry{
		id:        participantID,
		transport: transport,
		remote:    NewMediaStream(string(participantID)),
		senders:   make(map[string]ports.TrackSender),
	}
	entry.machine = newSignalingFSM(func(from, to domain.SignalingState) {
		m.state.SetConnectionState(participantID, to)
		m.router.Signaling.Publish(domain.SignalingEvent{ParticipantID: participantID, From: from, To: to})
	})
	m.wireTransport(entry)

	err = m.media.withLocalTracks(func(tracks []ports.LocalTrack) error {
		for _, track := range tracks {
			sender, err := transport.AddTrack(track)
			if err != nil {
				return fmt.Errorf("%w: add %s track: %v", domain.ErrTransportFailure, track.Kind(), err)
			}
			entry.senders[track.ID()] = sender
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.accepting {
			return domain.ErrNotInRoom
		}
		if _, raced := m.peers[participantID]; raced {
			return errConnectionRaced
		}
		m.peers[participantID] = entry
		return nil
	})
	if err != nil {
		_ = transport.Close()
		if errors.Is(err, errConnectionRaced) {
			return nil
		}
		m.logger.Warnw("create connection failed", "participant_id", participantID, "error", err)
		return err
	}

	m.state.SetConnectionState(participantID, domain.SignalingNew)
	m.metrics.ConnectionOpened()
	m.logger.Infow("peer connection created", "participant_id", participantID, "tracks", len(entry.senders))
	return nil
}

var errConnectionRaced = errors.New("connection created concurrently")

func (m *PeerConnectionManager) wireTransport(entry *peerEntry) {
	id := entry.id

	entry.transport.OnICECandidate(func(candidate *domain.ICECandidate) {
		if candidate == nil || !m.cfg.TrickleICE {
			return
		}
		if err := m.send(context.Background(), &domain.SignalMessage{
			Type:      domain.MessageCandidate,
			To:        id,
			Candidate: candidate,
		}); err != nil {
			m.logger.Debugw("send candidate failed", "participant_id", id, "error", err)
		}
	})

	entry.transport.OnTrack(func(track ports.MediaTrack) {
		_ = m.Submit(id, func(ctx context.Context) {
			m.handleRemoteTrack(id, entry, track)
		})
	})

	entry.transport.OnTrackEnded(func(track ports.MediaTrack) {
		_ = m.Submit(id, func(ctx context.Context) {
			m.handleRemoteTrackEnded(id, entry, track)
		})
	})

	entry.transport.OnStateChange(func(st domain.TransportState) {
		m.handleTransportState(entry, st)
	})
}

// CreateOffer starts negotiation with a freshly created connection.
func (m *PeerConnectionManager) CreateOffer(ctx context.Context, participantID domain.ParticipantID) error {
	entry := m.entry(participantID)
	if entry == nil {
		return domain.ErrConnectionNotFound
	}
	if st := entry.signalingState(); st != domain.SignalingNew {
		m.logger.Warnw("create offer ignored", "participant_id", participantID, "state", st)
		return fmt.Errorf("%w: create offer in %s", domain.ErrSignalingState, st)
	}
	return m.offer(ctx, entry, false)
}

// Renegotiate sends a new offer on an established connection. While a
// negotiation is in flight the request is remembered and replayed once
// the connection is stable. A connection that has not offered yet needs
// nothing: its first offer carries the current tracks.
func (m *PeerConnectionManager) Renegotiate(ctx context.Context, participantID domain.ParticipantID, iceRestart bool) error {
	entry := m.entry(participantID)
	if entry == nil {
		return domain.ErrConnectionNotFound
	}

	switch entry.signalingState() {
	case domain.SignalingStable:
		return m.offer(ctx, entry, iceRestart)
	case domain.SignalingHaveLocalOffer, domain.SignalingHaveRemoteOffer:
		m.mu.Lock()
		entry.renegotiate = true
		entry.iceRestart = entry.iceRestart || iceRestart
		m.mu.Unlock()
		return nil
	default:
		return nil
	}
}

// RequestRenegotiation queues Renegotiate for each participant.
func (m *PeerConnectionManager) RequestRenegotiation(participantIDs []domain.ParticipantID) {
	for _, id := range participantIDs {
		id := id
		_ = m.Submit(id, func(ctx context.Context) {
			if err := m.Renegotiate(ctx, id, false); err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
				m.logger.Warnw("renegotiation failed", "participant_id", id, "error", err)
			}
		})
	}
}

func (m *PeerConnectionManager) offer(ctx context.Context, entry *peerEntry, iceRestart bool) error {
	ctx, span := tracing.TraceNegotiation(ctx, "create_offer", string(entry.id))
	defer span.End()

	t := entry.transport
	offer, err := t.CreateOffer(ctx, iceRestart)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: create offer: %v", domain.ErrTransportFailure, err)
	}

	gathered := t.GatheringComplete()
	if err := t.SetLocalDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: set local offer: %v", domain.ErrTransportFailure, err)
	}
	desc := m.awaitGathering(ctx, entry, gathered, offer)

	if err := m.send(ctx, &domain.SignalMessage{Type: domain.MessageOffer, To: entry.id, SDP: &desc}); err != nil {
		if rbErr := t.Rollback(); rbErr != nil {
			m.logger.Warnw("rollback after failed offer send", "participant_id", entry.id, "error", rbErr)
		}
		tracing.RecordError(ctx, err)
		return fmt.Errorf("send offer: %w", err)
	}

	if err := entry.machine.Event(ctx, evLocalOffer); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignalingState, err)
	}

	m.mu.Lock()
	entry.offerSentAt = time.Now()
	if m.cfg.NegotiationTimeout > 0 {
		stopTimer(entry.negotiationTimer)
		entry.negotiationTimer = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
			_ = m.Submit(entry.id, func(context.Context) { m.checkNegotiationStalled(entry) })
		})
	}
	m.mu.Unlock()

	m.logger.Debugw("offer sent", "participant_id", entry.id, "ice_restart", iceRestart)
	return nil
}

func (m *PeerConnectionManager) checkNegotiationStalled(entry *peerEntry) {
	if m.entry(entry.id) != entry || entry.signalingState() != domain.SignalingHaveLocalOffer {
		return
	}
	m.logger.Warnw("offer unanswered", "participant_id", entry.id, "timeout", m.cfg.NegotiationTimeout)
	m.router.Transport.Publish(domain.TransportEvent{
		Kind:          domain.TransportEventNegotiationStalled,
		ParticipantID: entry.id,
	})
}

// awaitGathering waits, bounded by ICEGatherTimeout, until the local
// description carries its candidates. With trickle ICE it returns at once.
func (m *PeerConnectionManager) awaitGathering(ctx context.Context, entry *peerEntry, gathered <-chan struct{}, fallback domain.SessionDescription) domain.SessionDescription {
	if !m.cfg.TrickleICE {
		timer := time.NewTimer(m.cfg.ICEGatherTimeout)
		defer timer.Stop()

		select {
		case <-gathered:
		case <-timer.C:
			m.logger.Warnw("ice gathering timed out, sending partial description",
				"participant_id", entry.id, "timeout", m.cfg.ICEGatherTimeout)
		case <-ctx.Done():
		}
	}

	if desc := entry.transport.LocalDescription(); desc != nil {
		return *desc
	}
	return fallback
}

// HandleOffer applies a remote offer and answers it. Offers that collide
// with our own pending offer are settled by the glare policy.
func (m *PeerConnectionManager) HandleOffer(ctx context.Context, from domain.ParticipantID, sdp domain.SessionDescription) error {
	ctx, span := tracing.TraceNegotiation(ctx, "handle_offer", string(from))
	defer span.End()

	entry := m.entry(from)
	if entry == nil {
		if err := m.CreateConnection(ctx, from); err != nil {
			m.logger.Warnw("offer discarded, cannot create connection", "participant_id", from, "error", err)
			return err
		}
		if entry = m.entry(from); entry == nil {
			return domain.ErrConnectionNotFound
		}
	}

	t := entry.transport
	event := evRemoteOffer
	switch st := entry.signalingState(); st {
	case domain.SignalingNew, domain.SignalingStable:
	case domain.SignalingHaveLocalOffer:
		if !m.localYields(from) {
			m.logger.Warnw("glare: keeping local offer, remote offer dropped", "participant_id", from)
			return nil
		}
		m.logger.Infow("glare: yielding to remote offer", "participant_id", from)
		if err := t.Rollback(); err != nil {
			return fmt.Errorf("%w: rollback: %v", domain.ErrTransportFailure, err)
		}
		m.mu.Lock()
		stopTimer(entry.negotiationTimer)
		entry.negotiationTimer = nil
		m.mu.Unlock()
		event = evGlareYield
	default:
		m.logger.Warnw("offer ignored", "participant_id", from, "state", st)
		return fmt.Errorf("%w: offer in %s", domain.ErrSignalingState, st)
	}

	if err := t.SetRemoteDescription(sdp); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: set remote offer: %v", domain.ErrTransportFailure, err)
	}
	if err := entry.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignalingState, err)
	}
	m.remoteDescriptionApplied(entry)

	started := time.Now()
	answer, err := t.CreateAnswer(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: create answer: %v", domain.ErrTransportFailure, err)
	}
	gathered := t.GatheringComplete()
	if err := t.SetLocalDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: set local answer: %v", domain.ErrTransportFailure, err)
	}
	desc := m.awaitGathering(ctx, entry, gathered, answer)

	if err := m.send(ctx, &domain.SignalMessage{Type: domain.MessageAnswer, To: from, SDP: &desc}); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("send answer: %w", err)
	}
	if err := entry.machine.Event(ctx, evLocalAnswer); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignalingState, err)
	}

	m.metrics.NegotiationCompleted("answerer", time.Since(started))
	m.replayRenegotiation(ctx, entry)
	return nil
}

// HandleAnswer completes a negotiation we started.
func (m *PeerConnectionManager) HandleAnswer(ctx context.Context, from domain.ParticipantID, sdp domain.SessionDescription) error {
	ctx, span := tracing.TraceNegotiation(ctx, "handle_answer", string(from))
	defer span.End()

	entry := m.entry(from)
	if entry == nil {
		m.logger.Warnw("answer for unknown connection discarded", "participant_id", from)
		return domain.ErrConnectionNotFound
	}
	if st := entry.signalingState(); st != domain.SignalingHaveLocalOffer {
		m.logger.Warnw("stale answer discarded", "participant_id", from, "state", st)
		return fmt.Errorf("%w: answer in %s", domain.ErrSignalingState, st)
	}

	if err := entry.transport.SetRemoteDescription(sdp); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: set remote answer: %v", domain.ErrTransportFailure, err)
	}
	if err := entry.machine.Event(ctx, evRemoteAnswer); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignalingState, err)
	}

	m.mu.Lock()
	stopTimer(entry.negotiationTimer)
	entry.negotiationTimer = nil
	sentAt := entry.offerSentAt
	m.mu.Unlock()

	m.remoteDescriptionApplied(entry)
	m.metrics.NegotiationCompleted("offerer", time.Since(sentAt))
	m.replayRenegotiation(ctx, entry)
	return nil
}

// HandleCandidate applies a remote candidate, or buffers it until the
// connection exists and has a remote description.
func (m *PeerConnectionManager) HandleCandidate(ctx context.Context, from domain.ParticipantID, candidate *domain.ICECandidate) error {
	if candidate.EndOfCandidates() {
		return nil
	}

	m.mu.Lock()
	entry := m.peers[from]
	if entry == nil || !entry.remoteDescription {
		buffered := m.candidates[from]
		if len(buffered) >= maxBufferedCandidates {
			m.mu.Unlock()
			m.logger.Warnw("candidate buffer full, dropping candidate", "participant_id", from)
			return nil
		}
		m.candidates[from] = append(buffered, *candidate)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := entry.transport.AddICECandidate(*candidate); err != nil {
		m.logger.Warnw("add ice candidate failed", "participant_id", from, "error", err)
		return fmt.Errorf("%w: add candidate: %v", domain.ErrTransportFailure, err)
	}
	return nil
}

// BufferedCandidates reports how many candidates wait for participantID.
func (m *PeerConnectionManager) BufferedCandidates(participantID domain.ParticipantID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.candidates[participantID])
}

func (m *PeerConnectionManager) remoteDescriptionApplied(entry *peerEntry) {
	m.mu.Lock()
	entry.remoteDescription = true
	pending := m.candidates[entry.id]
	delete(m.candidates, entry.id)
	m.mu.Unlock()

	for _, c := range pending {
		if err := entry.transport.AddICECandidate(c); err != nil {
			m.logger.Warnw("buffered candidate rejected", "participant_id", entry.id, "error", err)
		}
	}
}

func (m *PeerConnectionManager) replayRenegotiation(ctx context.Context, entry *peerEntry) {
	m.mu.Lock()
	pending, restart := entry.renegotiate, entry.iceRestart
	entry.renegotiate, entry.iceRestart = false, false
	m.mu.Unlock()

	if !pending {
		return
	}
	if err := m.offer(ctx, entry, restart); err != nil {
		m.logger.Warnw("deferred renegotiation failed", "participant_id", entry.id, "error", err)
	}
}

// localYields reports whether we give up our own offer when it collides
// with one from remote.
func (m *PeerConnectionManager) localYields(remote domain.ParticipantID) bool {
	local := m.state.LocalID()
	if m.cfg.GlarePolicy == config.GlareSmallerIDYields {
		return local < remote
	}
	return local > remote
}

// CloseConnection tears down participantID's connection. Closing an
// unknown or already closed connection is a no-op.
func (m *PeerConnectionManager) CloseConnection(ctx context.Context, participantID domain.ParticipantID) error {
	m.mu.Lock()
	entry := m.peers[participantID]
	delete(m.peers, participantID)
	delete(m.candidates, participantID)
	for shareID, parked := range m.parked {
		kept := parked[:0]
		for _, p := range parked {
			if p.owner != participantID {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(m.parked, shareID)
		} else {
			m.parked[shareID] = kept
		}
	}
	var senders []ports.TrackSender
	if entry != nil {
		stopTimer(entry.graceTimer)
		stopTimer(entry.negotiationTimer)
		entry.graceTimer, entry.negotiationTimer = nil, nil
		for _, s := range entry.senders {
			senders = append(senders, s)
		}
		entry.senders = make(map[string]ports.TrackSender)
	}
	m.mu.Unlock()

	if entry == nil {
		return nil
	}

	for _, s := range senders {
		if err := entry.transport.RemoveTrack(s); err != nil {
			m.logger.Debugw("remove sender on close", "participant_id", participantID, "error", err)
		}
	}
	if entry.machine.Can(evClose) {
		_ = entry.machine.Event(ctx, evClose)
	}
	if err := entry.transport.Close(); err != nil {
		m.logger.Warnw("transport close failed", "participant_id", participantID, "error", err)
	}

	m.state.SetRemoteStream(participantID, nil)
	m.state.SetConnectionState(participantID, domain.SignalingClosed)
	if entry.remote.Len() > 0 {
		m.router.Media.Publish(domain.MediaEvent{Kind: domain.MediaRemoteStreamRemoved, ParticipantID: participantID})
	}
	m.metrics.ConnectionClosed()
	m.logger.Infow("peer connection closed", "participant_id", participantID)
	return nil
}

// CloseAll closes every connection and drops buffered signaling state.
func (m *PeerConnectionManager) CloseAll(ctx context.Context) {
	for _, id := range m.Peers() {
		_ = m.CloseConnection(ctx, id)
	}

	m.mu.Lock()
	m.candidates = make(map[domain.ParticipantID][]domain.ICECandidate)
	m.parked = make(map[domain.ShareID][]parkedTrack)
	m.mu.Unlock()
}

func (m *PeerConnectionManager) handleRemoteTrack(from domain.ParticipantID, entry *peerEntry, track ports.MediaTrack) {
	if m.entry(from) != entry {
		return
	}

	if streamID := track.StreamID(); domain.IsShareStreamID(streamID) {
		shareID := domain.ShareID(streamID)
		if view, ok := m.state.Share(shareID); ok && view.Owner == from {
			if view.Stream.AddTrack(track) {
				m.router.Media.Publish(domain.MediaEvent{
					Kind:          domain.MediaScreenShareUpdated,
					ParticipantID: from,
					ShareID:       shareID,
					TrackID:       domain.TrackID(track.ID()),
					TrackKind:     track.Kind(),
				})
			}
			return
		}

		m.mu.Lock()
		m.parked[shareID] = append(m.parked[shareID], parkedTrack{owner: from, track: track})
		m.mu.Unlock()
		m.logger.Debugw("share track parked until share is announced", "participant_id", from, "share_id", shareID)
		return
	}

	if !entry.remote.AddTrack(track) {
		return
	}
	kind := domain.MediaRemoteStreamUpdated
	if entry.remote.Len() == 1 {
		kind = domain.MediaRemoteStreamReady
	}
	m.state.SetRemoteStream(from, entry.remote)
	m.syncRemoteMedia(from, entry)
	m.router.Media.Publish(domain.MediaEvent{
		Kind:          kind,
		ParticipantID: from,
		TrackID:       domain.TrackID(track.ID()),
		TrackKind:     track.Kind(),
	})
}

func (m *PeerConnectionManager) handleRemoteTrackEnded(from domain.ParticipantID, entry *peerEntry, track ports.MediaTrack) {
	if m.entry(from) != entry {
		return
	}

	if streamID := track.StreamID(); domain.IsShareStreamID(streamID) {
		if view, ok := m.state.Share(domain.ShareID(streamID)); ok {
			if _, removed := view.Stream.RemoveTrack(track.ID()); removed {
				m.router.Media.Publish(domain.MediaEvent{
					Kind:          domain.MediaScreenShareUpdated,
					ParticipantID: from,
					ShareID:       view.ID,
					TrackID:       domain.TrackID(track.ID()),
					TrackKind:     track.Kind(),
				})
			}
		}
		return
	}

	if _, removed := entry.remote.RemoveTrack(track.ID()); !removed {
		return
	}
	m.syncRemoteMedia(from, entry)
	m.router.Media.Publish(domain.MediaEvent{
		Kind:          domain.MediaRemoteStreamUpdated,
		ParticipantID: from,
		TrackID:       domain.TrackID(track.ID()),
		TrackKind:     track.Kind(),
	})
}

func (m *PeerConnectionManager) syncRemoteMedia(from domain.ParticipantID, entry *peerEntry) {
	m.state.SetRemoteMedia(from, len(entry.remote.AudioTracks()) > 0, len(entry.remote.VideoTracks()) > 0)
}

// claimParkedTracks hands over tracks that arrived for shareID before the
// share was announced by owner.
func (m *PeerConnectionManager) claimParkedTracks(shareID domain.ShareID, owner domain.ParticipantID) []ports.MediaTrack {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []ports.MediaTrack
	var rest []parkedTrack
	for _, p := range m.parked[shareID] {
		if p.owner == owner {
			claimed = append(claimed, p.track)
		} else {
			rest = append(rest, p)
		}
	}
	if len(rest) == 0 {
		delete(m.parked, shareID)
	} else {
		m.parked[shareID] = rest
	}
	return claimed
}

func (m *PeerConnectionManager) handleTransportState(entry *peerEntry, st domain.TransportState) {
	id := entry.id

	m.mu.Lock()
	if m.peers[id] != entry {
		m.mu.Unlock()
		return
	}

	var event *domain.TransportEvent
	switch st {
	case domain.TransportConnected:
		stopTimer(entry.graceTimer)
		entry.graceTimer = nil
		kind := domain.TransportEventConnected
		if entry.disconnected {
			kind = domain.TransportEventRecovered
		}
		entry.disconnected = false
		event = &domain.TransportEvent{Kind: kind, ParticipantID: id}

	case domain.TransportDisconnected:
		if !entry.disconnected {
			entry.disconnected = true
			entry.graceTimer = time.AfterFunc(m.cfg.DisconnectGrace, func() {
				m.graceExpired(entry)
			})
			event = &domain.TransportEvent{Kind: domain.TransportEventDisconnected, ParticipantID: id}
		}

	case domain.TransportFailed:
		stopTimer(entry.graceTimer)
		entry.graceTimer = nil
		entry.disconnected = true
		event = &domain.TransportEvent{Kind: domain.TransportEventFailed, ParticipantID: id, Hard: true}
	}
	m.mu.Unlock()

	if event == nil {
		return
	}
	if event.Kind == domain.TransportEventFailed {
		m.metrics.TransportFailed(true)
		m.logger.Warnw("peer transport failed", "participant_id", id)
	} else {
		m.logger.Infow("peer transport state", "participant_id", id, "state", st)
	}
	m.router.Transport.Publish(*event)
}

func (m *PeerConnectionManager) graceExpired(entry *peerEntry) {
	m.mu.Lock()
	if m.peers[entry.id] != entry || !entry.disconnected || entry.graceTimer == nil {
		m.mu.Unlock()
		return
	}
	entry.graceTimer = nil
	m.mu.Unlock()

	m.metrics.TransportFailed(true)
	m.logger.Warnw("peer did not recover within grace period", "participant_id", entry.id, "grace", m.cfg.DisconnectGrace)
	m.router.Transport.Publish(domain.TransportEvent{
		Kind:          domain.TransportEventFailed,
		ParticipantID: entry.id,
		Hard:          true,
	})
}

// addTracksToAll adds tracks to every live connection and returns the
// participants whose connection now needs renegotiation. Callers hold the
// local media lock.
func (m *PeerConnectionManager) addTracksToAll(tracks []ports.LocalTrack) []domain.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var touched []domain.ParticipantID
	for id, entry := range m.peers {
		added := false
		for _, track := range tracks {
			if _, ok := entry.senders[track.ID()]; ok {
				continue
			}
			sender, err := entry.transport.AddTrack(track)
			if err != nil {
				m.logger.Warnw("add track to peer failed", "participant_id", id, "track_id", track.ID(), "error", err)
				continue
			}
			entry.senders[track.ID()] = sender
			added = true
		}
		if added {
			touched = append(touched, id)
		}
	}
	return touched
}

// removeTrackFromAll removes trackID's sender from every connection.
func (m *PeerConnectionManager) removeTrackFromAll(trackID string) []domain.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var touched []domain.ParticipantID
	for id, entry := range m.peers {
		sender, ok := entry.senders[trackID]
		if !ok {
			continue
		}
		delete(entry.senders, trackID)
		if err := entry.transport.RemoveTrack(sender); err != nil {
			m.logger.Warnw("remove track from peer failed", "participant_id", id, "track_id", trackID, "error", err)
			continue
		}
		touched = append(touched, id)
	}
	return touched
}

// replaceTrackOnAll swaps oldID for next on every sender without
// renegotiation. A sender that refuses the swap is replaced by a new one,
// and its participant is returned for renegotiation.
func (m *PeerConnectionManager) replaceTrackOnAll(oldID string, next ports.LocalTrack) (renegotiate []domain.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, entry := range m.peers {
		sender, ok := entry.senders[oldID]
		if !ok {
			continue
		}
		delete(entry.senders, oldID)

		err := sender.ReplaceTrack(next)
		if err == nil {
			entry.senders[next.ID()] = sender
			continue
		}
		m.logger.Warnw("replace track failed, re-adding sender", "participant_id", id, "track_id", oldID, "error", err)

		if err := entry.transport.RemoveTrack(sender); err != nil {
			m.logger.Debugw("remove refused sender", "participant_id", id, "error", err)
		}
		added, err := entry.transport.AddTrack(next)
		if err != nil {
			m.logger.Warnw("add replacement track failed", "participant_id", id, "track_id", next.ID(), "error", err)
		} else {
			entry.senders[next.ID()] = added
		}
		renegotiate = append(renegotiate, id)
	}
	return renegotiate
}

func (m *PeerConnectionManager) senderCount(participantID domain.ParticipantID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.peers[participantID]; ok {
		return len(entry.senders)
	}
	return 0
}

func (m *PeerConnectionManager) send(ctx context.Context, msg *domain.SignalMessage) error {
	m.mu.RLock()
	port := m.signaling
	m.mu.RUnlock()

	if port == nil {
		return domain.ErrNotInRoom
	}
	msg.RoomID = m.state.RoomID()
	msg.From = m.state.LocalID()
	return port.Send(ctx, msg)
}

// Broadcast sends a copy of msg to every remote participant.
func (m *PeerConnectionManager) Broadcast(ctx context.Context, msg domain.SignalMessage) {
	for _, p := range m.state.Participants() {
		out := msg
		out.To = p.ID
		if err := m.send(ctx, &out); err != nil {
			m.metrics.SignalDropped("send_failed")
			m.logger.Warnw("broadcast send failed", "participant_id", p.ID, "type", msg.Type, "error", err)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
