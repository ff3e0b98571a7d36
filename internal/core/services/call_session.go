package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/config"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"

	"go.uber.org/zap"
)

type CallSessionDeps struct {
	Config     *config.Config
	Membership ports.RoomMembershipService
	Connector  ports.SignalingConnector
	Gateway    ports.MediaDeviceGateway
	Transports ports.TransportFactory
	Metrics    ports.CallMetrics
	Logger     *zap.SugaredLogger
}

// CallSession is one participant's view of one room: it joins, keeps the
// mesh in shape while signaling flows, and leaves. A session can join
// again after Leave.
type CallSession struct {
	membership ports.RoomMembershipService
	connector  ports.SignalingConnector
	metrics    ports.CallMetrics
	logger     *zap.SugaredLogger

	state    *SessionState
	router   *EventRouter
	peers    *PeerConnectionManager
	media    *MediaStreamController
	presence *PresenceCoordinator
	pins     *PinManager
	vad      *VoiceActivityService

	mu       sync.Mutex
	port     ports.SignalingPort
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewCallSession(deps CallSessionDeps) *CallSession {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewCallStatsRecorder()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	state := NewSessionState()
	router := NewEventRouter(cfg.Events.BufferSize, logger)
	pins := NewPinManager(state, router, logger)
	peers := NewPeerConnectionManager(PeerManagerConfig{
		ICEGatherTimeout:   cfg.WebRTC.ICEGatherTimeout,
		DisconnectGrace:    cfg.WebRTC.DisconnectGrace,
		NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
		TrickleICE:         cfg.WebRTC.TrickleICE,
		GlarePolicy:        cfg.WebRTC.GlarePolicy,
	}, deps.Transports, state, router, metrics, logger)
	media := NewMediaStreamController(MediaConfig{
		CameraScreenFallback: cfg.Media.CameraScreenFallback,
	}, deps.Gateway, deps.Membership, peers, state, router, pins, metrics, logger)
	vad := NewVoiceActivityService(VADConfig{
		Mode:           cfg.VoiceActivity.Mode,
		FrameInterval:  cfg.VoiceActivity.FrameInterval,
		ThresholdDB:    cfg.VoiceActivity.ThresholdDB,
		SpeakingFrames: cfg.VoiceActivity.SpeakingFrames,
		SilenceFrames:  cfg.VoiceActivity.SilenceFrames,
	}, peers, state, router, metrics, logger)

	s := &CallSession{
		membership: deps.Membership,
		connector:  deps.Connector,
		metrics:    metrics,
		logger:     logger,
		state:      state,
		router:     router,
		peers:      peers,
		media:      media,
		presence:   NewPresenceCoordinator(peers, media, state, router, pins, logger),
		pins:       pins,
		vad:        vad,
	}
	media.OnAudioTrackChanged(func(track ports.LocalTrack) {
		s.vad.Attach(s.sessionContext(), track)
	})
	return s
}

func (s *CallSession) sessionContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Join enters roomID. Any failure before the member list is known undoes
// the join, and no connection is created.
func (s *CallSession) Join(ctx context.Context, roomID domain.RoomID, handle string, wantVideo bool) (domain.JoinResult, error) {
	ctx, span := tracing.TraceMembership(ctx, "join", string(roomID))
	defer span.End()

	if s.state.InCall() {
		return domain.JoinResult{}, domain.ErrAlreadyInRoom
	}

	result, err := s.membership.Join(ctx, roomID, handle)
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.JoinResult{}, fmt.Errorf("%w: %v", domain.ErrJoinRejected, err)
	}
	if !result.Joined || result.ParticipantID == "" {
		return domain.JoinResult{}, domain.ErrJoinRejected
	}
	if result.RoomID == "" {
		result.RoomID = roomID
	}
	if err := s.state.Begin(result.RoomID, result.ParticipantID); err != nil {
		s.leaveMembership(ctx)
		return domain.JoinResult{}, err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.ctx, s.cancel = sessionCtx, cancel
	s.mu.Unlock()

	if err := s.media.StartLocalStream(ctx, wantVideo); err != nil {
		s.abortJoin(ctx)
		return domain.JoinResult{}, fmt.Errorf("start local stream: %w", err)
	}

	port, err := s.connector.Connect(ctx, result)
	if err != nil {
		s.abortJoin(ctx)
		return domain.JoinResult{}, fmt.Errorf("connect signaling: %w", err)
	}
	s.peers.Start(port)

	done := make(chan struct{})
	s.mu.Lock()
	s.port, s.loopDone = port, done
	s.mu.Unlock()
	go s.readLoop(port, result.RoomID, done)

	members, err := s.membership.ListMembers(ctx, result.RoomID)
	if err != nil {
		s.abortJoin(ctx)
		return domain.JoinResult{}, fmt.Errorf("list members: %w", err)
	}
	s.presence.OnExistingMembers(ctx, members)

	s.logger.Infow("joined room", "room_id", result.RoomID, "participant_id", result.ParticipantID, "members", len(members))
	return result, nil
}

func (s *CallSession) abortJoin(ctx context.Context) {
	s.teardown(ctx)
	s.leaveMembership(ctx)
	s.state.End()
}

func (s *CallSession) leaveMembership(ctx context.Context) {
	if _, err := s.membership.Leave(ctx); err != nil {
		s.logger.Warnw("membership leave failed", "error", err)
	}
}

// Leave exits the room. It tears the mesh down before the membership
// record so peers see member_left after our connections are gone.
func (s *CallSession) Leave(ctx context.Context) error {
	if !s.state.InCall() {
		return domain.ErrNotInRoom
	}
	roomID := s.state.RoomID()

	s.media.StopAllScreenShares(ctx)
	s.teardown(ctx)

	var err error
	if _, leaveErr := s.membership.Leave(ctx); leaveErr != nil {
		err = fmt.Errorf("leave room: %w", leaveErr)
		s.logger.Warnw("membership leave failed", "room_id", roomID, "error", leaveErr)
	}
	s.state.End()
	s.logger.Infow("left room", "room_id", roomID)
	return err
}

func (s *CallSession) teardown(ctx context.Context) {
	s.vad.Detach()
	s.peers.Stop()
	s.peers.CloseAll(ctx)
	s.media.StopLocalStream(ctx)

	s.mu.Lock()
	port, done, cancel := s.port, s.loopDone, s.cancel
	s.port, s.loopDone, s.cancel, s.ctx = nil, nil, nil, nil
	s.mu.Unlock()

	if port != nil {
		if err := port.Close(); err != nil {
			s.logger.Debugw("signaling close", "error", err)
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}
}

// Close leaves the room if needed and releases the session's workers and
// event topics.
func (s *CallSession) Close(ctx context.Context) error {
	var err error
	if s.state.InCall() {
		err = s.Leave(ctx)
	}
	if shutdownErr := s.peers.Shutdown(ctx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	s.router.Close()
	return err
}

func (s *CallSession) readLoop(port ports.SignalingPort, roomID domain.RoomID, done chan struct{}) {
	defer close(done)

	for msg := range port.Messages() {
		s.route(roomID, msg)
	}
	s.logger.Infow("signaling channel closed", "room_id", roomID)
}

func (s *CallSession) route(roomID domain.RoomID, msg *domain.SignalMessage) {
	if err := validation.ValidateSignalMessage(msg); err != nil {
		s.metrics.SignalDropped("invalid")
		s.logger.Warnw("invalid signaling message dropped", "error", err)
		return
	}

	local := s.state.LocalID()
	switch {
	case msg.Type == domain.MessagePing || msg.Type == domain.MessagePong:
		return
	case msg.Type == domain.MessageError:
		s.logger.Warnw("signaling server error", "room_id", roomID, "error", msg.Error)
		return
	case msg.From == local && local != "":
		s.metrics.SignalDropped("self")
		return
	case msg.To != "" && msg.To != local:
		s.metrics.SignalDropped("misrouted")
		s.logger.Warnw("message for another participant dropped", "to", msg.To, "type", msg.Type)
		return
	case msg.RoomID != "" && msg.RoomID != roomID:
		s.metrics.SignalDropped("wrong_room")
		return
	}

	key := msg.From
	if msg.Type == domain.MessageMemberJoined || msg.Type == domain.MessageMemberLeft {
		key = msg.Participant.ID
	}
	if key == "" || key == local {
		s.metrics.SignalDropped("no_sender")
		return
	}

	if err := s.peers.Submit(key, func(ctx context.Context) {
		if s.state.RoomID() != roomID {
			return
		}
		s.handle(ctx, msg)
	}); err != nil {
		s.metrics.SignalDropped("closed")
	}
}

// handle runs on the sender's queue.
func (s *CallSession) handle(ctx context.Context, msg *domain.SignalMessage) {
	var err error
	switch msg.Type {
	case domain.MessageMemberJoined:
		s.presence.OnMemberJoined(ctx, *msg.Participant)
	case domain.MessageMemberLeft:
		s.presence.OnMemberLeft(ctx, msg.Participant.ID)
	case domain.MessageOffer:
		if !s.state.HasParticipant(msg.From) {
			s.presence.OnMemberJoined(ctx, domain.Participant{ID: msg.From})
		}
		err = s.peers.HandleOffer(ctx, msg.From, *msg.SDP)
	case domain.MessageAnswer:
		err = s.peers.HandleAnswer(ctx, msg.From, *msg.SDP)
	case domain.MessageCandidate:
		err = s.peers.HandleCandidate(ctx, msg.From, msg.Candidate)
	case domain.MessageSpeaking:
		s.vad.OnRemoteSpeaking(msg.From, true)
	case domain.MessageNotSpeaking:
		s.vad.OnRemoteSpeaking(msg.From, false)
	case domain.MessageScreenShareStarted:
		err = s.media.OnRemoteShareStarted(ctx, msg.From, msg.ShareID)
	case domain.MessageScreenShareStopped:
		err = s.media.OnRemoteShareStopped(ctx, msg.From, msg.ShareID)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warnw("signaling message failed", "type", msg.Type, "participant_id", msg.From, "error", err)
	}
}

// Settle waits until every queued task for current peers has run.
func (s *CallSession) Settle(ctx context.Context) error {
	ids := s.peers.Peers()
	for _, p := range s.state.Participants() {
		ids = append(ids, p.ID)
	}
	for _, id := range ids {
		if err := s.peers.Flush(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *CallSession) State() SessionSnapshot { return s.state.Snapshot() }

func (s *CallSession) Events() *EventRouter { return s.router }

func (s *CallSession) Media() *MediaStreamController { return s.media }

func (s *CallSession) Pins() *PinManager { return s.pins }

func (s *CallSession) Peers() *PeerConnectionManager { return s.peers }
