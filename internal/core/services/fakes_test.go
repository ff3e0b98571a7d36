package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/config"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testRoom = domain.RoomID("room-1")

type fakeTrack struct {
	id     string
	kind   domain.TrackKind
	device string

	mu       sync.Mutex
	streamID string
	enabled  bool
	stopped  bool
}

func newFakeTrack(id string, kind domain.TrackKind, device, streamID string) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, device: device, streamID: streamID, enabled: true}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) DeviceID() string       { return t.device }

func (t *fakeTrack) StreamID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamID
}

func (t *fakeTrack) SetStreamID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streamID = id
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// tapTrack is an audio track that exposes PCM.
type tapTrack struct {
	*fakeTrack

	mu  sync.Mutex
	fns []func([]int16)
}

func (t *tapTrack) TapPCM(fn func([]int16)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fns = append(t.fns, fn)
	idx := len(t.fns) - 1
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.fns[idx] = nil
	}
}

func (t *tapTrack) push(samples []int16) {
	t.mu.Lock()
	fns := append(([]func([]int16))(nil), t.fns...)
	t.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(samples)
		}
	}
}

type remoteTrack struct {
	id       string
	kind     domain.TrackKind
	streamID string
}

func (t remoteTrack) ID() string             { return t.id }
func (t remoteTrack) Kind() domain.TrackKind { return t.kind }
func (t remoteTrack) StreamID() string       { return t.streamID }

type fakeSender struct {
	mu          sync.Mutex
	track       ports.LocalTrack
	failReplace bool
}

func (s *fakeSender) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(track ports.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReplace {
		return fmt.Errorf("codec mismatch")
	}
	s.track = track
	return nil
}

type fakeTransport struct {
	peer domain.ParticipantID

	mu           sync.Mutex
	offers       int
	local        *domain.SessionDescription
	remote       *domain.SessionDescription
	candidates   []domain.ICECandidate
	senders      []*fakeSender
	rollbacks    int
	restarts     int
	closed       bool
	failAddTrack bool

	onCandidate func(*domain.ICECandidate)
	onTrack     func(ports.MediaTrack)
	onEnded     func(ports.MediaTrack)
	onState     func(domain.TransportState)
}

func sdp(kind domain.SDPType, tag string) domain.SessionDescription {
	return domain.SessionDescription{
		Type: kind,
		SDP:  "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=" + tag + "\r\nt=0 0\r\n",
	}
}

func (t *fakeTransport) CreateOffer(_ context.Context, iceRestart bool) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers++
	if iceRestart {
		t.restarts++
	}
	return sdp(domain.SDPTypeOffer, fmt.Sprintf("offer-%s-%d", t.peer, t.offers)), nil
}

func (t *fakeTransport) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	return sdp(domain.SDPTypeAnswer, "answer-"+string(t.peer)), nil
}

func (t *fakeTransport) SetLocalDescription(desc domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = &desc
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = &desc
	return nil
}

func (t *fakeTransport) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbacks++
	t.local = nil
	return nil
}

func (t *fakeTransport) LocalDescription() *domain.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *fakeTransport) GatheringComplete() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t *fakeTransport) AddICECandidate(c domain.ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) AddTrack(track ports.LocalTrack) (ports.TrackSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAddTrack {
		return nil, fmt.Errorf("add track refused")
	}
	s := &fakeSender{track: track}
	t.senders = append(t.senders, s)
	return s, nil
}

func (t *fakeTransport) RemoveTrack(sender ports.TrackSender) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.senders {
		if s == sender {
			t.senders = append(t.senders[:i], t.senders[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown sender")
}

func (t *fakeTransport) OnICECandidate(fn func(*domain.ICECandidate)) { t.onCandidate = fn }
func (t *fakeTransport) OnTrack(fn func(ports.MediaTrack))            { t.onTrack = fn }
func (t *fakeTransport) OnTrackEnded(fn func(ports.MediaTrack))       { t.onEnded = fn }
func (t *fakeTransport) OnStateChange(fn func(domain.TransportState)) { t.onState = fn }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) senderTracks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for _, s := range t.senders {
		ids = append(ids, s.Track().ID())
	}
	return ids
}

func (t *fakeTransport) appliedCandidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, c := range t.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// gate parks callers until it is opened. Every caller that reaches it is
// reported on entered.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate(t *testing.T) *gate {
	g := &gate{entered: make(chan struct{}, 8), release: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gate) pass() {
	g.entered <- struct{}{}
	<-g.release
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

// wait blocks until one more caller is parked at the gate.
func (g *gate) wait(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("nobody reached the gate")
	}
}

type fakeFactory struct {
	mu         sync.Mutex
	transports map[domain.ParticipantID][]*fakeTransport
	failAdd    bool
	gate       *gate
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{transports: make(map[domain.ParticipantID][]*fakeTransport)}
}

func (f *fakeFactory) NewTransport(_ context.Context, id domain.ParticipantID) (ports.PeerTransport, error) {
	f.mu.Lock()
	t := &fakeTransport{peer: id, failAddTrack: f.failAdd}
	f.transports[id] = append(f.transports[id], t)
	g := f.gate
	f.mu.Unlock()

	if g != nil {
		g.pass()
	}
	return t, nil
}

// hold parks every later NewTransport call at the returned gate.
func (f *fakeFactory) hold(t *testing.T) *gate {
	g := newGate(t)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = g
	return g
}

// last returns the newest transport created for id.
func (f *fakeFactory) last(id domain.ParticipantID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.transports[id]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

func (f *fakeFactory) created(id domain.ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports[id])
}

type fakeSignaling struct {
	mu      sync.Mutex
	sent    []domain.SignalMessage
	inbound chan *domain.SignalMessage
	once    sync.Once
	sendErr error
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{inbound: make(chan *domain.SignalMessage, 64)}
}

func (s *fakeSignaling) Send(_ context.Context, msg *domain.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, *msg)
	return nil
}

func (s *fakeSignaling) Messages() <-chan *domain.SignalMessage { return s.inbound }

func (s *fakeSignaling) Close() error {
	s.once.Do(func() { close(s.inbound) })
	return nil
}

func (s *fakeSignaling) deliver(msg *domain.SignalMessage) {
	s.inbound <- msg
}

// sentOf returns sent messages of type kind, in order.
func (s *fakeSignaling) sentOf(kind domain.MessageType) []domain.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SignalMessage
	for _, m := range s.sent {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSignaling) sentTypes() []domain.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MessageType
	for _, m := range s.sent {
		out = append(out, m.Type)
	}
	return out
}

type fakeConnector struct {
	port *fakeSignaling
	err  error
}

func (c *fakeConnector) Connect(context.Context, domain.JoinResult) (ports.SignalingPort, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.port, nil
}

// fakeGateway hands out fake tracks. Devices in unavailable fail with
// ErrDeviceUnavailable, devices in denied with ErrPermissionDenied.
type fakeGateway struct {
	mu          sync.Mutex
	seq         int
	unavailable map[string]bool
	denied      map[string]bool
	displayErr  error
	calls       []domain.MediaConstraints
	tracks      []*fakeTrack
	tapAudio    bool
	holds       map[string]*gate
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{unavailable: map[string]bool{}, denied: map[string]bool{}, holds: map[string]*gate{}}
}

// hold parks GetUserMedia calls that open device until the gate opens.
func (g *fakeGateway) hold(t *testing.T, device string) *gate {
	h := newGate(t)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holds[device] = h
	return h
}

func (g *fakeGateway) GetUserMedia(_ context.Context, c domain.MediaConstraints) ([]ports.LocalTrack, error) {
	g.mu.Lock()
	h := g.holds[c.AudioDeviceID]
	if h == nil {
		h = g.holds[c.VideoDeviceID]
	}
	g.mu.Unlock()
	if h != nil {
		h.pass()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, c)

	var out []ports.LocalTrack
	if c.Audio {
		device := c.AudioDeviceID
		if device == "" {
			device = "default-mic"
		}
		if err := g.checkLocked(device); err != nil {
			return nil, err
		}
		t := g.newTrackLocked(domain.TrackKindAudio, device, c.StreamID)
		if g.tapAudio {
			out = append(out, &tapTrack{fakeTrack: t})
		} else {
			out = append(out, t)
		}
	}
	if c.Video {
		device := c.VideoDeviceID
		if device == "" {
			device = "default-cam"
		}
		if err := g.checkLocked(device); err != nil {
			return nil, err
		}
		out = append(out, g.newTrackLocked(domain.TrackKindVideo, device, c.StreamID))
	}
	return out, nil
}

func (g *fakeGateway) GetDisplayMedia(_ context.Context, c domain.DisplayConstraints) ([]ports.LocalTrack, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.displayErr != nil {
		return nil, g.displayErr
	}
	return []ports.LocalTrack{g.newTrackLocked(domain.TrackKindVideo, "screen", c.StreamID)}, nil
}

func (g *fakeGateway) Devices() []domain.DeviceInfo { return nil }

func (g *fakeGateway) checkLocked(device string) error {
	if g.denied[device] {
		return fmt.Errorf("%s: %w", device, domain.ErrPermissionDenied)
	}
	if g.unavailable[device] {
		return fmt.Errorf("%s: %w", device, domain.ErrDeviceUnavailable)
	}
	return nil
}

func (g *fakeGateway) newTrackLocked(kind domain.TrackKind, device, streamID string) *fakeTrack {
	g.seq++
	t := newFakeTrack(fmt.Sprintf("%s-%d", kind, g.seq), kind, device, streamID)
	g.tracks = append(g.tracks, t)
	return t
}

func (g *fakeGateway) allTracks() []*fakeTrack {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*fakeTrack(nil), g.tracks...)
}

type MockMembership struct {
	mock.Mock
}

func (m *MockMembership) Join(ctx context.Context, roomID domain.RoomID, handle string) (domain.JoinResult, error) {
	args := m.Called(ctx, roomID, handle)
	return args.Get(0).(domain.JoinResult), args.Error(1)
}

func (m *MockMembership) Leave(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockMembership) ListMembers(ctx context.Context, roomID domain.RoomID) ([]domain.Member, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Member), args.Error(1)
}

func (m *MockMembership) StartScreenShare(ctx context.Context, roomID domain.RoomID) (domain.ShareID, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(domain.ShareID), args.Error(1)
}

func (m *MockMembership) StopScreenShare(ctx context.Context, roomID domain.RoomID, shareID domain.ShareID) error {
	args := m.Called(ctx, roomID, shareID)
	return args.Error(0)
}

// testStack wires the session components around fakes, already in a call
// as local.
type testStack struct {
	local      domain.ParticipantID
	state      *SessionState
	router     *EventRouter
	pins       *PinManager
	peers      *PeerConnectionManager
	media      *MediaStreamController
	presence   *PresenceCoordinator
	vad        *VoiceActivityService
	stats      *CallStatsRecorder
	factory    *fakeFactory
	gateway    *fakeGateway
	signaling  *fakeSignaling
	membership *MockMembership
}

func newTestStack(t *testing.T, local domain.ParticipantID, tweak ...func(*PeerManagerConfig)) *testStack {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	cfg := PeerManagerConfig{
		ICEGatherTimeout: 50 * time.Millisecond,
		DisconnectGrace:  50 * time.Millisecond,
		GlarePolicy:      config.GlareLargerIDYields,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}

	s := &testStack{
		local:      local,
		state:      NewSessionState(),
		stats:      NewCallStatsRecorder(),
		factory:    newFakeFactory(),
		gateway:    newFakeGateway(),
		signaling:  newFakeSignaling(),
		membership: &MockMembership{},
	}
	s.router = NewEventRouter(64, logger)
	s.pins = NewPinManager(s.state, s.router, logger)
	s.peers = NewPeerConnectionManager(cfg, s.factory, s.state, s.router, s.stats, logger)
	s.media = NewMediaStreamController(MediaConfig{CameraScreenFallback: true}, s.gateway, s.membership, s.peers, s.state, s.router, s.pins, s.stats, logger)
	s.presence = NewPresenceCoordinator(s.peers, s.media, s.state, s.router, s.pins, logger)
	s.vad = NewVoiceActivityService(VADConfig{
		Mode:           config.VADModeAuto,
		FrameInterval:  5 * time.Millisecond,
		ThresholdDB:    -50,
		SpeakingFrames: 3,
		SilenceFrames:  15,
	}, s.peers, s.state, s.router, s.stats, logger)

	require.NoError(t, s.state.Begin(testRoom, local))
	s.peers.Start(s.signaling)
	t.Cleanup(func() {
		s.peers.CloseAll(context.Background())
		_ = s.peers.Shutdown(context.Background())
		s.router.Close()
	})
	return s
}

// withStream starts the local stream.
func (s *testStack) withStream(t *testing.T, video bool) *testStack {
	t.Helper()
	require.NoError(t, s.media.StartLocalStream(context.Background(), video))
	return s
}

func (s *testStack) flush(t *testing.T, ids ...domain.ParticipantID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range ids {
		require.NoError(t, s.peers.Flush(ctx, id))
	}
}

func (s *testStack) addRemote(id domain.ParticipantID, handle string) {
	s.state.UpsertParticipant(domain.Participant{ID: id, Handle: handle})
}

// drain collects whatever is buffered on ch without blocking.
func drain[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}
