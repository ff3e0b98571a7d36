package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/config"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// audioLevelURI is the RFC 6464 header extension carrying per-packet
// audio levels.
const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// TransportConfig configures every PeerConnection the factory builds.
type TransportConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// ConfigFromSettings maps the webrtc config section.
func ConfigFromSettings(cfg *config.Config) TransportConfig {
	var out TransportConfig
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// TransportFactory builds pion PeerConnections sharing one API instance.
type TransportFactory struct {
	config TransportConfig
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewTransportFactory(cfg TransportConfig, logger *zap.SugaredLogger) (*TransportFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	return &TransportFactory{
		config: cfg,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		logger: logger,
	}, nil
}

func (f *TransportFactory) NewTransport(ctx context.Context, participantID domain.ParticipantID) (ports.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, err
	}

	t := &peerTransport{
		participantID: participantID,
		pc:            pc,
		logger:        f.logger.With("participant_id", participantID),
	}
	pc.OnTrack(t.handleTrack)
	pc.OnConnectionStateChange(t.handleConnectionState)
	return t, nil
}

// peerTransport adapts one pion PeerConnection to ports.PeerTransport.
type peerTransport struct {
	participantID domain.ParticipantID
	pc            *webrtc.PeerConnection
	logger        *zap.SugaredLogger

	mu      sync.RWMutex
	onTrack func(ports.MediaTrack)
	onEnded func(ports.MediaTrack)
	onState func(domain.TransportState)
}

func (t *peerTransport) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (t *peerTransport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (t *peerTransport) SetLocalDescription(desc domain.SessionDescription) error {
	return t.pc.SetLocalDescription(toPion(desc))
}

func (t *peerTransport) SetRemoteDescription(desc domain.SessionDescription) error {
	return t.pc.SetRemoteDescription(toPion(desc))
}

// Rollback discards the pending local offer. pion insists on a non-empty
// SDP for the rollback, so the pending one is passed back.
func (t *peerTransport) Rollback() error {
	pending := t.pc.PendingLocalDescription()
	if pending == nil {
		return errors.New("no pending local offer to roll back")
	}
	return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP})
}

func (t *peerTransport) LocalDescription() *domain.SessionDescription {
	desc := t.pc.LocalDescription()
	if desc == nil {
		return nil
	}
	out := fromPion(*desc)
	return &out
}

// GatheringComplete must be taken before SetLocalDescription starts
// gathering.
func (t *peerTransport) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(t.pc)
}

func (t *peerTransport) AddICECandidate(c domain.ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *peerTransport) AddTrack(track ports.LocalTrack) (ports.TrackSender, error) {
	local, ok := track.(*Track)
	if !ok {
		return nil, errForeignTrack
	}
	sender, err := t.pc.AddTrack(local.bound())
	if err != nil {
		return nil, err
	}
	go t.drainSenderRTCP(sender)
	return &trackSender{rtp: sender, track: local}, nil
}

func (t *peerTransport) RemoveTrack(sender ports.TrackSender) error {
	s, ok := sender.(*trackSender)
	if !ok {
		return errForeignTrack
	}
	return t.pc.RemoveTrack(s.rtp)
}

func (t *peerTransport) OnICECandidate(fn func(*domain.ICECandidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (t *peerTransport) OnTrack(fn func(ports.MediaTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

func (t *peerTransport) OnTrackEnded(fn func(ports.MediaTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

func (t *peerTransport) OnStateChange(fn func(domain.TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *peerTransport) Close() error {
	return t.pc.Close()
}

func (t *peerTransport) handleTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	track := &remoteTrack{
		id:       remote.ID(),
		kind:     trackKind(remote.Kind()),
		streamID: remote.StreamID(),
	}
	t.logger.Infow("remote track started",
		"track_id", track.id,
		"stream_id", track.streamID,
		"codec", remote.Codec().MimeType,
	)

	t.mu.RLock()
	onTrack := t.onTrack
	t.mu.RUnlock()
	if onTrack != nil {
		onTrack(track)
	}

	// Share video should start on a keyframe.
	if track.kind == domain.TrackKindVideo && domain.IsShareStreamID(track.streamID) {
		if err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}}); err != nil {
			t.logger.Debugw("keyframe request failed", "track_id", track.id, "error", err)
		}
	}

	go t.drainReceiverRTCP(receiver)
	go t.drainRemote(remote, track)
}

// drainRemote reads media until the track ends, then reports it.
func (t *peerTransport) drainRemote(remote *webrtc.TrackRemote, track *remoteTrack) {
	var packets int
	for {
		if _, _, err := remote.ReadRTP(); err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debugw("remote track read stopped", "track_id", track.id, "error", err)
			}
			break
		}
		packets++
	}
	t.logger.Infow("remote track ended", "track_id", track.id, "packets", packets)

	t.mu.RLock()
	onEnded := t.onEnded
	t.mu.RUnlock()
	if onEnded != nil {
		onEnded(track)
	}
}

func (t *peerTransport) drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// drainSenderRTCP keeps interceptors fed and logs keyframe requests.
func (t *peerTransport) drainSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				t.logger.Debugw("keyframe requested by peer")
			}
		}
	}
}

func (t *peerTransport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Infow("peer connection state changed", "connection_state", state)

	t.mu.RLock()
	onState := t.onState
	t.mu.RUnlock()
	if onState != nil {
		onState(transportState(state))
	}
}

func transportState(state webrtc.PeerConnectionState) domain.TransportState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}

func toPion(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(desc.Type)), SDP: desc.SDP}
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(desc.Type.String()), SDP: desc.SDP}
}
