package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"

	"go.uber.org/zap"
)

type MediaConfig struct {
	// CameraScreenFallback shares the camera when no display source exists.
	CameraScreenFallback bool
	AudioDeviceID        string
	VideoDeviceID        string
}

// MediaStreamController owns the local stream and local screen shares and
// keeps every peer connection's senders in line with them.
type MediaStreamController struct {
	cfg        MediaConfig
	gateway    ports.MediaDeviceGateway
	membership ports.RoomMembershipService
	peers      *PeerConnectionManager
	state      *SessionState
	router     *EventRouter
	pins       *PinManager
	metrics    ports.CallMetrics
	logger     *zap.SugaredLogger

	mu           sync.RWMutex
	stream       *MediaStream
	local        []ports.LocalTrack
	shares       map[domain.ShareID][]ports.LocalTrack
	sharesClosed bool
	audioDevice  string
	videoDevice  string
	audioHook    func(track ports.LocalTrack)
}

var errLocalTrackChanged = errors.New("local track changed during switch")

func NewMediaStreamController(
	cfg MediaConfig,
	gateway ports.MediaDeviceGateway,
	membership ports.RoomMembershipService,
	peers *PeerConnectionManager,
	state *SessionState,
	router *EventRouter,
	pins *PinManager,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *MediaStreamController {
	if metrics == nil {
		metrics = NewCallStatsRecorder()
	}
	c := &MediaStreamController{
		cfg:         cfg,
		gateway:     gateway,
		membership:  membership,
		peers:       peers,
		state:       state,
		router:      router,
		pins:        pins,
		metrics:     metrics,
		logger:      logger,
		shares:      make(map[domain.ShareID][]ports.LocalTrack),
		audioDevice: cfg.AudioDeviceID,
		videoDevice: cfg.VideoDeviceID,
	}
	peers.setLocalMedia(c)
	return c
}

// OnAudioTrackChanged registers fn to run whenever the local audio track
// is created or replaced.
func (c *MediaStreamController) OnAudioTrackChanged(fn func(track ports.LocalTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioHook = fn
}

func (c *MediaStreamController) withLocalTracks(fn func(tracks []ports.LocalTrack) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.stream == nil {
		return domain.ErrNoLocalMedia
	}
	tracks := append([]ports.LocalTrack(nil), c.local...)
	for _, id := range c.sortedShareIDsLocked() {
		tracks = append(tracks, c.shares[id]...)
	}
	return fn(tracks)
}

// StartLocalStream acquires the local stream. It is a no-op once a stream
// exists. Acquisition falls back from the preferred devices to the
// defaults, and then to audio only. Devices are opened without holding
// the controller lock.
func (c *MediaStreamController) StartLocalStream(ctx context.Context, wantVideo bool) error {
	c.mu.RLock()
	started := c.stream != nil
	audioDevice, videoDevice := c.audioDevice, c.videoDevice
	c.mu.RUnlock()
	if started {
		return nil
	}

	streamID := string(c.state.LocalID())
	if streamID == "" {
		streamID = "local"
	}
	tracks, err := c.acquireUserMedia(ctx, domain.MediaConstraints{
		Audio:         true,
		Video:         wantVideo,
		AudioDeviceID: audioDevice,
		VideoDeviceID: videoDevice,
		StreamID:      streamID,
	})
	if err != nil {
		c.logger.Warnw("local stream unavailable", "want_video", wantVideo, "error", err)
		return err
	}

	stream := NewMediaStream(streamID)
	for _, t := range tracks {
		stream.AddTrack(t)
	}

	c.mu.Lock()
	if c.stream != nil {
		c.mu.Unlock()
		stopAll(tracks)
		return nil
	}
	c.stream = stream
	c.local = tracks
	c.sharesClosed = false
	touched := c.peers.addTracksToAll(tracks)
	hook := c.audioHook
	c.mu.Unlock()

	c.state.SetLocalStream(stream)
	c.state.SetAudioEnabled(len(stream.AudioTracks()) > 0)
	c.state.SetVideoEnabled(len(stream.VideoTracks()) > 0)
	c.peers.RequestRenegotiation(touched)
	c.router.Media.Publish(domain.MediaEvent{Kind: domain.MediaLocalStreamUpdated, ParticipantID: c.state.LocalID()})

	if audio := firstOfKind(tracks, domain.TrackKindAudio); audio != nil && hook != nil {
		hook(audio)
	}
	c.logger.Infow("local stream started", "tracks", len(tracks), "video", len(stream.VideoTracks()) > 0)
	return nil
}

func (c *MediaStreamController) acquireUserMedia(ctx context.Context, constraints domain.MediaConstraints) ([]ports.LocalTrack, error) {
	tracks, err := c.gateway.GetUserMedia(ctx, constraints)
	if err == nil {
		return tracks, nil
	}

	if errors.Is(err, domain.ErrDeviceUnavailable) {
		if relaxed := constraints.Relaxed(); relaxed != constraints {
			c.logger.Warnw("preferred devices unavailable, using defaults", "error", err)
			if tracks, err = c.gateway.GetUserMedia(ctx, relaxed); err == nil {
				return tracks, nil
			}
		}
	}

	if constraints.Video && (errors.Is(err, domain.ErrDeviceUnavailable) || errors.Is(err, domain.ErrPermissionDenied)) {
		audioOnly := constraints.Relaxed()
		audioOnly.Video = false
		c.logger.Warnw("video capture failed, continuing audio only", "error", err)
		if tracks, err = c.gateway.GetUserMedia(ctx, audioOnly); err == nil {
			return tracks, nil
		}
	}
	return nil, err
}

// StopLocalStream removes the local tracks from every connection and
// stops them.
func (c *MediaStreamController) StopLocalStream(ctx context.Context) {
	c.mu.Lock()
	if c.stream == nil {
		c.mu.Unlock()
		return
	}
	tracks := c.local
	for _, t := range tracks {
		c.peers.removeTrackFromAll(t.ID())
	}
	c.stream = nil
	c.local = nil
	c.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	c.state.SetLocalStream(nil)
	c.state.SetAudioEnabled(false)
	c.state.SetVideoEnabled(false)
	c.logger.Infow("local stream stopped", "tracks", len(tracks))
}

// AddVideoTrack adds a camera track to the local stream and to every
// connection. A denied camera reports (false, nil).
func (c *MediaStreamController) AddVideoTrack(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.stream == nil {
		c.mu.Unlock()
		return false, domain.ErrNoLocalMedia
	}
	if len(c.stream.VideoTracks()) > 0 {
		c.mu.Unlock()
		return true, nil
	}
	stream := c.stream
	constraints := domain.MediaConstraints{Video: true, VideoDeviceID: c.videoDevice, StreamID: stream.ID()}
	c.mu.Unlock()

	tracks, err := c.gateway.GetUserMedia(ctx, constraints)
	if errors.Is(err, domain.ErrDeviceUnavailable) && constraints.VideoDeviceID != "" {
		tracks, err = c.gateway.GetUserMedia(ctx, constraints.Relaxed())
	}
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			c.logger.Warnw("camera permission denied", "error", err)
			return false, nil
		}
		return false, fmt.Errorf("add video track: %w", err)
	}

	video := keepKind(tracks, domain.TrackKindVideo)
	if len(video) == 0 {
		return false, fmt.Errorf("add video track: %w", domain.ErrDeviceUnavailable)
	}

	c.mu.Lock()
	if c.stream != stream {
		c.mu.Unlock()
		stopAll(video)
		return false, domain.ErrNoLocalMedia
	}
	if len(stream.VideoTracks()) > 0 {
		c.mu.Unlock()
		stopAll(video)
		return true, nil
	}
	for _, t := range video {
		stream.AddTrack(t)
	}
	c.local = append(c.local, video...)
	touched := c.peers.addTracksToAll(video)
	c.mu.Unlock()

	c.state.SetVideoEnabled(true)
	c.peers.RequestRenegotiation(touched)
	c.publishLocal(video)
	return true, nil
}

// RemoveVideoTracks drops every local video track and its senders.
func (c *MediaStreamController) RemoveVideoTracks(ctx context.Context) error {
	c.mu.Lock()
	if c.stream == nil {
		c.mu.Unlock()
		return domain.ErrNoLocalMedia
	}

	var removed []ports.LocalTrack
	var kept []ports.LocalTrack
	touched := make(map[domain.ParticipantID]struct{})
	for _, t := range c.local {
		if t.Kind() != domain.TrackKindVideo {
			kept = append(kept, t)
			continue
		}
		c.stream.RemoveTrack(t.ID())
		for _, id := range c.peers.removeTrackFromAll(t.ID()) {
			touched[id] = struct{}{}
		}
		removed = append(removed, t)
	}
	c.local = kept
	c.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	for _, t := range removed {
		t.Stop()
	}
	c.state.SetVideoEnabled(false)
	c.peers.RequestRenegotiation(participantSet(touched))
	c.publishLocal(removed)
	return nil
}

// VideoTracks returns the local camera tracks.
func (c *MediaStreamController) VideoTracks() []ports.LocalTrack {
	return c.localOfKind(domain.TrackKindVideo)
}

func (c *MediaStreamController) AudioTracks() []ports.LocalTrack {
	return c.localOfKind(domain.TrackKindAudio)
}

func (c *MediaStreamController) localOfKind(kind domain.TrackKind) []ports.LocalTrack {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keepKind(c.local, kind)
}

// SwitchMicrophone moves the local audio to deviceID.
func (c *MediaStreamController) SwitchMicrophone(ctx context.Context, deviceID string) (bool, error) {
	return c.switchDevice(ctx, domain.TrackKindAudio, deviceID)
}

// SwitchCamera moves the local video to deviceID.
func (c *MediaStreamController) SwitchCamera(ctx context.Context, deviceID string) (bool, error) {
	return c.switchDevice(ctx, domain.TrackKindVideo, deviceID)
}

// switchDevice replaces the current track of kind on every sender. With no
// current track the device is only remembered for the next acquisition.
// If the current track is replaced or removed while the new device opens,
// the new track is stopped and errLocalTrackChanged returned.
func (c *MediaStreamController) switchDevice(ctx context.Context, kind domain.TrackKind, deviceID string) (bool, error) {
	c.mu.Lock()
	current := firstOfKind(c.local, kind)
	if current == nil {
		c.setPreferredLocked(kind, deviceID)
		c.mu.Unlock()
		return false, nil
	}
	if current.DeviceID() == deviceID {
		c.mu.Unlock()
		return true, nil
	}
	constraints := domain.MediaConstraints{StreamID: c.stream.ID()}
	c.mu.Unlock()

	if kind == domain.TrackKindAudio {
		constraints.Audio, constraints.AudioDeviceID = true, deviceID
	} else {
		constraints.Video, constraints.VideoDeviceID = true, deviceID
	}
	tracks, err := c.gateway.GetUserMedia(ctx, constraints)
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			c.logger.Warnw("device switch denied", "kind", kind, "device_id", deviceID)
			return false, nil
		}
		c.logger.Warnw("device switch failed", "kind", kind, "device_id", deviceID, "error", err)
		return false, fmt.Errorf("switch %s device: %w", kind, err)
	}

	next := firstOfKind(tracks, kind)
	for _, t := range tracks {
		if t != next {
			t.Stop()
		}
	}
	if next == nil {
		return false, fmt.Errorf("switch %s device: %w", kind, domain.ErrDeviceUnavailable)
	}

	c.mu.Lock()
	slot := -1
	for i, t := range c.local {
		if t == current {
			slot = i
		}
	}
	if c.stream == nil || slot < 0 {
		c.mu.Unlock()
		next.Stop()
		c.logger.Warnw("device switch abandoned", "kind", kind, "device_id", deviceID)
		return false, fmt.Errorf("switch %s device: %w", kind, errLocalTrackChanged)
	}
	next.SetEnabled(current.Enabled())
	renegotiate := c.peers.replaceTrackOnAll(current.ID(), next)
	c.stream.ReplaceTrack(current.ID(), next)
	c.local[slot] = next
	c.setPreferredLocked(kind, deviceID)
	hook := c.audioHook
	c.mu.Unlock()

	current.Stop()
	c.peers.RequestRenegotiation(renegotiate)
	c.publishLocal([]ports.LocalTrack{next})
	if kind == domain.TrackKindAudio && hook != nil {
		hook(next)
	}
	c.logger.Infow("device switched", "kind", kind, "device_id", deviceID)
	return true, nil
}

func (c *MediaStreamController) setPreferredLocked(kind domain.TrackKind, deviceID string) {
	if kind == domain.TrackKindAudio {
		c.audioDevice = deviceID
	} else {
		c.videoDevice = deviceID
	}
}

// SetAudioEnabled mutes or unmutes the local audio without touching senders.
func (c *MediaStreamController) SetAudioEnabled(enabled bool) {
	c.setEnabled(domain.TrackKindAudio, enabled)
	c.state.SetAudioEnabled(enabled)
}

func (c *MediaStreamController) SetVideoEnabled(enabled bool) {
	c.setEnabled(domain.TrackKindVideo, enabled)
	c.state.SetVideoEnabled(enabled)
}

func (c *MediaStreamController) setEnabled(kind domain.TrackKind, enabled bool) {
	tracks := c.localOfKind(kind)
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	c.publishLocal(tracks)
}

// AddScreenShare captures the display and registers it as a share. A
// denied capture reports ("", nil). Registration failures stop the
// captured tracks.
func (c *MediaStreamController) AddScreenShare(ctx context.Context) (domain.ShareID, error) {
	if !c.state.InCall() {
		return "", domain.ErrNotInRoom
	}
	roomID, local := c.state.RoomID(), c.state.LocalID()

	tracks, err := c.captureDisplay(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			c.logger.Infow("screen capture denied")
			return "", nil
		}
		return "", fmt.Errorf("capture display: %w", err)
	}

	shareID, err := c.membership.StartScreenShare(ctx, roomID)
	if err != nil {
		stopAll(tracks)
		c.logger.Warnw("screen share registration failed", "error", err)
		return "", fmt.Errorf("register screen share: %w", err)
	}
	if shareID == "" {
		shareID = utils.GenerateShareID()
	}
	for _, t := range tracks {
		t.SetStreamID(string(shareID))
	}

	view, _, err := c.state.AddShare(domain.ScreenShare{ID: shareID, Owner: local, Local: true})
	if err != nil {
		c.abandonShare(ctx, roomID, shareID, tracks)
		return "", fmt.Errorf("record screen share: %w", err)
	}
	for _, t := range tracks {
		view.Stream.AddTrack(t)
	}

	c.mu.Lock()
	if c.sharesClosed || !c.state.InCall() {
		c.mu.Unlock()
		_, pinCleared, _ := c.state.RemoveShare(shareID)
		c.pins.announceCleared(pinCleared)
		c.abandonShare(ctx, roomID, shareID, tracks)
		return "", domain.ErrNotInRoom
	}
	c.shares[shareID] = tracks
	touched := c.peers.addTracksToAll(tracks)
	c.mu.Unlock()

	// Peers must learn the share id before the offer carrying its tracks.
	c.peers.Broadcast(ctx, domain.SignalMessage{Type: domain.MessageScreenShareStarted, ShareID: shareID})
	c.peers.RequestRenegotiation(touched)

	c.router.Media.Publish(domain.MediaEvent{
		Kind:          domain.MediaScreenShareStarted,
		ParticipantID: c.state.LocalID(),
		ShareID:       shareID,
	})
	c.metrics.ActiveScreenShares(len(c.state.Shares()))
	c.logger.Infow("screen share started", "share_id", shareID, "tracks", len(tracks))
	return shareID, nil
}

// abandonShare undoes a share that was registered but never recorded
// locally, because the call ended or the session refused it meanwhile.
func (c *MediaStreamController) abandonShare(ctx context.Context, roomID domain.RoomID, shareID domain.ShareID, tracks []ports.LocalTrack) {
	stopAll(tracks)
	if err := c.membership.StopScreenShare(ctx, roomID, shareID); err != nil {
		c.logger.Warnw("deregister abandoned screen share", "share_id", shareID, "error", err)
	}
	c.logger.Infow("screen share abandoned", "share_id", shareID)
}

func (c *MediaStreamController) captureDisplay(ctx context.Context) ([]ports.LocalTrack, error) {
	tracks, err := c.gateway.GetDisplayMedia(ctx, domain.DisplayConstraints{})
	if err == nil || !errors.Is(err, domain.ErrDeviceUnavailable) || !c.cfg.CameraScreenFallback {
		return tracks, err
	}

	c.logger.Warnw("no display source, sharing camera instead", "error", err)
	c.mu.RLock()
	device := c.videoDevice
	c.mu.RUnlock()
	return c.gateway.GetUserMedia(ctx, domain.MediaConstraints{Video: true, VideoDeviceID: device})
}

// StopScreenShare ends a local share. The capture is always released, even
// when deregistration fails; that error is returned afterwards.
func (c *MediaStreamController) StopScreenShare(ctx context.Context, shareID domain.ShareID) error {
	c.mu.Lock()
	tracks, ok := c.shares[shareID]
	delete(c.shares, shareID)
	c.mu.Unlock()
	if !ok {
		return domain.ErrShareNotFound
	}

	regErr := c.membership.StopScreenShare(ctx, c.state.RoomID(), shareID)
	if regErr != nil {
		c.logger.Warnw("screen share deregistration failed", "share_id", shareID, "error", regErr)
	}

	touched := make(map[domain.ParticipantID]struct{})
	c.mu.Lock()
	for _, t := range tracks {
		for _, id := range c.peers.removeTrackFromAll(t.ID()) {
			touched[id] = struct{}{}
		}
	}
	c.mu.Unlock()
	stopAll(tracks)

	c.peers.RequestRenegotiation(participantSet(touched))
	c.peers.Broadcast(ctx, domain.SignalMessage{Type: domain.MessageScreenShareStopped, ShareID: shareID})

	_, pinCleared, _ := c.state.RemoveShare(shareID)
	c.pins.announceCleared(pinCleared)
	c.router.Media.Publish(domain.MediaEvent{
		Kind:          domain.MediaScreenShareStopped,
		ParticipantID: c.state.LocalID(),
		ShareID:       shareID,
	})
	c.metrics.ActiveScreenShares(len(c.state.Shares()))
	c.logger.Infow("screen share stopped", "share_id", shareID)

	if regErr != nil {
		return fmt.Errorf("deregister screen share: %w", regErr)
	}
	return nil
}

// StopAllScreenShares stops every local share and refuses new ones until
// the next local stream starts.
func (c *MediaStreamController) StopAllScreenShares(ctx context.Context) {
	c.mu.Lock()
	c.sharesClosed = true
	c.mu.Unlock()

	for _, id := range c.LocalShares() {
		if err := c.StopScreenShare(ctx, id); err != nil && !errors.Is(err, domain.ErrShareNotFound) {
			c.logger.Warnw("stop screen share on leave", "share_id", id, "error", err)
		}
	}
}

// LocalShares lists the shares this participant owns.
func (c *MediaStreamController) LocalShares() []domain.ShareID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedShareIDsLocked()
}

func (c *MediaStreamController) sortedShareIDsLocked() []domain.ShareID {
	ids := make([]domain.ShareID, 0, len(c.shares))
	for id := range c.shares {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// OnRemoteShareStarted records a share announced by from and attaches any
// of its tracks that arrived first.
func (c *MediaStreamController) OnRemoteShareStarted(ctx context.Context, from domain.ParticipantID, shareID domain.ShareID) error {
	if !domain.IsShareStreamID(string(shareID)) {
		return fmt.Errorf("%w: share id %q", domain.ErrProtocolViolation, shareID)
	}

	view, created, err := c.state.AddShare(domain.ScreenShare{ID: shareID, Owner: from})
	if err != nil {
		c.logger.Warnw("share from unknown participant ignored", "participant_id", from, "share_id", shareID)
		return err
	}
	if !created {
		if view.Owner != from {
			return fmt.Errorf("%w: share %s belongs to %s", domain.ErrProtocolViolation, shareID, view.Owner)
		}
		return nil
	}

	for _, t := range c.peers.claimParkedTracks(shareID, from) {
		view.Stream.AddTrack(t)
	}
	c.router.Media.Publish(domain.MediaEvent{Kind: domain.MediaScreenShareStarted, ParticipantID: from, ShareID: shareID})
	c.metrics.ActiveScreenShares(len(c.state.Shares()))
	c.logger.Infow("remote screen share started", "participant_id", from, "share_id", shareID)
	return nil
}

// OnRemoteShareStopped removes a share announced by from. Unknown shares
// are ignored.
func (c *MediaStreamController) OnRemoteShareStopped(ctx context.Context, from domain.ParticipantID, shareID domain.ShareID) error {
	view, ok := c.state.Share(shareID)
	if !ok {
		return nil
	}
	if view.Owner != from || view.Local {
		return fmt.Errorf("%w: %s cannot stop share %s", domain.ErrProtocolViolation, from, shareID)
	}

	_, pinCleared, _ := c.state.RemoveShare(shareID)
	c.pins.announceCleared(pinCleared)
	c.router.Media.Publish(domain.MediaEvent{Kind: domain.MediaScreenShareStopped, ParticipantID: from, ShareID: shareID})
	c.metrics.ActiveScreenShares(len(c.state.Shares()))
	c.logger.Infow("remote screen share stopped", "participant_id", from, "share_id", shareID)
	return nil
}

func (c *MediaStreamController) publishLocal(tracks []ports.LocalTrack) {
	local := c.state.LocalID()
	if len(tracks) == 0 {
		c.router.Media.Publish(domain.MediaEvent{Kind: domain.MediaLocalStreamUpdated, ParticipantID: local})
		return
	}
	for _, t := range tracks {
		c.router.Media.Publish(domain.MediaEvent{
			Kind:          domain.MediaLocalStreamUpdated,
			ParticipantID: local,
			TrackID:       domain.TrackID(t.ID()),
			TrackKind:     t.Kind(),
		})
	}
}

func firstOfKind(tracks []ports.LocalTrack, kind domain.TrackKind) ports.LocalTrack {
	for _, t := range tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// keepKind returns the tracks of kind. Others are left untouched.
func keepKind(tracks []ports.LocalTrack, kind domain.TrackKind) []ports.LocalTrack {
	var out []ports.LocalTrack
	for _, t := range tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func stopAll(tracks []ports.LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}

func participantSet(set map[domain.ParticipantID]struct{}) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
