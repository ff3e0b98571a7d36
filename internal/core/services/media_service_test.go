package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// negotiate drives s's connection to peer into stable with a canned answer.
func negotiate(t *testing.T, s *testStack, peer domain.ParticipantID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.peers.CreateConnection(ctx, peer))
	require.NoError(t, s.peers.CreateOffer(ctx, peer))
	require.NoError(t, s.peers.HandleAnswer(ctx, peer, sdp(domain.SDPTypeAnswer, string(peer))))
}

func TestMediaStreamController_StartLocalStream(t *testing.T) {
	ctx := context.Background()

	t.Run("audio and video", func(t *testing.T) {
		s := newTestStack(t, "p_a")
		require.NoError(t, s.media.StartLocalStream(ctx, true))
		require.NoError(t, s.media.StartLocalStream(ctx, true))

		assert.Len(t, s.media.AudioTracks(), 1)
		assert.Len(t, s.media.VideoTracks(), 1)
		assert.Len(t, s.gateway.calls, 1)
		assert.True(t, s.state.IsAudioEnabled())
		assert.True(t, s.state.IsVideoEnabled())
		assert.Equal(t, "p_a", s.state.LocalStream().ID())
	})

	t.Run("missing camera falls back to audio only", func(t *testing.T) {
		s := newTestStack(t, "p_a")
		s.gateway.unavailable["default-cam"] = true

		require.NoError(t, s.media.StartLocalStream(ctx, true))
		assert.Len(t, s.media.AudioTracks(), 1)
		assert.Empty(t, s.media.VideoTracks())
		assert.False(t, s.state.IsVideoEnabled())
	})

	t.Run("denied camera falls back to audio only", func(t *testing.T) {
		s := newTestStack(t, "p_a")
		s.gateway.denied["default-cam"] = true

		require.NoError(t, s.media.StartLocalStream(ctx, true))
		assert.Empty(t, s.media.VideoTracks())
	})

	t.Run("preferred device falls back to default", func(t *testing.T) {
		s := newTestStack(t, "p_a")
		s.gateway.unavailable["usb-mic"] = true

		switched, err := s.media.SwitchMicrophone(ctx, "usb-mic")
		require.NoError(t, err)
		assert.False(t, switched)

		require.NoError(t, s.media.StartLocalStream(ctx, false))
		require.Len(t, s.media.AudioTracks(), 1)
		assert.Equal(t, "default-mic", s.media.AudioTracks()[0].DeviceID())
		assert.Equal(t, "usb-mic", s.gateway.calls[0].AudioDeviceID)
	})

	t.Run("denied microphone fails", func(t *testing.T) {
		s := newTestStack(t, "p_a")
		s.gateway.denied["default-mic"] = true

		err := s.media.StartLocalStream(ctx, false)
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
		assert.Nil(t, s.state.LocalStream())
	})

	t.Run("attaches to open connections", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		negotiate(t, s, "p_b")
		s.media.StopLocalStream(ctx)
		assert.Empty(t, s.factory.last("p_b").senderTracks())

		require.NoError(t, s.media.StartLocalStream(ctx, false))
		s.flush(t, "p_b")
		assert.Len(t, s.factory.last("p_b").senderTracks(), 1)
		assert.Len(t, s.signaling.sentOf(domain.MessageOffer), 2)
	})
}

func TestMediaStreamController_SwitchMicrophone(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces on every sender without renegotiation", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		negotiate(t, s, "p_b")
		negotiate(t, s, "p_c")
		offersBefore := len(s.signaling.sentOf(domain.MessageOffer))

		old := s.media.AudioTracks()[0]
		s.media.SetAudioEnabled(false)

		switched, err := s.media.SwitchMicrophone(ctx, "usb-mic")
		require.NoError(t, err)
		require.True(t, switched)

		next := s.media.AudioTracks()[0]
		assert.Equal(t, "usb-mic", next.DeviceID())
		assert.False(t, next.Enabled())
		assert.True(t, old.Stopped())
		for _, peer := range []domain.ParticipantID{"p_b", "p_c"} {
			assert.Equal(t, []string{next.ID()}, s.factory.last(peer).senderTracks())
		}
		s.flush(t, "p_b", "p_c")
		assert.Len(t, s.signaling.sentOf(domain.MessageOffer), offersBefore)
	})

	t.Run("same device is a no-op", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		switched, err := s.media.SwitchMicrophone(ctx, "default-mic")
		require.NoError(t, err)
		assert.True(t, switched)
		assert.Len(t, s.gateway.calls, 1)
	})

	t.Run("permission denied leaves state untouched", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		negotiate(t, s, "p_b")
		s.gateway.denied["locked-mic"] = true
		old := s.media.AudioTracks()[0]

		switched, err := s.media.SwitchMicrophone(ctx, "locked-mic")
		require.NoError(t, err)
		assert.False(t, switched)
		assert.Equal(t, old, s.media.AudioTracks()[0])
		assert.False(t, old.Stopped())
		assert.Equal(t, []string{old.ID()}, s.factory.last("p_b").senderTracks())
	})

	t.Run("unavailable device is an error", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		s.gateway.unavailable["gone-mic"] = true

		switched, err := s.media.SwitchMicrophone(ctx, "gone-mic")
		assert.False(t, switched)
		assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)
		assert.Equal(t, "default-mic", s.media.AudioTracks()[0].DeviceID())
	})

	t.Run("refused replacement re-adds the sender", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		negotiate(t, s, "p_b")
		transport := s.factory.last("p_b")
		transport.senders[0].failReplace = true

		switched, err := s.media.SwitchMicrophone(ctx, "usb-mic")
		require.NoError(t, err)
		require.True(t, switched)

		s.flush(t, "p_b")
		assert.Equal(t, []string{s.media.AudioTracks()[0].ID()}, transport.senderTracks())
		assert.Len(t, s.signaling.sentOf(domain.MessageOffer), 2)
	})
}

func TestMediaStreamController_SwitchCamera(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t, "p_a").withStream(t, true)
	negotiate(t, s, "p_b")

	switched, err := s.media.SwitchCamera(ctx, "usb-cam")
	require.NoError(t, err)
	require.True(t, switched)

	assert.Equal(t, "usb-cam", s.media.VideoTracks()[0].DeviceID())
	assert.Contains(t, s.factory.last("p_b").senderTracks(), s.media.VideoTracks()[0].ID())
	assert.Equal(t, 2, s.state.LocalStream().Len())
}

func TestMediaStreamController_VideoTracks(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t, "p_a").withStream(t, false)
	negotiate(t, s, "p_b")

	added, err := s.media.AddVideoTrack(ctx)
	require.NoError(t, err)
	require.True(t, added)
	assert.Len(t, s.media.VideoTracks(), 1)
	assert.Len(t, s.factory.last("p_b").senderTracks(), 2)
	assert.True(t, s.state.IsVideoEnabled())

	s.flush(t, "p_b")
	require.Len(t, s.signaling.sentOf(domain.MessageOffer), 2)
	require.NoError(t, s.peers.HandleAnswer(ctx, "p_b", sdp(domain.SDPTypeAnswer, "b2")))

	video := s.media.VideoTracks()[0]
	require.NoError(t, s.media.RemoveVideoTracks(ctx))
	assert.Empty(t, s.media.VideoTracks())
	assert.True(t, video.Stopped())
	assert.Len(t, s.factory.last("p_b").senderTracks(), 1)
	assert.False(t, s.state.IsVideoEnabled())

	s.flush(t, "p_b")
	assert.Len(t, s.signaling.sentOf(domain.MessageOffer), 3)

	t.Run("denied camera", func(t *testing.T) {
		s.gateway.denied["default-cam"] = true
		added, err := s.media.AddVideoTrack(ctx)
		require.NoError(t, err)
		assert.False(t, added)
		assert.Empty(t, s.media.VideoTracks())
	})
}

func TestMediaStreamController_AddScreenShare(t *testing.T) {
	ctx := context.Background()

	t.Run("registers and announces before renegotiating", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		s.addRemote("p_b", "bob")
		s.addRemote("p_c", "carol")
		negotiate(t, s, "p_b")
		s.membership.On("StartScreenShare", mock.Anything, testRoom).Return(domain.ShareID("share_x"), nil)

		shareID, err := s.media.AddScreenShare(ctx)
		require.NoError(t, err)
		require.Equal(t, domain.ShareID("share_x"), shareID)
		s.flush(t, "p_b")

		view, ok := s.state.Share("share_x")
		require.True(t, ok)
		assert.True(t, view.Local)
		assert.Equal(t, domain.ParticipantID("p_a"), view.Owner)
		require.Equal(t, 1, view.Stream.Len())
		assert.Equal(t, "share_x", view.Stream.Tracks()[0].StreamID())
		assert.Equal(t, []domain.ShareID{"share_x"}, s.media.LocalShares())

		started := s.signaling.sentOf(domain.MessageScreenShareStarted)
		require.Len(t, started, 2)
		assert.ElementsMatch(t, []domain.ParticipantID{"p_b", "p_c"}, []domain.ParticipantID{started[0].To, started[1].To})

		types := s.signaling.sentTypes()
		firstShare, lastOffer := -1, -1
		for i, typ := range types {
			if typ == domain.MessageScreenShareStarted && firstShare < 0 {
				firstShare = i
			}
			if typ == domain.MessageOffer {
				lastOffer = i
			}
		}
		assert.Less(t, firstShare, lastOffer)
		assert.Len(t, s.factory.last("p_b").senderTracks(), 2)
		assert.Equal(t, 1, s.stats.Snapshot().ActiveScreenShares)
	})

	t.Run("registration failure releases capture", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		s.membership.On("StartScreenShare", mock.Anything, testRoom).Return(domain.ShareID(""), errors.New("server down"))

		shareID, err := s.media.AddScreenShare(ctx)
		require.Error(t, err)
		assert.Empty(t, shareID)
		assert.Empty(t, s.state.Shares())
		assert.Empty(t, s.media.LocalShares())

		for _, track := range s.gateway.allTracks() {
			if track.device == "screen" {
				assert.True(t, track.Stopped())
			}
		}
	})

	t.Run("server without id gets a local one", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		s.membership.On("StartScreenShare", mock.Anything, testRoom).Return(domain.ShareID(""), nil)

		shareID, err := s.media.AddScreenShare(ctx)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(shareID), domain.ShareIDPrefix))
	})

	t.Run("denied capture is not an error", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		s.gateway.displayErr = fmt.Errorf("screen: %w", domain.ErrPermissionDenied)

		shareID, err := s.media.AddScreenShare(ctx)
		require.NoError(t, err)
		assert.Empty(t, shareID)
		s.membership.AssertNotCalled(t, "StartScreenShare", mock.Anything, mock.Anything)
	})

	t.Run("no display source shares the camera", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		s.gateway.displayErr = fmt.Errorf("screen: %w", domain.ErrDeviceUnavailable)
		s.membership.On("StartScreenShare", mock.Anything, testRoom).Return(domain.ShareID("share_cam"), nil)

		shareID, err := s.media.AddScreenShare(ctx)
		require.NoError(t, err)
		view, ok := s.state.Share(shareID)
		require.True(t, ok)
		require.Equal(t, 1, view.Stream.Len())
		assert.Equal(t, domain.TrackKindVideo, view.Stream.Tracks()[0].Kind())
	})

	t.Run("requires a call", func(t *testing.T) {
		s := newTestStack(t, "p_a")
		s.state.End()
		_, err := s.media.AddScreenShare(ctx)
		assert.ErrorIs(t, err, domain.ErrNotInRoom)
	})
}

func TestMediaStreamController_StopScreenShare(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t, "p_a").withStream(t, false)
	s.addRemote("p_b", "bob")
	negotiate(t, s, "p_b")
	s.membership.On("StartScreenShare", mock.Anything, testRoom).Return(domain.ShareID("share_x"), nil)
	s.membership.On("StopScreenShare", mock.Anything, testRoom, domain.ShareID("share_x")).Return(errors.New("server down"))

	shareID, err := s.media.AddScreenShare(ctx)
	require.NoError(t, err)
	s.flush(t, "p_b")
	require.NoError(t, s.peers.HandleAnswer(ctx, "p_b", sdp(domain.SDPTypeAnswer, "b2")))

	view, _ := s.state.Share(shareID)
	shareTrack := view.Stream.Tracks()[0].(*fakeTrack)

	_, err = s.pins.Toggle(shareID.Tile())
	require.NoError(t, err)
	pins, cancel := s.router.Pin.Subscribe()
	defer cancel()

	err = s.media.StopScreenShare(ctx, shareID)
	require.Error(t, err)

	assert.True(t, shareTrack.Stopped())
	_, ok := s.state.Share(shareID)
	assert.False(t, ok)
	_, pinned := s.pins.Pinned()
	assert.False(t, pinned)
	got := drain(pins)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Tile)

	assert.Len(t, s.factory.last("p_b").senderTracks(), 1)
	stopped := s.signaling.sentOf(domain.MessageScreenShareStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, shareID, stopped[0].ShareID)

	assert.ErrorIs(t, s.media.StopScreenShare(ctx, shareID), domain.ErrShareNotFound)
}

func TestMediaStreamController_RemoteShares(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t, "p_a").withStream(t, false)
	s.addRemote("p_b", "bob")
	s.addRemote("p_c", "carol")

	require.NoError(t, s.media.OnRemoteShareStarted(ctx, "p_b", "share_b"))
	require.NoError(t, s.media.OnRemoteShareStarted(ctx, "p_b", "share_b"))
	assert.Len(t, s.state.Shares(), 1)

	assert.ErrorIs(t, s.media.OnRemoteShareStarted(ctx, "p_c", "share_b"), domain.ErrProtocolViolation)
	assert.ErrorIs(t, s.media.OnRemoteShareStarted(ctx, "p_z", "share_z"), domain.ErrParticipantNotFound)
	assert.ErrorIs(t, s.media.OnRemoteShareStarted(ctx, "p_b", "p_b"), domain.ErrProtocolViolation)

	assert.ErrorIs(t, s.media.OnRemoteShareStopped(ctx, "p_c", "share_b"), domain.ErrProtocolViolation)
	require.NoError(t, s.media.OnRemoteShareStopped(ctx, "p_b", "share_b"))
	require.NoError(t, s.media.OnRemoteShareStopped(ctx, "p_b", "share_b"))
	assert.Empty(t, s.state.Shares())

	p, _ := s.state.Participant("p_b")
	assert.Empty(t, p.ScreenShares)
}

func TestMediaStreamController_MuteToggles(t *testing.T) {
	s := newTestStack(t, "p_a").withStream(t, true)

	s.media.SetAudioEnabled(false)
	assert.False(t, s.media.AudioTracks()[0].Enabled())
	assert.False(t, s.state.IsAudioEnabled())

	s.media.SetVideoEnabled(false)
	assert.False(t, s.media.VideoTracks()[0].Enabled())
	assert.False(t, s.state.IsVideoEnabled())

	s.media.SetAudioEnabled(true)
	assert.True(t, s.media.AudioTracks()[0].Enabled())
	assert.True(t, s.state.IsAudioEnabled())
}

func TestMediaStreamController_AcquisitionOutsideLock(t *testing.T) {
	ctx := context.Background()

	t.Run("connections proceed while a microphone opens", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		held := s.gateway.hold(t, "slow-mic")

		switched := make(chan error, 1)
		go func() {
			ok, err := s.media.SwitchMicrophone(ctx, "slow-mic")
			if err == nil && !ok {
				err = errors.New("switch reported no change")
			}
			switched <- err
		}()
		held.wait(t)

		created := make(chan error, 1)
		go func() { created <- s.peers.CreateConnection(ctx, "p_d") }()
		select {
		case err := <-created:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("connection waited for the device switch")
		}

		held.open()
		select {
		case err := <-switched:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("switch did not finish")
		}

		audio := s.media.AudioTracks()
		require.Len(t, audio, 1)
		assert.Equal(t, "slow-mic", audio[0].DeviceID())
		assert.Equal(t, []string{audio[0].ID()}, s.factory.last("p_d").senderTracks())
	})

	t.Run("switch loses to a stopped stream", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		held := s.gateway.hold(t, "slow-mic")

		switched := make(chan error, 1)
		go func() {
			_, err := s.media.SwitchMicrophone(ctx, "slow-mic")
			switched <- err
		}()
		held.wait(t)
		s.media.StopLocalStream(ctx)
		held.open()

		select {
		case err := <-switched:
			assert.ErrorIs(t, err, errLocalTrackChanged)
		case <-time.After(2 * time.Second):
			t.Fatal("switch did not finish")
		}
		assert.Empty(t, s.media.AudioTracks())
		for _, track := range s.gateway.allTracks() {
			assert.True(t, track.Stopped(), track.ID())
		}
	})

	t.Run("camera added to a stopped stream is released", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		switched, err := s.media.SwitchCamera(ctx, "slow-cam")
		require.NoError(t, err)
		require.False(t, switched)
		held := s.gateway.hold(t, "slow-cam")

		added := make(chan error, 1)
		go func() {
			_, err := s.media.AddVideoTrack(ctx)
			added <- err
		}()
		held.wait(t)
		s.media.StopLocalStream(ctx)
		held.open()

		select {
		case err := <-added:
			assert.ErrorIs(t, err, domain.ErrNoLocalMedia)
		case <-time.After(2 * time.Second):
			t.Fatal("add video did not finish")
		}
		assert.Empty(t, s.media.VideoTracks())
		for _, track := range s.gateway.allTracks() {
			assert.True(t, track.Stopped(), track.ID())
		}
	})

	t.Run("concurrent starts keep one stream", func(t *testing.T) {
		s := newTestStack(t, "p_a")
		_, err := s.media.SwitchMicrophone(ctx, "slow-mic")
		require.NoError(t, err)
		held := s.gateway.hold(t, "slow-mic")

		started := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() { started <- s.media.StartLocalStream(ctx, false) }()
		}
		held.wait(t)
		held.wait(t)
		assert.Empty(t, s.media.AudioTracks())
		held.open()

		for i := 0; i < 2; i++ {
			select {
			case err := <-started:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("start did not finish")
			}
		}

		audio := s.media.AudioTracks()
		require.Len(t, audio, 1)
		tracks := s.gateway.allTracks()
		require.Len(t, tracks, 2)
		for _, track := range tracks {
			assert.Equal(t, track.ID() != audio[0].ID(), track.Stopped(), track.ID())
		}
	})
}

func TestMediaStreamController_AbandonedScreenShare(t *testing.T) {
	ctx := context.Background()

	t.Run("call ended during registration", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		s.membership.On("StartScreenShare", mock.Anything, testRoom).
			Run(func(mock.Arguments) { s.state.End() }).
			Return(domain.ShareID("share_x"), nil)
		s.membership.On("StopScreenShare", mock.Anything, testRoom, domain.ShareID("share_x")).Return(nil)

		shareID, err := s.media.AddScreenShare(ctx)
		assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
		assert.Empty(t, shareID)
		assert.Empty(t, s.media.LocalShares())
		s.membership.AssertExpectations(t)
		for _, track := range s.gateway.allTracks() {
			if track.device == "screen" {
				assert.True(t, track.Stopped())
			}
		}
	})

	t.Run("leave started during registration", func(t *testing.T) {
		s := newTestStack(t, "p_a").withStream(t, false)
		negotiate(t, s, "p_b")
		s.membership.On("StartScreenShare", mock.Anything, testRoom).
			Run(func(mock.Arguments) { s.media.StopAllScreenShares(ctx) }).
			Return(domain.ShareID("share_x"), nil).Once()
		s.membership.On("StopScreenShare", mock.Anything, testRoom, domain.ShareID("share_x")).Return(nil).Once()

		shareID, err := s.media.AddScreenShare(ctx)
		assert.ErrorIs(t, err, domain.ErrNotInRoom)
		assert.Empty(t, shareID)
		assert.Empty(t, s.media.LocalShares())
		assert.Empty(t, s.state.Shares())
		assert.Empty(t, s.signaling.sentOf(domain.MessageScreenShareStarted))
		assert.Len(t, s.factory.last("p_b").senderTracks(), 1)
		s.membership.AssertExpectations(t)
		for _, track := range s.gateway.allTracks() {
			if track.device == "screen" {
				assert.True(t, track.Stopped())
			}
		}

		// A fresh local stream accepts shares again.
		s.media.StopLocalStream(ctx)
		require.NoError(t, s.media.StartLocalStream(ctx, false))
		s.membership.On("StartScreenShare", mock.Anything, testRoom).Return(domain.ShareID("share_y"), nil).Once()
		shareID, err = s.media.AddScreenShare(ctx)
		require.NoError(t, err)
		assert.Equal(t, []domain.ShareID{"share_y"}, s.media.LocalShares())
	})
}
