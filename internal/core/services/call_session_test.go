package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sessionHarness struct {
	session    *CallSession
	membership *MockMembership
	connector  *fakeConnector
	signaling  *fakeSignaling
	factory    *fakeFactory
	gateway    *fakeGateway
	stats      *CallStatsRecorder
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.WebRTC.ICEGatherTimeout = 50 * time.Millisecond
	cfg.WebRTC.DisconnectGrace = 50 * time.Millisecond
	cfg.VoiceActivity.Mode = config.VADModeLevel

	h := &sessionHarness{
		membership: &MockMembership{},
		signaling:  newFakeSignaling(),
		factory:    newFakeFactory(),
		gateway:    newFakeGateway(),
		stats:      NewCallStatsRecorder(),
	}
	h.gateway.tapAudio = true
	h.connector = &fakeConnector{port: h.signaling}
	h.session = NewCallSession(CallSessionDeps{
		Config:     cfg,
		Membership: h.membership,
		Connector:  h.connector,
		Gateway:    h.gateway,
		Transports: h.factory,
		Metrics:    h.stats,
		Logger:     zaptest.NewLogger(t).Sugar(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.session.Close(ctx)
	})
	return h
}

func (h *sessionHarness) expectJoin(members ...domain.Member) {
	h.membership.On("Join", mock.Anything, testRoom, "alice").
		Return(domain.JoinResult{RoomID: testRoom, ParticipantID: "p_a", Joined: true, Ticket: "ticket"}, nil).Once()
	h.membership.On("ListMembers", mock.Anything, testRoom).Return(members, nil).Once()
	h.membership.On("Leave", mock.Anything).Return(true, nil).Maybe()
}

func (h *sessionHarness) deliver(msg domain.SignalMessage) {
	if msg.RoomID == "" {
		msg.RoomID = testRoom
	}
	h.signaling.deliver(&msg)
}

func TestCallSession_JoinOffersToExistingMembers(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	h.expectJoin(
		domain.Member{RoomID: testRoom, ID: "p_a", Handle: "alice"},
		domain.Member{RoomID: testRoom, ID: "p_b", Handle: "bob"},
		domain.Member{RoomID: testRoom, ID: "p_c", Handle: "carol"},
	)

	result, err := h.session.Join(ctx, testRoom, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("p_a"), result.ParticipantID)

	_, err = h.session.Join(ctx, testRoom, "alice", true)
	assert.ErrorIs(t, err, domain.ErrAlreadyInRoom)

	assert.Eventually(t, func() bool {
		return len(h.signaling.sentOf(domain.MessageOffer)) == 2
	}, time.Second, 5*time.Millisecond)

	snap := h.session.State()
	assert.Equal(t, testRoom, snap.RoomID)
	assert.Equal(t, domain.ParticipantID("p_a"), snap.LocalID)
	require.Len(t, snap.Participants, 2)
	assert.True(t, snap.AudioEnabled)
	assert.True(t, snap.VideoEnabled)
	assert.Len(t, h.factory.last("p_b").senderTracks(), 2)

	h.deliver(domain.SignalMessage{Type: domain.MessageAnswer, From: "p_b", To: "p_a", SDP: ptrSDP(sdp(domain.SDPTypeAnswer, "b"))})
	assert.Eventually(t, func() bool {
		st, _ := h.session.Peers().SignalingState("p_b")
		return st == domain.SignalingStable
	}, time.Second, 5*time.Millisecond)

	h.membership.AssertExpectations(t)
}

func TestCallSession_JoinRejected(t *testing.T) {
	ctx := context.Background()

	t.Run("membership error", func(t *testing.T) {
		h := newSessionHarness(t)
		h.membership.On("Join", mock.Anything, testRoom, "alice").
			Return(domain.JoinResult{}, errors.New("room full")).Once()

		_, err := h.session.Join(ctx, testRoom, "alice", false)
		assert.ErrorIs(t, err, domain.ErrJoinRejected)
		assert.False(t, h.session.state.InCall())
		assert.Empty(t, h.gateway.allTracks())
	})

	t.Run("not joined", func(t *testing.T) {
		h := newSessionHarness(t)
		h.membership.On("Join", mock.Anything, testRoom, "alice").
			Return(domain.JoinResult{RoomID: testRoom}, nil).Once()

		_, err := h.session.Join(ctx, testRoom, "alice", false)
		assert.ErrorIs(t, err, domain.ErrJoinRejected)
	})
}

func TestCallSession_JoinRollsBack(t *testing.T) {
	ctx := context.Background()

	t.Run("signaling unavailable", func(t *testing.T) {
		h := newSessionHarness(t)
		h.connector.err = errors.New("dial refused")
		h.membership.On("Join", mock.Anything, testRoom, "alice").
			Return(domain.JoinResult{RoomID: testRoom, ParticipantID: "p_a", Joined: true}, nil).Once()
		h.membership.On("Leave", mock.Anything).Return(true, nil).Once()

		_, err := h.session.Join(ctx, testRoom, "alice", true)
		require.Error(t, err)

		assert.False(t, h.session.state.InCall())
		for _, track := range h.gateway.allTracks() {
			assert.True(t, track.Stopped(), track.ID())
		}
		h.membership.AssertExpectations(t)
	})

	t.Run("member list unavailable", func(t *testing.T) {
		h := newSessionHarness(t)
		h.membership.On("Join", mock.Anything, testRoom, "alice").
			Return(domain.JoinResult{RoomID: testRoom, ParticipantID: "p_a", Joined: true}, nil).Once()
		h.membership.On("ListMembers", mock.Anything, testRoom).Return(nil, errors.New("timeout")).Once()
		h.membership.On("Leave", mock.Anything).Return(true, nil).Once()

		_, err := h.session.Join(ctx, testRoom, "alice", false)
		require.Error(t, err)

		assert.False(t, h.session.state.InCall())
		assert.Empty(t, h.session.Peers().Peers())
		_, open := <-h.signaling.Messages()
		assert.False(t, open, "signaling port closed")
		h.membership.AssertExpectations(t)
	})
}

func TestCallSession_RoutesSignaling(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	h.expectJoin()
	_, err := h.session.Join(ctx, testRoom, "alice", false)
	require.NoError(t, err)

	presence, cancel := h.session.Events().Presence.Subscribe()
	defer cancel()

	h.deliver(domain.SignalMessage{Type: domain.MessageMemberJoined, Participant: &domain.Participant{ID: "p_b", Handle: "bob"}})
	assert.Eventually(t, func() bool { return h.session.Peers().Has("p_b") }, time.Second, 5*time.Millisecond)

	// An offer from someone we have not heard of admits them first.
	h.deliver(domain.SignalMessage{Type: domain.MessageOffer, From: "p_c", To: "p_a", SDP: ptrSDP(sdp(domain.SDPTypeOffer, "c"))})
	assert.Eventually(t, func() bool {
		return len(h.signaling.sentOf(domain.MessageAnswer)) == 1
	}, time.Second, 5*time.Millisecond)
	answer := h.signaling.sentOf(domain.MessageAnswer)[0]
	assert.Equal(t, domain.ParticipantID("p_c"), answer.To)

	h.deliver(domain.SignalMessage{Type: domain.MessageSpeaking, From: "p_b", To: "p_a"})
	assert.Eventually(t, func() bool { return h.session.state.Speaking("p_b") }, time.Second, 5*time.Millisecond)

	h.deliver(domain.SignalMessage{Type: domain.MessageScreenShareStarted, From: "p_b", To: "p_a", ShareID: "share_b1"})
	assert.Eventually(t, func() bool { return len(h.session.State().ScreenShares) == 1 }, time.Second, 5*time.Millisecond)

	h.deliver(domain.SignalMessage{Type: domain.MessageMemberLeft, Participant: &domain.Participant{ID: "p_b"}})

	var kinds []domain.PresenceEventKind
	assert.Eventually(t, func() bool {
		for _, ev := range drain(presence) {
			kinds = append(kinds, ev.Kind)
		}
		return len(kinds) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.PresenceEventKind{domain.PresenceJoined, domain.PresenceJoined, domain.PresenceLeft}, kinds)
	assert.False(t, h.session.Peers().Has("p_b"))
	assert.Empty(t, h.session.State().ScreenShares)
}

func TestCallSession_DropsBadSignaling(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	h.expectJoin()
	_, err := h.session.Join(ctx, testRoom, "alice", false)
	require.NoError(t, err)

	h.deliver(domain.SignalMessage{Type: "bogus", From: "p_b"})
	h.deliver(domain.SignalMessage{Type: domain.MessageOffer, From: "p_b", To: "p_a"})
	h.deliver(domain.SignalMessage{Type: domain.MessageSpeaking, From: "p_a", To: "p_a"})
	h.deliver(domain.SignalMessage{Type: domain.MessageSpeaking, From: "p_b", To: "p_z"})
	h.deliver(domain.SignalMessage{Type: domain.MessageSpeaking, From: "p_b", To: "p_a", RoomID: "elsewhere"})
	h.deliver(domain.SignalMessage{Type: domain.MessagePing})

	assert.Eventually(t, func() bool {
		dropped := h.stats.Snapshot().DroppedSignals
		return dropped["invalid"] == 2 && dropped["self"] == 1 && dropped["misrouted"] == 1 && dropped["wrong_room"] == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.session.Peers().Peers())
}

func TestCallSession_Leave(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	h.expectJoin(domain.Member{RoomID: testRoom, ID: "p_b", Handle: "bob"})
	h.membership.On("StartScreenShare", mock.Anything, testRoom).Return(domain.ShareID("share_a1"), nil).Once()
	h.membership.On("StopScreenShare", mock.Anything, testRoom, domain.ShareID("share_a1")).Return(nil).Once()

	_, err := h.session.Join(ctx, testRoom, "alice", true)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.session.Peers().Has("p_b") }, time.Second, 5*time.Millisecond)

	shareID, err := h.session.Media().AddScreenShare(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareID("share_a1"), shareID)

	transport := h.factory.last("p_b")
	require.NoError(t, h.session.Leave(ctx))

	assert.True(t, transport.isClosed())
	assert.False(t, h.session.state.InCall())
	assert.Empty(t, h.session.Peers().Peers())
	for _, track := range h.gateway.allTracks() {
		assert.True(t, track.Stopped(), track.ID())
	}
	assert.Len(t, h.signaling.sentOf(domain.MessageScreenShareStopped), 1)
	assert.ErrorIs(t, h.session.Leave(ctx), domain.ErrNotInRoom)
	h.membership.AssertExpectations(t)

	// The session can join again.
	h.signaling = newFakeSignaling()
	h.connector.port = h.signaling
	h.expectJoin()
	_, err = h.session.Join(ctx, testRoom, "alice", false)
	require.NoError(t, err)
}

func ptrSDP(desc domain.SessionDescription) *domain.SessionDescription { return &desc }
