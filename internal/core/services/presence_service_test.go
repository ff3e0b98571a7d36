package services

import (
	"context"
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceCoordinator_OnMemberJoined(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t, "p_a").withStream(t, false)
	presence, cancel := s.router.Presence.Subscribe()
	defer cancel()

	s.presence.OnMemberJoined(ctx, domain.Participant{ID: "p_b", Handle: "bob"})
	s.presence.OnMemberJoined(ctx, domain.Participant{ID: "p_b", Handle: "bob"})
	s.presence.OnMemberJoined(ctx, domain.Participant{ID: "p_a", Handle: "me"})

	assert.True(t, s.peers.Has("p_b"))
	assert.False(t, s.peers.Has("p_a"))
	assert.Equal(t, 1, s.factory.created("p_b"))

	state, ok := s.peers.SignalingState("p_b")
	require.True(t, ok)
	assert.Equal(t, domain.SignalingNew, state)
	assert.Empty(t, s.signaling.sentOf(domain.MessageOffer), "the newcomer offers, not us")

	events := drain(presence)
	require.Len(t, events, 1)
	assert.Equal(t, domain.PresenceJoined, events[0].Kind)
	assert.Equal(t, "bob", events[0].Participant.Handle)
	assert.Equal(t, testRoom, events[0].RoomID)
}

func TestPresenceCoordinator_AdvertisedShares(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t, "p_a")

	s.presence.OnMemberJoined(ctx, domain.Participant{
		ID:           "p_b",
		ScreenShares: []domain.ShareID{"share_b1", "bogus"},
	})

	shares := s.state.Shares()
	require.Len(t, shares, 1)
	assert.Equal(t, domain.ShareID("share_b1"), shares[0].ID)
	assert.Equal(t, domain.ParticipantID("p_b"), shares[0].Owner)
	assert.False(t, shares[0].Local)
}

func TestPresenceCoordinator_OnMemberLeft(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t, "p_a").withStream(t, false)

	s.presence.OnMemberJoined(ctx, domain.Participant{ID: "p_b", ScreenShares: []domain.ShareID{"share_b1"}})
	s.presence.OnMemberJoined(ctx, domain.Participant{ID: "p_c"})
	_, err := s.pins.Toggle(domain.ShareID("share_b1").Tile())
	require.NoError(t, err)
	transport := s.factory.last("p_b")

	media, cancelMedia := s.router.Media.Subscribe()
	defer cancelMedia()
	pins, cancelPins := s.router.Pin.Subscribe()
	defer cancelPins()
	presence, cancelPresence := s.router.Presence.Subscribe()
	defer cancelPresence()

	s.presence.OnMemberLeft(ctx, "p_b")

	assert.False(t, s.peers.Has("p_b"))
	assert.True(t, transport.isClosed())
	assert.False(t, s.state.HasParticipant("p_b"))
	assert.Empty(t, s.state.Shares())
	_, pinned := s.pins.Pinned()
	assert.False(t, pinned)

	var stopped []domain.ShareID
	for _, ev := range drain(media) {
		if ev.Kind == domain.MediaScreenShareStopped {
			stopped = append(stopped, ev.ShareID)
		}
	}
	assert.Equal(t, []domain.ShareID{"share_b1"}, stopped)

	pinEvents := drain(pins)
	require.Len(t, pinEvents, 1)
	assert.Nil(t, pinEvents[0].Tile)

	left := drain(presence)
	require.Len(t, left, 1)
	assert.Equal(t, domain.PresenceLeft, left[0].Kind)
	assert.Equal(t, domain.ParticipantID("p_b"), left[0].Participant.ID)

	// Second leave and unknown members are no-ops.
	s.presence.OnMemberLeft(ctx, "p_b")
	s.presence.OnMemberLeft(ctx, "p_zz")
	assert.Empty(t, drain(presence))
	assert.True(t, s.peers.Has("p_c"))
}

func TestPresenceCoordinator_OnExistingMembers(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t, "p_a").withStream(t, true)
	presence, cancel := s.router.Presence.Subscribe()
	defer cancel()

	now := time.Now()
	s.presence.OnExistingMembers(ctx, []domain.Member{
		{RoomID: testRoom, ID: "p_b", Handle: "bob", JoinedAt: now},
		{RoomID: testRoom, ID: "p_c", Handle: "carol", JoinedAt: now.Add(time.Millisecond)},
		{RoomID: testRoom, ID: "p_a", Handle: "me", JoinedAt: now},
	})
	s.flush(t, "p_b", "p_c")

	offers := s.signaling.sentOf(domain.MessageOffer)
	require.Len(t, offers, 2)
	targets := map[domain.ParticipantID]bool{}
	for _, o := range offers {
		targets[o.To] = true
		assert.Equal(t, domain.ParticipantID("p_a"), o.From)
		assert.Equal(t, testRoom, o.RoomID)
		require.NotNil(t, o.SDP)
		assert.Equal(t, domain.SDPTypeOffer, o.SDP.Type)
	}
	assert.Equal(t, map[domain.ParticipantID]bool{"p_b": true, "p_c": true}, targets)

	for _, id := range []domain.ParticipantID{"p_b", "p_c"} {
		state, ok := s.peers.SignalingState(id)
		require.True(t, ok)
		assert.Equal(t, domain.SignalingHaveLocalOffer, state)
		assert.Len(t, s.factory.last(id).senderTracks(), 2, "local tracks attached before the offer")
	}

	joined := drain(presence)
	require.Len(t, joined, 2)
	assert.Equal(t, []domain.ParticipantID{"p_b", "p_c"}, s.peers.Peers())
}

func TestPresenceCoordinator_ExistingMemberAlreadyConnected(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t, "p_a").withStream(t, false)

	// An offer from p_b raced ahead of the member listing.
	require.NoError(t, s.peers.HandleOffer(ctx, "p_b", sdp(domain.SDPTypeOffer, "b")))
	s.presence.OnExistingMembers(ctx, []domain.Member{{ID: "p_b", Handle: "bob"}})
	s.flush(t, "p_b")

	assert.Empty(t, s.signaling.sentOf(domain.MessageOffer))
	assert.Len(t, s.signaling.sentOf(domain.MessageAnswer), 1)
	assert.True(t, s.state.HasParticipant("p_b"))
}
