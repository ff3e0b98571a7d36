package services

import (
	"context"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	webrtcinfra "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// pionPeer is a peer manager running on real pion transports with a fake
// signaling port.
type pionPeer struct {
	peers     *PeerConnectionManager
	signaling *fakeSignaling
}

func newPionPeer(t *testing.T, local domain.ParticipantID) *pionPeer {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()

	factory, err := webrtcinfra.NewTransportFactory(webrtcinfra.TransportConfig{}, logger)
	require.NoError(t, err)
	gateway := webrtcinfra.NewDeviceGateway(webrtcinfra.GatewayConfig{
		Devices:       []domain.DeviceInfo{{ID: "mic-1", Kind: domain.TrackKindAudio}},
		AllowCapture:  true,
		FrameInterval: 10 * time.Millisecond,
	}, logger)

	state := NewSessionState()
	router := NewEventRouter(64, logger)
	pins := NewPinManager(state, router, logger)
	stats := NewCallStatsRecorder()
	peers := NewPeerConnectionManager(PeerManagerConfig{
		ICEGatherTimeout: 2 * time.Second,
		GlarePolicy:      config.GlareLargerIDYields,
	}, factory, state, router, stats, logger)
	media := NewMediaStreamController(MediaConfig{}, gateway, &MockMembership{}, peers, state, router, pins, stats, logger)

	p := &pionPeer{peers: peers, signaling: newFakeSignaling()}
	require.NoError(t, state.Begin(testRoom, local))
	peers.Start(p.signaling)
	require.NoError(t, media.StartLocalStream(ctx, false))
	t.Cleanup(func() {
		peers.CloseAll(ctx)
		_ = peers.Shutdown(ctx)
		router.Close()
		gateway.Close()
	})
	return p
}

func TestPeerConnectionManager_GlareOverPion(t *testing.T) {
	ctx := context.Background()
	a := newPionPeer(t, "p_a")
	b := newPionPeer(t, "p_b")

	require.NoError(t, a.peers.CreateConnection(ctx, "p_b"))
	require.NoError(t, b.peers.CreateConnection(ctx, "p_a"))
	require.NoError(t, a.peers.CreateOffer(ctx, "p_b"))
	require.NoError(t, b.peers.CreateOffer(ctx, "p_a"))

	offersA := a.signaling.sentOf(domain.MessageOffer)
	offersB := b.signaling.sentOf(domain.MessageOffer)
	require.Len(t, offersA, 1)
	require.Len(t, offersB, 1)

	// The larger id rolls back its own offer and answers.
	require.NoError(t, a.peers.HandleOffer(ctx, "p_b", *offersB[0].SDP))
	require.NoError(t, b.peers.HandleOffer(ctx, "p_a", *offersA[0].SDP))

	assert.Empty(t, a.signaling.sentOf(domain.MessageAnswer))
	answers := b.signaling.sentOf(domain.MessageAnswer)
	require.Len(t, answers, 1)
	require.NoError(t, a.peers.HandleAnswer(ctx, "p_b", *answers[0].SDP))

	for _, side := range []struct {
		peer   *pionPeer
		remote domain.ParticipantID
	}{{a, "p_b"}, {b, "p_a"}} {
		st, ok := side.peer.peers.SignalingState(side.remote)
		require.True(t, ok)
		assert.Equal(t, domain.SignalingStable, st)
		assert.Equal(t, []domain.ParticipantID{side.remote}, side.peer.peers.Peers())
	}
}
