package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// TrackSender is the outbound half of one local track on one connection.
type TrackSender interface {
	Track() LocalTrack
	ReplaceTrack(track LocalTrack) error
}

// PeerTransport is a single peer-to-peer media connection.
type PeerTransport interface {
	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	// Rollback discards a pending local offer.
	Rollback() error
	LocalDescription() *domain.SessionDescription
	GatheringComplete() <-chan struct{}
	AddICECandidate(candidate domain.ICECandidate) error

	AddTrack(track LocalTrack) (TrackSender, error)
	RemoveTrack(sender TrackSender) error

	OnICECandidate(fn func(candidate *domain.ICECandidate))
	OnTrack(fn func(track MediaTrack))
	// OnTrackEnded fires once a remote track stops delivering media.
	OnTrackEnded(fn func(track MediaTrack))
	OnStateChange(fn func(state domain.TransportState))

	Close() error
}

type TransportFactory interface {
	NewTransport(ctx context.Context, participantID domain.ParticipantID) (PeerTransport, error)
}
