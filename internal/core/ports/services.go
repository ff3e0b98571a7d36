package ports

import (
	"context"
	"time"

	"meshcall/internal/core/domain"
)

// RoomMembershipService is the client view of the room membership API.
// Leave and the screen-share calls act for the participant returned by the
// last successful Join.
type RoomMembershipService interface {
	Join(ctx context.Context, roomID domain.RoomID, handle string) (domain.JoinResult, error)
	Leave(ctx context.Context) (bool, error)
	ListMembers(ctx context.Context, roomID domain.RoomID) ([]domain.Member, error)
	StartScreenShare(ctx context.Context, roomID domain.RoomID) (domain.ShareID, error)
	StopScreenShare(ctx context.Context, roomID domain.RoomID, shareID domain.ShareID) error
}

// RoomService is the server side of room membership.
type RoomService interface {
	Join(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, handle string) (domain.JoinResult, error)
	Leave(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) (bool, error)
	Members(ctx context.Context, roomID domain.RoomID) ([]domain.Member, error)
	IsMember(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) bool
	StartScreenShare(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) (domain.ShareID, error)
	StopScreenShare(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, shareID domain.ShareID) error
}

// RoomNotifier is told about membership changes the REST API performs, so
// the signaling relay can broadcast them.
type RoomNotifier interface {
	MemberLeft(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID)
}

type TicketClaims struct {
	RoomID        domain.RoomID
	ParticipantID domain.ParticipantID
	ExpiresAt     time.Time
}

type TicketService interface {
	Issue(roomID domain.RoomID, participantID domain.ParticipantID) (string, error)
	Verify(token string) (*TicketClaims, error)
}

// CallMetrics receives client-side call telemetry.
type CallMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	NegotiationCompleted(role string, duration time.Duration)
	TransportFailed(hard bool)
	SpeakingTransition(speaking bool)
	ActiveScreenShares(count int)
	SignalDropped(reason string)
}

// RelayMetrics receives signaling relay telemetry.
type RelayMetrics interface {
	ClientConnected()
	ClientDisconnected()
	MessageRelayed(messageType string)
	MessageRejected(reason string)
}
