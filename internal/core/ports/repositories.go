package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

type RoomRepository interface {
	AddMember(ctx context.Context, member *domain.Member) error
	GetMember(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) (*domain.Member, error)
	RemoveMember(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) error
	ListMembers(ctx context.Context, roomID domain.RoomID) ([]*domain.Member, error)
	AddScreenShare(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, shareID domain.ShareID) error
	RemoveScreenShare(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, shareID domain.ShareID) error
	// ActiveRooms lists rooms with at least one member, sorted.
	ActiveRooms(ctx context.Context) ([]domain.RoomID, error)
}
