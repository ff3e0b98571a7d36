package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// RoomRepository keeps membership in process. Rooms exist while they have
// members.
type RoomRepository struct {
	rooms map[domain.RoomID]map[domain.ParticipantID]*domain.Member
	mu    sync.RWMutex
}

func NewRoomRepository() ports.RoomRepository {
	return &RoomRepository{
		rooms: make(map[domain.RoomID]map[domain.ParticipantID]*domain.Member),
	}
}

func (r *RoomRepository) AddMember(ctx context.Context, member *domain.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[member.RoomID]
	if !ok {
		room = make(map[domain.ParticipantID]*domain.Member)
		r.rooms[member.RoomID] = room
	}
	if _, exists := room[member.ID]; exists {
		return fmt.Errorf("%s in %s: %w", member.ID, member.RoomID, domain.ErrParticipantExists)
	}
	room[member.ID] = cloneMember(member)
	return nil
}

func (r *RoomRepository) GetMember(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) (*domain.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	member, err := r.member(roomID, participantID)
	if err != nil {
		return nil, err
	}
	return cloneMember(member), nil
}

func (r *RoomRepository) RemoveMember(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.member(roomID, participantID); err != nil {
		return err
	}
	delete(r.rooms[roomID], participantID)
	if len(r.rooms[roomID]) == 0 {
		delete(r.rooms, roomID)
	}
	return nil
}

// ListMembers returns members in join order.
func (r *RoomRepository) ListMembers(ctx context.Context, roomID domain.RoomID) ([]*domain.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", roomID, domain.ErrRoomNotFound)
	}
	members := make([]*domain.Member, 0, len(room))
	for _, m := range room {
		members = append(members, cloneMember(m))
	}
	sortByJoin(members)
	return members, nil
}

func (r *RoomRepository) AddScreenShare(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, shareID domain.ShareID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	member, err := r.member(roomID, participantID)
	if err != nil {
		return err
	}
	for _, id := range member.ScreenShares {
		if id == shareID {
			return nil
		}
	}
	member.ScreenShares = append(member.ScreenShares, shareID)
	return nil
}

func (r *RoomRepository) RemoveScreenShare(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, shareID domain.ShareID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	member, err := r.member(roomID, participantID)
	if err != nil {
		return err
	}
	for i, id := range member.ScreenShares {
		if id == shareID {
			member.ScreenShares = append(member.ScreenShares[:i], member.ScreenShares[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%s: %w", shareID, domain.ErrShareNotFound)
}

// member must be called with r.mu held.
func (r *RoomRepository) member(roomID domain.RoomID, participantID domain.ParticipantID) (*domain.Member, error) {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", roomID, domain.ErrRoomNotFound)
	}
	member, ok := room[participantID]
	if !ok {
		return nil, fmt.Errorf("%s in %s: %w", participantID, roomID, domain.ErrParticipantNotFound)
	}
	return member, nil
}

func cloneMember(m *domain.Member) *domain.Member {
	out := *m
	if m.ScreenShares != nil {
		out.ScreenShares = append([]domain.ShareID(nil), m.ScreenShares...)
	}
	return &out
}

func sortByJoin(members []*domain.Member) {
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
}

func (r *RoomRepository) ActiveRooms(ctx context.Context) ([]domain.RoomID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		rooms = append(rooms, id)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms, nil
}
