package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func member(room domain.RoomID, id domain.ParticipantID, joined time.Time) *domain.Member {
	return &domain.Member{RoomID: room, ID: id, Handle: string(id), JoinedAt: joined}
}

func TestRoomRepository_Members(t *testing.T) {
	ctx := context.Background()
	repo := NewRoomRepository()
	now := time.Now()

	require.NoError(t, repo.AddMember(ctx, member("r1", "p_b", now.Add(time.Second))))
	require.NoError(t, repo.AddMember(ctx, member("r1", "p_a", now)))
	require.NoError(t, repo.AddMember(ctx, member("r2", "p_c", now)))

	rooms, err := repo.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.RoomID{"r1", "r2"}, rooms)

	err = repo.AddMember(ctx, member("r1", "p_a", now))
	assert.ErrorIs(t, err, domain.ErrParticipantExists)

	members, err := repo.ListMembers(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, domain.ParticipantID("p_a"), members[0].ID)
	assert.Equal(t, domain.ParticipantID("p_b"), members[1].ID)

	got, err := repo.GetMember(ctx, "r2", "p_c")
	require.NoError(t, err)
	assert.Equal(t, "p_c", got.Handle)

	_, err = repo.GetMember(ctx, "r2", "p_a")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)

	require.NoError(t, repo.RemoveMember(ctx, "r2", "p_c"))
	_, err = repo.ListMembers(ctx, "r2")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound, "empty rooms disappear")
	rooms, err = repo.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.RoomID{"r1"}, rooms)

	err = repo.RemoveMember(ctx, "r2", "p_c")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	err = repo.RemoveMember(ctx, "r1", "p_z")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestRoomRepository_ScreenShares(t *testing.T) {
	ctx := context.Background()
	repo := NewRoomRepository()
	require.NoError(t, repo.AddMember(ctx, member("r1", "p_a", time.Now())))

	require.NoError(t, repo.AddScreenShare(ctx, "r1", "p_a", "share_1"))
	require.NoError(t, repo.AddScreenShare(ctx, "r1", "p_a", "share_2"))
	require.NoError(t, repo.AddScreenShare(ctx, "r1", "p_a", "share_1"))

	got, err := repo.GetMember(ctx, "r1", "p_a")
	require.NoError(t, err)
	assert.Equal(t, []domain.ShareID{"share_1", "share_2"}, got.ScreenShares)

	// Returned members are copies.
	got.ScreenShares[0] = "share_x"
	again, _ := repo.GetMember(ctx, "r1", "p_a")
	assert.Equal(t, domain.ShareID("share_1"), again.ScreenShares[0])

	require.NoError(t, repo.RemoveScreenShare(ctx, "r1", "p_a", "share_1"))
	err = repo.RemoveScreenShare(ctx, "r1", "p_a", "share_1")
	assert.ErrorIs(t, err, domain.ErrShareNotFound)

	err = repo.AddScreenShare(ctx, "r1", "p_b", "share_3")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestRoomRepository_Concurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewRoomRepository()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.ParticipantID("p_" + string(rune('a'+i%26)) + string(rune('a'+i/26)))
			_ = repo.AddMember(ctx, member("r1", id, time.Now()))
			_, _ = repo.ListMembers(ctx, "r1")
		}(i)
	}
	wg.Wait()

	members, err := repo.ListMembers(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, members, 50)
}
