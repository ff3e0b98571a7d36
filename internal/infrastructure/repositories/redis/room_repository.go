package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// maxTxAttempts bounds optimistic retries on a contended member hash.
const maxTxAttempts = 5

// membersKey is the hash of participant id to member JSON for one room.
func membersKey(roomID string) string {
	return keyPrefix + "room:" + roomID + ":members"
}

func roomFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix+"room:")
	if !ok {
		return "", false
	}
	return strings.CutSuffix(rest, ":members")
}

// RoomRepository stores membership in Redis so several relay instances can
// share one registry. Each room's hash expires ttl after its last write.
type RoomRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRoomRepository(client *redis.Client, ttl time.Duration) ports.RoomRepository {
	return &RoomRepository{client: client, ttl: ttl}
}

func (r *RoomRepository) AddMember(ctx context.Context, member *domain.Member) error {
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}

	key := membersKey(string(member.RoomID))
	added, err := r.client.HSetNX(ctx, key, string(member.ID), data).Result()
	if err != nil {
		return fmt.Errorf("failed to add member in Redis: %w", err)
	}
	if !added {
		return fmt.Errorf("%s in %s: %w", member.ID, member.RoomID, domain.ErrParticipantExists)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, activeRoomsKey, string(member.RoomID))
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index room: %w", err)
	}
	return nil
}

func (r *RoomRepository) GetMember(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) (*domain.Member, error) {
	data, err := r.client.HGet(ctx, membersKey(string(roomID)), string(participantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, r.missing(ctx, roomID, participantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member from Redis: %w", err)
	}
	return decodeMember(data)
}

func (r *RoomRepository) RemoveMember(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) error {
	key := membersKey(string(roomID))
	removed, err := r.client.HDel(ctx, key, string(participantID)).Result()
	if err != nil {
		return fmt.Errorf("failed to remove member from Redis: %w", err)
	}
	if removed == 0 {
		return r.missing(ctx, roomID, participantID)
	}

	// Redis deletes empty hashes, so an absent key means the room emptied.
	n, err := r.client.Exists(ctx, key).Result()
	if err == nil && n == 0 {
		r.client.SRem(ctx, activeRoomsKey, string(roomID))
	}
	return nil
}

func (r *RoomRepository) ListMembers(ctx context.Context, roomID domain.RoomID) ([]*domain.Member, error) {
	entries, err := r.client.HGetAll(ctx, membersKey(string(roomID))).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members from Redis: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", roomID, domain.ErrRoomNotFound)
	}

	members := make([]*domain.Member, 0, len(entries))
	for _, data := range entries {
		m, err := decodeMember([]byte(data))
		if err != nil {
			// Skip entries we cannot read rather than failing the room.
			continue
		}
		members = append(members, m)
	}
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (r *RoomRepository) AddScreenShare(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, shareID domain.ShareID) error {
	return r.updateMember(ctx, roomID, participantID, func(m *domain.Member) error {
		for _, id := range m.ScreenShares {
			if id == shareID {
				return nil
			}
		}
		m.ScreenShares = append(m.ScreenShares, shareID)
		return nil
	})
}

func (r *RoomRepository) RemoveScreenShare(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, shareID domain.ShareID) error {
	return r.updateMember(ctx, roomID, participantID, func(m *domain.Member) error {
		for i, id := range m.ScreenShares {
			if id == shareID {
				m.ScreenShares = append(m.ScreenShares[:i], m.ScreenShares[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%s: %w", shareID, domain.ErrShareNotFound)
	})
}

// updateMember applies fn to a member under WATCH so concurrent share
// updates on the same room do not overwrite each other.
func (r *RoomRepository) updateMember(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, fn func(*domain.Member) error) error {
	key := membersKey(string(roomID))
	field := string(participantID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, field).Bytes()
		if errors.Is(err, redis.Nil) {
			return r.missing(ctx, roomID, participantID)
		}
		if err != nil {
			return err
		}
		member, err := decodeMember(data)
		if err != nil {
			return err
		}
		if err := fn(member); err != nil {
			return err
		}
		updated, err := json.Marshal(member)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, updated)
			if r.ttl > 0 {
				pipe.Expire(ctx, key, r.ttl)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s in %s: too much contention", participantID, roomID)
}

// missing tells a missing room from a missing member.
func (r *RoomRepository) missing(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) error {
	n, err := r.client.Exists(ctx, membersKey(string(roomID))).Result()
	if err == nil && n == 0 {
		return fmt.Errorf("%s: %w", roomID, domain.ErrRoomNotFound)
	}
	return fmt.Errorf("%s in %s: %w", participantID, roomID, domain.ErrParticipantNotFound)
}

// ActiveRooms lists rooms that currently have members.
func (r *RoomRepository) ActiveRooms(ctx context.Context) ([]domain.RoomID, error) {
	rooms, err := r.client.SMembers(ctx, activeRoomsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.RoomID, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, domain.RoomID(room))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func decodeMember(data []byte) (*domain.Member, error) {
	var m domain.Member
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal member: %w", err)
	}
	return &m, nil
}
