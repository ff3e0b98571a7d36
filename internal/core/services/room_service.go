package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"go.uber.org/zap"
)

// roomService is the server-side membership registry behind the REST API.
type roomService struct {
	repo     ports.RoomRepository
	tickets  ports.TicketService
	notifier ports.RoomNotifier
	logger   *zap.SugaredLogger
}

// NewRoomService builds the registry. notifier may be nil.
func NewRoomService(repo ports.RoomRepository, tickets ports.TicketService, notifier ports.RoomNotifier, logger *zap.SugaredLogger) ports.RoomService {
	return &roomService{
		repo:     repo,
		tickets:  tickets,
		notifier: notifier,
		logger:   logger,
	}
}

func (s *roomService) Join(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, handle string) (domain.JoinResult, error) {
	ctx, span := tracing.TraceMembership(ctx, "join", string(roomID))
	defer span.End()

	if err := validation.ValidateRoomID(roomID); err != nil {
		return domain.JoinResult{}, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
	}
	if err := validation.ValidateHandle(handle); err != nil {
		return domain.JoinResult{}, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
	}
	if participantID == "" {
		participantID = utils.GenerateParticipantID()
	} else if err := validation.ValidateParticipantID(participantID); err != nil {
		return domain.JoinResult{}, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
	}

	member := &domain.Member{
		RoomID:   roomID,
		ID:       participantID,
		Handle:   handle,
		JoinedAt: time.Now(),
	}
	if err := s.repo.AddMember(ctx, member); err != nil {
		tracing.RecordError(ctx, err)
		return domain.JoinResult{RoomID: roomID, ParticipantID: participantID}, err
	}

	ticket, err := s.tickets.Issue(roomID, participantID)
	if err != nil {
		_ = s.repo.RemoveMember(ctx, roomID, participantID)
		return domain.JoinResult{}, err
	}

	s.logger.Infow("participant joined room", "room_id", roomID, "participant_id", participantID, "handle", handle)
	return domain.JoinResult{
		RoomID:        roomID,
		ParticipantID: participantID,
		Joined:        true,
		Ticket:        ticket,
	}, nil
}

// Leave removes a member. Leaving twice reports false without error.
func (s *roomService) Leave(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) (bool, error) {
	ctx, span := tracing.TraceMembership(ctx, "leave", string(roomID))
	defer span.End()

	if err := s.repo.RemoveMember(ctx, roomID, participantID); err != nil {
		if errors.Is(err, domain.ErrParticipantNotFound) || errors.Is(err, domain.ErrRoomNotFound) {
			return false, nil
		}
		tracing.RecordError(ctx, err)
		return false, err
	}

	if s.notifier != nil {
		s.notifier.MemberLeft(ctx, roomID, participantID)
	}
	s.logger.Infow("participant left room", "room_id", roomID, "participant_id", participantID)
	return true, nil
}

func (s *roomService) Members(ctx context.Context, roomID domain.RoomID) ([]domain.Member, error) {
	members, err := s.repo.ListMembers(ctx, roomID)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return []domain.Member{}, nil
		}
		return nil, err
	}

	out := make([]domain.Member, 0, len(members))
	for _, m := range members {
		out = append(out, *m)
	}
	return out, nil
}

func (s *roomService) IsMember(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) bool {
	_, err := s.repo.GetMember(ctx, roomID, participantID)
	return err == nil
}

func (s *roomService) StartScreenShare(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) (domain.ShareID, error) {
	ctx, span := tracing.TraceMembership(ctx, "start_screen_share", string(roomID))
	defer span.End()

	if _, err := s.repo.GetMember(ctx, roomID, participantID); err != nil {
		return "", err
	}

	shareID := utils.GenerateShareID()
	if err := s.repo.AddScreenShare(ctx, roomID, participantID, shareID); err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}
	s.logger.Infow("screen share registered", "room_id", roomID, "participant_id", participantID, "share_id", shareID)
	return shareID, nil
}

func (s *roomService) StopScreenShare(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, shareID domain.ShareID) error {
	ctx, span := tracing.TraceMembership(ctx, "stop_screen_share", string(roomID))
	defer span.End()

	if err := validation.ValidateShareID(shareID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
	}
	if err := s.repo.RemoveScreenShare(ctx, roomID, participantID, shareID); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	s.logger.Infow("screen share deregistered", "room_id", roomID, "participant_id", participantID, "share_id", shareID)
	return nil
}
