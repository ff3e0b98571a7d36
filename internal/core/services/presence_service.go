package services

import (
	"context"
	"errors"

	"meshcall/internal/core/domain"

	"go.uber.org/zap"
)

// PresenceCoordinator turns room membership changes into connection
// lifecycle. Newcomers offer to everyone already present; members already
// present only prepare a connection and wait for the newcomer's offer.
type PresenceCoordinator struct {
	peers  *PeerConnectionManager
	media  *MediaStreamController
	state  *SessionState
	router *EventRouter
	pins   *PinManager
	logger *zap.SugaredLogger
}

func NewPresenceCoordinator(
	peers *PeerConnectionManager,
	media *MediaStreamController,
	state *SessionState,
	router *EventRouter,
	pins *PinManager,
	logger *zap.SugaredLogger,
) *PresenceCoordinator {
	return &PresenceCoordinator{
		peers:  peers,
		media:  media,
		state:  state,
		router: router,
		pins:   pins,
		logger: logger,
	}
}

// OnMemberJoined handles a member that arrived after us.
func (p *PresenceCoordinator) OnMemberJoined(ctx context.Context, participant domain.Participant) {
	if participant.ID == "" || participant.ID == p.state.LocalID() {
		return
	}

	created := p.admit(ctx, participant)
	if err := p.peers.CreateConnection(ctx, participant.ID); err != nil {
		p.logger.Warnw("prepare connection for new member failed", "participant_id", participant.ID, "error", err)
	}
	if created {
		p.publishJoined(participant.ID)
	}
}

// OnMemberLeft tears down everything owned by a departed member.
func (p *PresenceCoordinator) OnMemberLeft(ctx context.Context, participantID domain.ParticipantID) {
	if participantID == "" || participantID == p.state.LocalID() {
		return
	}

	if err := p.peers.CloseConnection(ctx, participantID); err != nil {
		p.logger.Warnw("close connection of departed member", "participant_id", participantID, "error", err)
	}

	participant, known := p.state.Participant(participantID)
	removedShares, pinCleared, ok := p.state.RemoveParticipant(participantID)
	if !ok {
		return
	}
	p.pins.announceCleared(pinCleared)
	for _, shareID := range removedShares {
		p.router.Media.Publish(domain.MediaEvent{
			Kind:          domain.MediaScreenShareStopped,
			ParticipantID: participantID,
			ShareID:       shareID,
		})
	}
	if !known {
		participant = domain.Participant{ID: participantID}
	}
	p.router.Presence.Publish(domain.PresenceEvent{
		Kind:        domain.PresenceLeft,
		RoomID:      p.state.RoomID(),
		Participant: participant,
	})
	p.logger.Infow("member left", "participant_id", participantID, "shares_removed", len(removedShares))
}

// OnExistingMembers connects to and offers to every member present when we
// joined. Each member is handled on its own queue.
func (p *PresenceCoordinator) OnExistingMembers(ctx context.Context, members []domain.Member) {
	local := p.state.LocalID()
	for _, m := range members {
		participant := m.Participant()
		if participant.ID == "" || participant.ID == local {
			continue
		}
		if err := p.peers.Submit(participant.ID, func(ctx context.Context) {
			p.connectExisting(ctx, participant)
		}); err != nil {
			p.logger.Warnw("queue existing member", "participant_id", participant.ID, "error", err)
		}
	}
}

func (p *PresenceCoordinator) connectExisting(ctx context.Context, participant domain.Participant) {
	if p.peers.Has(participant.ID) {
		p.admit(ctx, participant)
		return
	}

	created := p.admit(ctx, participant)
	if err := p.peers.CreateConnection(ctx, participant.ID); err != nil {
		p.logger.Warnw("connect to existing member failed", "participant_id", participant.ID, "error", err)
		return
	}
	if err := p.peers.CreateOffer(ctx, participant.ID); err != nil && !errors.Is(err, domain.ErrSignalingState) {
		p.logger.Warnw("offer to existing member failed", "participant_id", participant.ID, "error", err)
	}
	if created {
		p.publishJoined(participant.ID)
	}
}

// admit records participant and the shares it advertises. It reports
// whether the participant is new.
func (p *PresenceCoordinator) admit(ctx context.Context, participant domain.Participant) bool {
	created := p.state.UpsertParticipant(participant)
	for _, shareID := range participant.ScreenShares {
		if err := p.media.OnRemoteShareStarted(ctx, participant.ID, shareID); err != nil {
			p.logger.Warnw("advertised share rejected", "participant_id", participant.ID, "share_id", shareID, "error", err)
		}
	}
	return created
}

func (p *PresenceCoordinator) publishJoined(id domain.ParticipantID) {
	participant, ok := p.state.Participant(id)
	if !ok {
		return
	}
	p.router.Presence.Publish(domain.PresenceEvent{
		Kind:        domain.PresenceJoined,
		RoomID:      p.state.RoomID(),
		Participant: participant,
	})
	p.logger.Infow("member joined", "participant_id", id, "handle", participant.Handle)
}
