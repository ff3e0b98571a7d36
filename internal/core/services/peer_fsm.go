package services

import (
	"context"

	"meshcall/internal/core/domain"

	"github.com/looplab/fsm"
)

// Signaling FSM events.
const (
	evLocalOffer   = "local_offer"
	evRemoteOffer  = "remote_offer"
	evGlareYield   = "glare_yield"
	evLocalAnswer  = "local_answer"
	evRemoteAnswer = "remote_answer"
	evClose        = "close"
)

// newSignalingFSM builds the per-peer negotiation state machine:
//
//	new|stable -> have-local-offer  -> stable   (we offer, they answer)
//	new|stable -> have-remote-offer -> stable   (they offer, we answer)
//	have-local-offer -> have-remote-offer       (glare, we yield)
//	any -> closed
//
// stable re-enters negotiation only for renegotiation.
func newSignalingFSM(onTransition func(from, to domain.SignalingState)) *fsm.FSM {
	newS := string(domain.SignalingNew)
	localOffer := string(domain.SignalingHaveLocalOffer)
	remoteOffer := string(domain.SignalingHaveRemoteOffer)
	stable := string(domain.SignalingStable)
	closed := string(domain.SignalingClosed)

	return fsm.NewFSM(
		newS,
		fsm.Events{
			{Name: evLocalOffer, Src: []string{newS, stable}, Dst: localOffer},
			{Name: evRemoteOffer, Src: []string{newS, stable}, Dst: remoteOffer},
			{Name: evGlareYield, Src: []string{localOffer}, Dst: remoteOffer},
			{Name: evLocalAnswer, Src: []string{remoteOffer}, Dst: stable},
			{Name: evRemoteAnswer, Src: []string{localOffer}, Dst: stable},
			{Name: evClose, Src: []string{newS, localOffer, remoteOffer, stable}, Dst: closed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onTransition != nil {
					onTransition(domain.SignalingState(e.Src), domain.SignalingState(e.Dst))
				}
			},
		},
	)
}
