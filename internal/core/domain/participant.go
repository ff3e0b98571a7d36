package domain

import "time"

// Participant is the metadata a session keeps for one room member.
type Participant struct {
	ID           ParticipantID `json:"participant_id"`
	Handle       string        `json:"handle"`
	Speaking     bool          `json:"speaking"`
	AudioEnabled bool          `json:"audio_enabled"`
	VideoEnabled bool          `json:"video_enabled"`
	ScreenShares []ShareID     `json:"active_screen_shares,omitempty"`
	JoinedAt     time.Time     `json:"joined_at"`
}

// Clone returns a copy that shares no slices with p.
func (p Participant) Clone() Participant {
	out := p
	if p.ScreenShares != nil {
		out.ScreenShares = append([]ShareID(nil), p.ScreenShares...)
	}
	return out
}

// JoinResult is what the membership service hands back on join.
type JoinResult struct {
	RoomID        RoomID        `json:"room_id"`
	ParticipantID ParticipantID `json:"participant_id"`
	Joined        bool          `json:"joined"`
	Ticket        string        `json:"ticket,omitempty"`
}

// Member is a room member as stored by the membership registry.
type Member struct {
	RoomID       RoomID        `json:"room_id"`
	ID           ParticipantID `json:"participant_id"`
	Handle       string        `json:"handle"`
	ScreenShares []ShareID     `json:"active_screen_shares"`
	JoinedAt     time.Time     `json:"joined_at"`
}

func (m Member) Participant() Participant {
	return Participant{
		ID:           m.ID,
		Handle:       m.Handle,
		AudioEnabled: true,
		ScreenShares: append([]ShareID(nil), m.ScreenShares...),
		JoinedAt:     m.JoinedAt,
	}
}
