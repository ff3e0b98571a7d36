package domain

import "time"

// ScreenShare describes one active screen share. Local is set only on the
// owner's side, which is the only side allowed to stop it.
type ScreenShare struct {
	ID        ShareID       `json:"share_id"`
	Owner     ParticipantID `json:"owner"`
	Local     bool          `json:"-"`
	StartedAt time.Time     `json:"started_at"`
}
