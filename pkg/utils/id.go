package utils

import (
	"crypto/rand"
	"encoding/hex"

	"meshcall/internal/core/domain"

	"github.com/google/uuid"
)

// GenerateParticipantID generates a unique participant ID
func GenerateParticipantID() domain.ParticipantID {
	return domain.ParticipantID("p_" + compactUUID())
}

// GenerateShareID generates a share ID. Share ids always carry
// domain.ShareIDPrefix.
func GenerateShareID() domain.ShareID {
	return domain.ShareID(domain.ShareIDPrefix + compactUUID())
}

// GenerateTrackID generates a local track ID of the given kind
func GenerateTrackID(kind domain.TrackKind) string {
	return string(kind) + "_" + compactUUID()[:12]
}

// GenerateTraceID generates a unique trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func compactUUID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
