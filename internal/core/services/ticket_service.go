package services

import (
	"errors"
	"fmt"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var ErrExpiredTicket = errors.New("room ticket expired")

// ticketClaims binds a signaling connection to one room membership.
type ticketClaims struct {
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	jwt.RegisteredClaims
}

type ticketService struct {
	secret []byte
	ttl    time.Duration
}

// NewTicketService issues HS256 room tickets valid for ttl.
func NewTicketService(secret string, ttl time.Duration) ports.TicketService {
	return &ticketService{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

func (s *ticketService) Issue(roomID domain.RoomID, participantID domain.ParticipantID) (string, error) {
	now := time.Now()
	claims := &ticketClaims{
		RoomID:        roomID,
		ParticipantID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(participantID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return signed, nil
}

func (s *ticketService) Verify(tokenString string) (*ports.TicketClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ticketClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrInvalidTicket
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidTicket, ErrExpiredTicket)
		}
		return nil, domain.ErrInvalidTicket
	}

	claims, ok := token.Claims.(*ticketClaims)
	if !ok || !token.Valid || claims.RoomID == "" || claims.ParticipantID == "" {
		return nil, domain.ErrInvalidTicket
	}

	out := &ports.TicketClaims{RoomID: claims.RoomID, ParticipantID: claims.ParticipantID}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
