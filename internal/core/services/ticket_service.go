package services

import (
	"errors"
	"fmt"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

// TicketClaims bind a join ticket to one meeting and the participant id the
// client registered through the REST join endpoint.
type TicketClaims struct {
	RoomID        domain.RoomID `json:"room_id"`
	ParticipantID string        `json:"participant_id,omitempty"`
	jwt.RegisteredClaims
}

// TicketService issues and checks the short-lived HS256 tokens that gate
// relay attaches when join tickets are required.
type TicketService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

var _ ports.JoinTicketValidator = (*TicketService)(nil)

func NewTicketService(secret string, ttl time.Duration) *TicketService {
	return &TicketService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// IssueJoinTicket signs a ticket for roomID.
func (s *TicketService) IssueJoinTicket(roomID domain.RoomID, participantID string) (string, error) {
	now := s.now()
	claims := &TicketClaims{
		RoomID:        roomID,
		ParticipantID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign join ticket: %w", err)
	}
	return signed, nil
}

// ParseJoinTicket verifies the signature and expiry of tokenString.
func (s *TicketService) ParseJoinTicket(tokenString string) (*TicketClaims, error) {
	if tokenString == "" {
		return nil, domain.ErrInvalidJoinTicket
	}

	token, err := jwt.ParseWithClaims(tokenString, &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrInvalidJoinTicket
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrJoinTicketExpired
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidJoinTicket, err)
	}

	claims, ok := token.Claims.(*TicketClaims)
	if !ok || !token.Valid {
		return nil, domain.ErrInvalidJoinTicket
	}
	return claims, nil
}

// ValidateJoinTicket implements ports.JoinTicketValidator.
func (s *TicketService) ValidateJoinTicket(tokenString string, roomID domain.RoomID) error {
	claims, err := s.ParseJoinTicket(tokenString)
	if err != nil {
		return err
	}
	if claims.RoomID != roomID {
		return fmt.Errorf("%w: issued for another room", domain.ErrInvalidJoinTicket)
	}
	return nil
}
