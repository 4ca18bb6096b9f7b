package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewParticipantID returns a fresh random participant id. Ids are never
// reused, including across reconnects.
func NewParticipantID() string {
	return uuid.NewString()
}

// NewMeetingID returns a fresh meeting id.
func NewMeetingID() string {
	return uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), hex.EncodeToString(b))
}

// GenerateTraceID generates a 128-bit hex trace id
func GenerateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
