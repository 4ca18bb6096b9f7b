package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxRoomIDLength        = 128
	MaxParticipantIDLength = 64
	MaxDisplayNameLength   = 64
	MaxChatMessageLength   = 4000
	MaxMeetingTitleLength  = 200
)

// ValidateRoomID validates a room (meeting) id. Room ids are opaque to the
// relay but must be printable and bounded since they key registry maps and
// appear in URLs.
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if err := ValidateStringLength(roomID, 1, MaxRoomIDLength, "room ID"); err != nil {
		return err
	}
	if !utf8.ValidString(roomID) {
		return fmt.Errorf("room ID contains invalid characters")
	}
	for _, r := range roomID {
		if unicode.IsControl(r) || unicode.IsSpace(r) || r == '/' {
			return fmt.Errorf("room ID contains invalid characters")
		}
	}
	return nil
}

// ValidateParticipantID validates a participant id supplied over REST.
func ValidateParticipantID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("participant ID is required")
	}
	return ValidateStringLength(id, 1, MaxParticipantIDLength, "participant ID")
}

// ValidateDisplayName accepts an empty name (the relay assigns a default).
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return ValidateStringLength(name, 0, MaxDisplayNameLength, "display name")
}

func ValidateChatMessage(msg string) error {
	if err := ValidateNonEmptyString(msg, "message"); err != nil {
		return err
	}
	if !utf8.ValidString(msg) {
		return fmt.Errorf("message contains invalid characters")
	}
	return ValidateStringLength(msg, 1, MaxChatMessageLength, "message")
}

func ValidateMeetingTitle(title string) error {
	return ValidateStringLength(title, 0, MaxMeetingTitleLength, "title")
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL checks a STUN/TURN URL from configuration.
func ValidateICEServerURL(s string) error {
	switch {
	case strings.HasPrefix(s, "stun:"), strings.HasPrefix(s, "stuns:"),
		strings.HasPrefix(s, "turn:"), strings.HasPrefix(s, "turns:"):
		if strings.TrimSpace(s[strings.Index(s, ":")+1:]) == "" {
			return fmt.Errorf("ICE server URL %q has no host", s)
		}
		return nil
	default:
		return fmt.Errorf("invalid ICE server URL %q (must start with stun:, stuns:, turn: or turns:)", s)
	}
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates length in runes.
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
