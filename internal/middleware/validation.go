package middleware

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxMessageRunes matches the WhatsApp text body limit.
	MaxMessageRunes = 4096
	maxSenderIDLen  = 128
)

// ValidateMessageContent validates an inbound patient message.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("message cannot be empty")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	if utf8.RuneCountInString(content) > MaxMessageRunes {
		return errors.New("message exceeds maximum length")
	}
	return nil
}

// ValidateSenderID validates a sender identifier (phone number or
// channel-assigned ID).
func ValidateSenderID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("sender_id cannot be empty")
	}
	if len(id) > maxSenderIDLen {
		return errors.New("sender_id exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("sender_id must be valid UTF-8")
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return errors.New("sender_id contains control characters")
		}
	}
	return nil
}
