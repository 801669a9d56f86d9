package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxParticipantIDLength bounds customer and business identifiers.
const MaxParticipantIDLength = 128

// DefaultMaxMessageBytes is used when no explicit content limit is configured.
const DefaultMaxMessageBytes = 8192

// ValidateParticipants checks the customer and business ids of a new session.
func ValidateParticipants(customerID, businessID string) error {
	if err := validateID("customerId", customerID); err != nil {
		return err
	}
	if err := validateID("businessId", businessID); err != nil {
		return err
	}
	if customerID == businessID {
		return Invalid(ErrInvalidParticipants, "customerId and businessId must differ")
	}
	return nil
}

func validateID(field, id string) error {
	if id == "" {
		return Invalid(ErrInvalidParticipants, field+" is required")
	}
	if len(id) > MaxParticipantIDLength {
		return Invalid(ErrInvalidParticipants, field+" is too long")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return Invalid(ErrInvalidParticipants, field+" is malformed")
		}
	}
	return nil
}

// ValidateContent checks a message body. maxBytes <= 0 selects DefaultMaxMessageBytes.
func ValidateContent(content string, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	if strings.TrimSpace(content) == "" {
		return Invalid(ErrInvalidMessage, "content is empty")
	}
	if len(content) > maxBytes {
		return Invalid(ErrInvalidMessage, "content exceeds maximum size")
	}
	if !utf8.ValidString(content) {
		return Invalid(ErrInvalidMessage, "content is not valid UTF-8")
	}
	return nil
}
