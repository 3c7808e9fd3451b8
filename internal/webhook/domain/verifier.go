package domain

import (
	"encoding/json"
	"errors"
)

var (
	ErrSecretNotConfigured = errors.New("webhook_secret_not_configured")
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrMalformedPayload    = errors.New("malformed_payload")
)

// ProviderEvent is the authenticated envelope of a provider delivery.
type ProviderEvent struct {
	ID   string
	Type string
	Data json.RawMessage
}

// Verifier authenticates a raw delivery against its signature header and
// returns the parsed envelope.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (*ProviderEvent, error)
}
