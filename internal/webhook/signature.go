package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	SignatureHeader = "X-Signature"
	TenantHeader    = "X-Tenant-ID"

	signaturePrefix = "sha256="
)

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrInvalidSignature = errors.New("signature does not match body")
	// ErrNoSecret means no signing secret is configured for the caller.
	// Requests are refused rather than accepted unverified.
	ErrNoSecret = errors.New("no webhook secret configured")
)

// Secrets holds the global signing secret and per-tenant overrides.
type Secrets struct {
	Global  string
	Tenants map[uuid.UUID]string
}

// For returns the secret used to verify a request for tenantID.
// A nil tenantID selects the global secret.
func (s Secrets) For(tenantID *uuid.UUID) (string, error) {
	if tenantID != nil {
		if secret := s.Tenants[*tenantID]; secret != "" {
			return secret, nil
		}
	}
	if s.Global == "" {
		return "", ErrNoSecret
	}
	return s.Global, nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against the HMAC of the exact raw body.
// The header may carry a "sha256=" prefix.
func Verify(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(header), signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
