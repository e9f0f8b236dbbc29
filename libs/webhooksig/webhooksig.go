// Package webhooksig authenticates inbound provider callbacks. Every
// provider signs the raw request body with a shared secret; verification
// must read the body before any JSON decoding touches it.
package webhooksig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const HeaderSignature = "X-Webhook-Signature"

var (
	ErrMissingSignature  = errors.New("missing webhook signature")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrSecretNotSet      = errors.New("webhook secret not configured")
	ErrMalformedSigValue = errors.New("malformed webhook signature value")
)

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against the raw body. The header value
// may be bare hex or carry a "sha256=" scheme prefix; hex case does not
// matter. Comparison is constant time.
func Verify(secret string, body []byte, header string) error {
	if secret == "" {
		return ErrSecretNotSet
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	if rest, ok := strings.CutPrefix(header, "sha256="); ok {
		header = rest
	}

	presented, err := hex.DecodeString(strings.ToLower(header))
	if err != nil || len(presented) != sha256.Size {
		return ErrMalformedSigValue
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), presented) {
		return ErrInvalidSignature
	}
	return nil
}
