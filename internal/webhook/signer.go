package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// SignatureHeader carries the payload signature on outbound requests
const SignatureHeader = "X-Webhook-Signature"

// Secret length bounds enforced at webhook creation and again at signing time
const (
	MinSecretLength = 16
	MaxSecretLength = 256
)

// ErrInvalidSecret indicates a secret outside the allowed length bounds.
// A delivery that fails to sign can never succeed on retry with the same
// secret, so callers must treat this as terminal.
var ErrInvalidSecret = errors.New("webhook secret must be between 16 and 256 characters")

// Sign computes the HMAC-SHA256 signature of the payload keyed by the
// webhook secret, in the "sha256=<hex>" wire format. The same payload bytes
// and secret always produce the same signature, which is what makes retried
// deliveries verifiable: the payload is captured once and never regenerated.
func Sign(payload []byte, secret string) (string, error) {
	if len(secret) < MinSecretLength || len(secret) > MaxSecretLength {
		return "", ErrInvalidSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}
