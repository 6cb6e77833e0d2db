// Package verify authenticates inbound entitlement-affecting payloads.
// Verifiers are pure functions of bytes: they never mutate state and are
// safe to call redundantly. Rejections carry a typed reason that callers
// surface as a log field or metric, not a user-facing error.
package verify

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"

	"github.com/open-rails/entitlementkit/core"
)

// Verifier turns a raw payload plus its proof into a verified event.
// The signature argument is the transport-level proof where one exists
// (webhook signature header); the native rail's JWS is self-proving and
// ignores it.
type Verifier interface {
	Verify(raw []byte, signature string) (core.Event, error)
}

// PayloadDigest returns a compact base58 SHA-256 of the raw payload,
// carried on events for log and audit correlation.
func PayloadDigest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base58.Encode(sum[:])
}
