package interfaces

import (
	"context"
	"errors"
)

// Credentials is the ephemeral signed request material presented by a client.
type Credentials struct {
	// Identity is the claimed ledger account name or address.
	Identity string

	// PublicKey is the hex encoded secp256k1 public key.
	PublicKey string

	// Timestamp is the raw millisecond epoch timestamp as sent by the client.
	Timestamp string

	// Signature is the raw signature over the canonical message.
	Signature []byte

	// APIKey is only checked when the deployment configures API keys.
	APIKey string
}

// OwnershipVerifier checks that a public key is registered to an identity.
type OwnershipVerifier interface {
	// VerifyOwnership returns true iff publicKey belongs to identity.
	// An error means the answer is unknown and callers must deny.
	VerifyOwnership(ctx context.Context, identity, publicKey string) (bool, error)
}

// ErrAuthentication is the root of every authentication rejection.
var ErrAuthentication = errors.New("authentication failed")
