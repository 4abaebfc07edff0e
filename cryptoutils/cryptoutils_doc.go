// Package cryptoutils signs and verifies the uploader request messages.
//
// Clients sign the canonical message "{identity}_{timestamp}" with a
// secp256k1 key. The digest is SHA-256 of the message, the signature is the
// 65 byte recoverable form produced by go-ethereum. Verification accepts
// compressed or uncompressed hex public keys.
//
// A SignedPayload bundles identity, timestamp, public key and signature into
// a JSON blob transmitted base64 encoded in a single header or tus metadata
// field.
package cryptoutils
