package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// CanonicalMessage builds the string every client signs: "{identity}_{timestamp}".
func CanonicalMessage(identity, timestamp string) string {
	return identity + "_" + timestamp
}

// MessageDigest is the 32-byte hash the signature is computed over.
func MessageDigest(message string) []byte {
	h := sha256.Sum256([]byte(message))
	return h[:]
}

// Sign signs message with a secp256k1 private key.
// The result is the 65-byte [R || S || V] form.
func Sign(privateKey *ecdsa.PrivateKey, message string) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("nil private key")
	}
	return crypto.Sign(MessageDigest(message), privateKey)
}

// Verify checks signature over message against the encoded public key.
// It never returns an error: any malformed input simply fails verification.
func Verify(message string, signature []byte, publicKey []byte) bool {
	switch len(publicKey) {
	case 33, 65:
	default:
		return false
	}

	switch len(signature) {
	case 64:
	case 65:
		// the recovery id is not needed to verify against a known key
		signature = signature[:64]
	default:
		return false
	}

	return crypto.VerifySignature(publicKey, MessageDigest(message), signature)
}

// ParsePublicKey decodes a hex encoded (optionally 0x prefixed) compressed
// or uncompressed secp256k1 public key and validates it is on the curve.
func ParsePublicKey(encoded string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(encoded), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}

	switch len(raw) {
	case 33:
		if _, err := crypto.DecompressPubkey(raw); err != nil {
			return nil, fmt.Errorf("invalid compressed public key: %w", err)
		}
	case 65:
		if _, err := crypto.UnmarshalPubkey(raw); err != nil {
			return nil, fmt.Errorf("invalid public key: %w", err)
		}
	default:
		return nil, fmt.Errorf("invalid public key length %d", len(raw))
	}

	return raw, nil
}

// NormalizePublicKey returns the compressed hex form of an encoded key so
// two encodings of the same key compare equal.
func NormalizePublicKey(encoded string) (string, error) {
	raw, err := ParsePublicKey(encoded)
	if err != nil {
		return "", err
	}
	pub, err := publicKeyFromBytes(raw)
	if err != nil {
		return "", err
	}
	return EncodePublicKey(pub), nil
}

// EncodePublicKey returns the compressed hex encoding of pub.
func EncodePublicKey(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.CompressPubkey(pub))
}

// ParsePrivateKey decodes a hex encoded secp256k1 private key.
func ParsePrivateKey(encoded string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(encoded), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func publicKeyFromBytes(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) == 33 {
		return crypto.DecompressPubkey(raw)
	}
	return crypto.UnmarshalPubkey(raw)
}

// SignedPayload is the JSON blob clients transmit base64 encoded in the
// "signature" header or upload metadata field.
type SignedPayload struct {
	Username  string      `json:"username"`
	Ts        json.Number `json:"ts"`
	Pubkey    string      `json:"pubkey"`
	Data      string      `json:"data,omitempty"`
	Signature string      `json:"signature"`
}

// RawSignature decodes the hex signature carried by the payload.
func (p *SignedPayload) RawSignature() ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	return sig, nil
}

// EncodeSignedPayload serializes p as base64(JSON).
func EncodeSignedPayload(p *SignedPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSignedPayload parses base64(JSON) produced by EncodeSignedPayload.
func DecodeSignedPayload(encoded string) (*SignedPayload, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}

	var payload SignedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid signature payload: %w", err)
	}
	return &payload, nil
}

// SignRequest produces the payload a client attaches to a request made at
// timestamp ts (milliseconds since epoch).
func SignRequest(identity string, privateKey *ecdsa.PrivateKey, ts int64) (*SignedPayload, error) {
	timestamp := strconv.FormatInt(ts, 10)
	message := CanonicalMessage(identity, timestamp)

	sig, err := Sign(privateKey, message)
	if err != nil {
		return nil, fmt.Errorf("could not sign request: %w", err)
	}

	return &SignedPayload{
		Username:  identity,
		Ts:        json.Number(timestamp),
		Pubkey:    EncodePublicKey(&privateKey.PublicKey),
		Data:      message,
		Signature: hex.EncodeToString(sig),
	}, nil
}
