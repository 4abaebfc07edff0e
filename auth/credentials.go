package auth

import (
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/ruteri/web3-uploader/cryptoutils"
	"github.com/ruteri/web3-uploader/interfaces"
)

// Field names shared by request headers and tus upload metadata.
const (
	FieldIdentity  = "username"
	FieldPublicKey = "pubkey"
	FieldTimestamp = "ts"
	FieldSignature = "signature"
	FieldAPIKey    = "apikey"
)

// CredentialsFromHeaders extracts credentials from request headers.
func CredentialsFromHeaders(h http.Header) interfaces.Credentials {
	return credentialsFromFields(h.Get)
}

// CredentialsFromMetadata extracts credentials from decoded tus upload metadata.
func CredentialsFromMetadata(md map[string]string) interfaces.Credentials {
	return credentialsFromFields(func(k string) string { return md[k] })
}

// MergeCredentials fills the fields missing in primary from fallback.
func MergeCredentials(primary, fallback interfaces.Credentials) interfaces.Credentials {
	if primary.Identity == "" {
		primary.Identity = fallback.Identity
	}
	if primary.PublicKey == "" {
		primary.PublicKey = fallback.PublicKey
	}
	if primary.Timestamp == "" {
		primary.Timestamp = fallback.Timestamp
	}
	if len(primary.Signature) == 0 {
		primary.Signature = fallback.Signature
	}
	if primary.APIKey == "" {
		primary.APIKey = fallback.APIKey
	}
	return primary
}

func credentialsFromFields(get func(string) string) interfaces.Credentials {
	creds := interfaces.Credentials{
		Identity:  strings.TrimSpace(get(FieldIdentity)),
		PublicKey: strings.TrimSpace(get(FieldPublicKey)),
		Timestamp: strings.TrimSpace(get(FieldTimestamp)),
		APIKey:    strings.TrimSpace(get(FieldAPIKey)),
	}

	rawSignature := strings.TrimSpace(get(FieldSignature))
	if rawSignature == "" {
		return creds
	}

	payload, err := cryptoutils.DecodeSignedPayload(rawSignature)
	if err == nil {
		if creds.Identity == "" {
			creds.Identity = payload.Username
		}
		if creds.PublicKey == "" {
			creds.PublicKey = payload.Pubkey
		}
		if creds.Timestamp == "" {
			creds.Timestamp = payload.Ts.String()
		}
		if sig, err := payload.RawSignature(); err == nil && len(sig) > 0 {
			creds.Signature = sig
			return creds
		}
	}

	if sig, err := hex.DecodeString(strings.TrimPrefix(rawSignature, "0x")); err == nil {
		creds.Signature = sig
		return creds
	}

	// Present but undecodable: keep the bytes so verification rejects it as
	// an invalid signature rather than a missing one.
	creds.Signature = []byte(rawSignature)
	return creds
}

// ParseUploadMetadata decodes a tus Upload-Metadata header: comma separated
// pairs of a key and an optional base64 value. Malformed pairs are skipped.
func ParseUploadMetadata(header string) map[string]string {
	md := make(map[string]string)
	for _, pair := range strings.Split(header, ",") {
		parts := strings.Fields(pair)
		switch len(parts) {
		case 1:
			md[parts[0]] = ""
		case 2:
			value, err := base64.StdEncoding.DecodeString(parts[1])
			if err != nil {
				continue
			}
			md[parts[0]] = string(value)
		}
	}
	return md
}

// AppendUploadMetadata adds one key to a tus Upload-Metadata header.
func AppendUploadMetadata(header, key, value string) string {
	pair := key + " " + base64.StdEncoding.EncodeToString([]byte(value))
	if strings.TrimSpace(header) == "" {
		return pair
	}
	return header + "," + pair
}
