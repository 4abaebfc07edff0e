package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/web3-uploader/cryptoutils"
	"github.com/ruteri/web3-uploader/interfaces"
)

// DefaultFreshnessWindow is used when the configuration leaves the window unset.
const DefaultFreshnessWindow = time.Hour

// Config controls the authentication policy.
type Config struct {
	// FreshnessWindow is the maximum accepted age of a request timestamp.
	FreshnessWindow time.Duration

	// VerifyOwnership enables the ledger key-ownership check.
	VerifyOwnership bool

	// APIKeys, when non-empty, are additionally required on every request.
	APIKeys []string

	// Clock replaces time.Now, for replaying recorded requests.
	Clock func() time.Time
}

// Authenticated is the outcome of a successful authentication.
type Authenticated struct {
	Identity string
}

// Authenticator validates signed requests. It is read-only and safe for concurrent use.
type Authenticator struct {
	cfg      Config
	verifier interfaces.OwnershipVerifier
	log      *slog.Logger
	now      func() time.Time
}

// NewAuthenticator creates an Authenticator. verifier may be nil only when
// cfg.VerifyOwnership is false.
func NewAuthenticator(cfg Config, verifier interfaces.OwnershipVerifier, log *slog.Logger) (*Authenticator, error) {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.VerifyOwnership && verifier == nil {
		return nil, errors.New("ownership verification enabled without a ledger")
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Authenticator{
		cfg:      cfg,
		verifier: verifier,
		log:      log,
		now:      now,
	}, nil
}

// FreshnessWindow returns the configured window.
func (a *Authenticator) FreshnessWindow() time.Duration {
	return a.cfg.FreshnessWindow
}

// Authenticate runs the checks in order and returns the first rejection.
// Rejections are *Error values.
func (a *Authenticator) Authenticate(ctx context.Context, creds interfaces.Credentials) (Authenticated, error) {
	if creds.Identity == "" || creds.Timestamp == "" || creds.PublicKey == "" || len(creds.Signature) == 0 {
		return Authenticated{}, a.rejected(creds, reject(MissingCredentials, "identity=%t ts=%t pubkey=%t signature=%t",
			creds.Identity != "", creds.Timestamp != "", creds.PublicKey != "", len(creds.Signature) != 0))
	}

	if len(a.cfg.APIKeys) > 0 {
		if creds.APIKey == "" {
			return Authenticated{}, a.rejected(creds, reject(MissingCredentials, "missing api key"))
		}
		if !a.knownAPIKey(creds.APIKey) {
			return Authenticated{}, a.rejected(creds, reject(InvalidAPIKey, "unknown api key"))
		}
	}

	ts, err := strconv.ParseFloat(strings.TrimSpace(creds.Timestamp), 64)
	if err != nil || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return Authenticated{}, a.rejected(creds, reject(InvalidTimestamp, "timestamp %q is not a finite number", creds.Timestamp))
	}

	nowMs := float64(a.now().UnixMilli())
	windowMs := float64(a.cfg.FreshnessWindow.Milliseconds())
	if nowMs-ts > windowMs || ts-nowMs > windowMs {
		return Authenticated{}, a.rejected(creds, reject(StaleTimestamp, "timestamp off by %.0fms, window %s", nowMs-ts, a.cfg.FreshnessWindow))
	}

	if a.cfg.VerifyOwnership {
		owned, err := a.verifier.VerifyOwnership(ctx, creds.Identity, creds.PublicKey)
		if err != nil {
			// an unknown answer is a denial
			return Authenticated{}, a.rejected(creds, reject(KeyNotOwned, "ledger lookup failed: %v", err))
		}
		if !owned {
			return Authenticated{}, a.rejected(creds, reject(KeyNotOwned, "key not registered to identity"))
		}
	}

	pubkey, err := cryptoutils.ParsePublicKey(creds.PublicKey)
	if err != nil {
		return Authenticated{}, a.rejected(creds, reject(InvalidSignature, "unparseable public key: %v", err))
	}

	message := cryptoutils.CanonicalMessage(creds.Identity, creds.Timestamp)
	if !cryptoutils.Verify(message, creds.Signature, pubkey) {
		return Authenticated{}, a.rejected(creds, reject(InvalidSignature, "signature does not match %q", message))
	}

	a.log.Debug("Authenticated request", slog.String("identity", creds.Identity))
	return Authenticated{Identity: creds.Identity}, nil
}

func (a *Authenticator) knownAPIKey(key string) bool {
	for _, k := range a.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func (a *Authenticator) rejected(creds interfaces.Credentials, err *Error) error {
	a.log.Debug("Authentication rejected",
		slog.String("identity", creds.Identity),
		slog.String("reason", string(err.Reason)),
		slog.String("detail", err.Detail))
	return err
}
