// Package ledger answers "is this public key registered to this identity"
// against an external blockchain ledger.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ruteri/web3-uploader/cryptoutils"
)

// ErrAccountNotFound is returned by KeySource implementations for unknown identities.
var ErrAccountNotFound = errors.New("ledger account not found")

// KeySource lists the public keys registered to an identity.
type KeySource interface {
	AccountKeys(ctx context.Context, identity string) ([]string, error)
}

// AccountKey is one entry of an account's key list.
type AccountKey struct {
	ID    string `json:"id"`
	Pub   string `json:"pub"`
	Types []int  `json:"types"`
}

// Account is the subset of the ledger account document the uploader needs.
type Account struct {
	Name string       `json:"name"`
	Pub  string       `json:"pub"`
	Keys []AccountKey `json:"keys"`
}

// AccountClient fetches accounts from a ledger node REST API
// (GET {api}/account/{name}).
type AccountClient struct {
	apiURL string
	client *http.Client
	log    *slog.Logger
}

// NewAccountClient creates a client for the ledger API rooted at apiURL.
func NewAccountClient(apiURL string, timeout time.Duration, log *slog.Logger) *AccountClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &AccountClient{
		apiURL: strings.TrimSuffix(apiURL, "/"),
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Account fetches the account document for identity.
func (c *AccountClient) Account(ctx context.Context, identity string) (*Account, error) {
	reqURL := fmt.Sprintf("%s/account/%s", c.apiURL, url.PathEscape(identity))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrAccountNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ledger returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("could not parse ledger account: %w", err)
	}

	return &account, nil
}

// AccountKeys implements KeySource. The account's master key is included.
func (c *AccountClient) AccountKeys(ctx context.Context, identity string) ([]string, error) {
	account, err := c.Account(ctx, identity)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(account.Keys)+1)
	if account.Pub != "" {
		keys = append(keys, account.Pub)
	}
	for _, k := range account.Keys {
		keys = append(keys, k.Pub)
	}

	c.log.Debug("Fetched ledger account keys",
		slog.String("identity", identity),
		slog.Int("keys", len(keys)))

	return keys, nil
}

// KeyLedger implements interfaces.OwnershipVerifier on top of a KeySource,
// caching key lists for a short time.
type KeyLedger struct {
	source KeySource
	cache  *expirable.LRU[string, []string]
	log    *slog.Logger
}

// NewKeyLedger wraps source. A zero cacheTTL disables caching.
func NewKeyLedger(source KeySource, cacheSize int, cacheTTL time.Duration, log *slog.Logger) *KeyLedger {
	l := &KeyLedger{
		source: source,
		log:    log,
	}
	if cacheTTL > 0 {
		if cacheSize <= 0 {
			cacheSize = 1024
		}
		l.cache = expirable.NewLRU[string, []string](cacheSize, nil, cacheTTL)
	}
	return l
}

// VerifyOwnership returns true iff publicKey is among the keys registered to identity.
// Unknown accounts are reported as not owned, transport failures as errors.
func (l *KeyLedger) VerifyOwnership(ctx context.Context, identity, publicKey string) (bool, error) {
	keys, err := l.keys(ctx, identity)
	if errors.Is(err, ErrAccountNotFound) {
		l.log.Debug("Ledger account not found", slog.String("identity", identity))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	wanted := normalizeKey(publicKey)
	for _, k := range keys {
		if normalizeKey(k) == wanted {
			return true, nil
		}
	}
	return false, nil
}

func (l *KeyLedger) keys(ctx context.Context, identity string) ([]string, error) {
	if l.cache != nil {
		if keys, ok := l.cache.Get(identity); ok {
			return keys, nil
		}
	}

	keys, err := l.source.AccountKeys(ctx, identity)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		l.cache.Add(identity, keys)
	}
	return keys, nil
}

// normalizeKey maps equivalent hex encodings of one secp256k1 key to the
// same string. Keys in other encodings are compared verbatim.
func normalizeKey(key string) string {
	if normalized, err := cryptoutils.NormalizePublicKey(key); err == nil {
		return normalized
	}
	return strings.TrimSpace(key)
}
