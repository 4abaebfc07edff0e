package ledger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/web3-uploader/interfaces"
)

// Options selects and configures an ownership verifier.
type Options struct {
	// Kind is "account" (REST account API) or "address" (Ethereum address identities).
	Kind      string
	APIURL    string
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
}

// New builds the OwnershipVerifier described by opts.
func New(opts Options, log *slog.Logger) (interfaces.OwnershipVerifier, error) {
	switch opts.Kind {
	case "", "account":
		if opts.APIURL == "" {
			return nil, fmt.Errorf("ledger api url is required for account ledger")
		}
		client := NewAccountClient(opts.APIURL, opts.Timeout, log)
		return NewKeyLedger(client, opts.CacheSize, opts.CacheTTL, log), nil
	case "address":
		return AddressVerifier{}, nil
	default:
		return nil, fmt.Errorf("unsupported ledger kind: %s", opts.Kind)
	}
}
