package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/web3-uploader/cryptoutils"
)

// AddressVerifier treats identities as Ethereum addresses: a key is owned
// by an identity iff it derives that address. No network access is needed.
type AddressVerifier struct{}

// VerifyOwnership implements interfaces.OwnershipVerifier.
func (AddressVerifier) VerifyOwnership(ctx context.Context, identity, publicKey string) (bool, error) {
	if !common.IsHexAddress(identity) {
		return false, nil
	}

	raw, err := cryptoutils.ParsePublicKey(publicKey)
	if err != nil {
		return false, nil
	}

	var derived common.Address
	if len(raw) == 33 {
		pub, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return false, fmt.Errorf("could not decompress public key: %w", err)
		}
		derived = crypto.PubkeyToAddress(*pub)
	} else {
		pub, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return false, fmt.Errorf("could not unmarshal public key: %w", err)
		}
		derived = crypto.PubkeyToAddress(*pub)
	}

	return strings.EqualFold(derived.Hex(), common.HexToAddress(identity).Hex()), nil
}
