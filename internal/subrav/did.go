package subrav

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DIDs of Ethereum-keyed parties use the did:eth method:
// did:eth:0x<checksummed address>.
const didEthPrefix = "did:eth:"

// AddressToDID formats an address as a did:eth DID.
func AddressToDID(addr common.Address) string {
	return didEthPrefix + addr.Hex()
}

// AddressFromDID extracts the address from a did:eth DID.
func AddressFromDID(did string) (common.Address, error) {
	if !strings.HasPrefix(did, didEthPrefix) {
		return common.Address{}, fmt.Errorf("unsupported DID method: %q", did)
	}
	hexAddr := strings.TrimPrefix(did, didEthPrefix)
	if !common.IsHexAddress(hexAddr) {
		return common.Address{}, fmt.Errorf("invalid address in DID: %q", did)
	}
	return common.HexToAddress(hexAddr), nil
}
