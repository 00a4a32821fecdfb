package subrav

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var subravTypeHash = crypto.Keccak256Hash([]byte(
	"SubRAV(bytes32 channelId,uint256 nonce,uint256 accumulatedAmount)",
))

// domainSeparator computes the EIP-712 domain separator for the channel hub.
func domainSeparator(chainID *big.Int, contractAddr common.Address) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte("Payment Channel Hub"))
	versionHash := crypto.Keccak256Hash([]byte("1"))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address), each element
	// in a 32-byte slot; the address is right-aligned in its slot.
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], contractAddr.Bytes())

	return crypto.Keccak256Hash(encoded)
}

// Digest returns the EIP-712 signing digest for a voucher.
func Digest(v *SubRAV, chainID *big.Int, contractAddr common.Address) [32]byte {
	channelHash := common.HexToHash(v.ChannelID)

	// structHash = keccak256(typeHash || abi.encode(fields))
	encoded := make([]byte, 4*32)
	copy(encoded[0:32], subravTypeHash[:])
	copy(encoded[32:64], channelHash[:])
	new(big.Int).SetUint64(v.Nonce).FillBytes(encoded[64:96])
	v.AccumulatedAmount.FillBytes(encoded[96:128])

	structHash := crypto.Keccak256Hash(encoded)
	sep := domainSeparator(chainID, contractAddr)

	// Final digest: keccak256(0x1901 || domainSeparator || structHash)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Sign signs the voucher in-place with an ECDSA key.
func Sign(v *SubRAV, privKey *ecdsa.PrivateKey, chainID *big.Int, contractAddr common.Address) error {
	digest := Digest(v, chainID, contractAddr)
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return err
	}
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	v.Signature = sig
	return nil
}

// RecoverSigner recovers the address that signed the voucher.
func RecoverSigner(v *SubRAV, chainID *big.Int, contractAddr common.Address) (common.Address, error) {
	if len(v.Signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(v.Signature))
	}
	digest := Digest(v, chainID, contractAddr)
	sig := make([]byte, 65)
	copy(sig, v.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
