// Package subrav defines the off-chain payment voucher and its channel
// identity. A SubRAV is cumulative: each proposal supersedes the previous
// one, so only the latest voucher per channel ever needs to settle.
package subrav

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// SubRAV is a nonce-ordered, signable voucher for value owed on a channel.
// AccumulatedAmount is cumulative pico-USD and never decreases; nonces on a
// channel increase strictly by 1.
type SubRAV struct {
	ChannelID         string   `json:"channel_id"`
	Nonce             uint64   `json:"nonce"`
	AccumulatedAmount *big.Int `json:"accumulated_amount"`
	Signature         []byte   `json:"signature,omitempty"`
}

// Signed reports whether the payer has countersigned this proposal.
func (v *SubRAV) Signed() bool { return len(v.Signature) > 0 }

// ChannelKey is the identity triple a channel is derived from.
type ChannelKey struct {
	PayerDID string `json:"payer_did"`
	PayeeDID string `json:"payee_did"`
	AssetID  string `json:"asset_id"`
}

// Channel is the billing core's view of a payment channel. LastClaimed*
// mirror confirmed on-chain state; pending value lives in the proposal store.
type Channel struct {
	ChannelID         string   `json:"channel_id"`
	PayerDID          string   `json:"payer_did"`
	PayeeDID          string   `json:"payee_did"`
	AssetID           string   `json:"asset_id"`
	LastClaimedNonce  uint64   `json:"last_claimed_nonce"`
	LastClaimedAmount *big.Int `json:"last_claimed_amount"`
}

// DeriveChannelID maps (payer, payee, asset) to a channel id. The same triple
// always yields the same id, so channels need no directory service and the
// first request on a channel can be priced without an on-chain round trip.
// DIDs are case-normalized first; the asset id is not.
func DeriveChannelID(key ChannelKey) string {
	h := crypto.Keccak256Hash(
		[]byte(strings.ToLower(key.PayerDID)), []byte{0},
		[]byte(strings.ToLower(key.PayeeDID)), []byte{0},
		[]byte(key.AssetID),
	)
	return h.Hex()
}

// NewChannel returns a zero-state channel for a key: nothing claimed yet.
func NewChannel(key ChannelKey) *Channel {
	return &Channel{
		ChannelID:         DeriveChannelID(key),
		PayerDID:          key.PayerDID,
		PayeeDID:          key.PayeeDID,
		AssetID:           key.AssetID,
		LastClaimedNonce:  0,
		LastClaimedAmount: big.NewInt(0),
	}
}

// Redis key templates
const (
	PendingKeyFmt = "subrav:pending:%s" // %s = channel id; value = latest unclaimed SubRAV (JSON)
	HistoryKeyFmt = "subrav:history:%s" // %s = channel id; hash field = nonce, value = SubRAV (JSON)
	ChannelKeyFmt = "subrav:channel:%s" // %s = channel id; value = Channel snapshot (JSON)
)
