// Package chain adapts the on-chain payment channel hub contract to the
// billing core's ChannelClient interface.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ravpay/payment-kit/internal/config"
	"github.com/ravpay/payment-kit/internal/subrav"
)

// ErrChannelNotOpen is returned when the hub has no channel at the given id.
// A claim against an unopened channel cannot succeed; the pending proposal
// stays in the store until the payer opens the channel.
var ErrChannelNotOpen = errors.New("channel not open on-chain")

// hubABI is the subset of the PaymentChannelHub contract the billing core
// needs: channel state reads and SubRAV claims.
const hubABI = `[
	{"type":"function","name":"getChannel","stateMutability":"view",
	 "inputs":[{"name":"channelId","type":"bytes32"}],
	 "outputs":[
		{"name":"payer","type":"address"},
		{"name":"payee","type":"address"},
		{"name":"lastClaimedNonce","type":"uint64"},
		{"name":"lastClaimedAmount","type":"uint256"}]},
	{"type":"function","name":"claim","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"channelId","type":"bytes32"},
		{"name":"nonce","type":"uint256"},
		{"name":"accumulatedAmount","type":"uint256"},
		{"name":"signature","type":"bytes"}],
	 "outputs":[]}
]`

// Client wraps go-ethereum and the channel hub binding.
type Client struct {
	eth          *ethclient.Client
	hub          *bind.BoundContract
	contractAddr common.Address
	chainID      *big.Int
	payeeKey     *ecdsa.PrivateKey
	assetID      string
}

func NewClient(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	payeeKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.PayeePrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse payee private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(hubABI))
	if err != nil {
		return nil, fmt.Errorf("parse hub abi: %w", err)
	}

	addr := common.HexToAddress(cfg.Chain.ContractAddress)
	return &Client{
		eth:          eth,
		hub:          bind.NewBoundContract(addr, parsed, eth, eth, eth),
		contractAddr: addr,
		chainID:      big.NewInt(cfg.Chain.ChainID),
		payeeKey:     payeeKey,
		assetID:      cfg.Billing.DefaultAssetID,
	}, nil
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// ContractAddress returns the channel hub contract address.
func (c *Client) ContractAddress() common.Address { return c.contractAddr }

// PayeeAddress returns the address derived from the payee signing key.
func (c *Client) PayeeAddress() common.Address {
	return crypto.PubkeyToAddress(c.payeeKey.PublicKey)
}

// transactOpts builds a *bind.TransactOpts signed by the payee key.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.payeeKey, c.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

// GetChannelInfo reads a channel's confirmed on-chain state.
func (c *Client) GetChannelInfo(ctx context.Context, channelID string) (*subrav.Channel, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := c.hub.Call(opts, &out, "getChannel", common.HexToHash(channelID)); err != nil {
		return nil, fmt.Errorf("getChannel: %w", err)
	}

	payer := out[0].(common.Address)
	payee := out[1].(common.Address)
	if payer == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotOpen, channelID)
	}

	return &subrav.Channel{
		ChannelID:         channelID,
		PayerDID:          subrav.AddressToDID(payer),
		PayeeDID:          subrav.AddressToDID(payee),
		AssetID:           c.assetID,
		LastClaimedNonce:  out[2].(uint64),
		LastClaimedAmount: out[3].(*big.Int),
	}, nil
}

// SubmitClaim submits a signed voucher and waits for the receipt.
func (c *Client) SubmitClaim(ctx context.Context, v *subrav.SubRAV) (string, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return "", fmt.Errorf("build tx opts: %w", err)
	}

	tx, err := c.hub.Transact(opts, "claim",
		common.HexToHash(v.ChannelID),
		new(big.Int).SetUint64(v.Nonce),
		v.AccumulatedAmount,
		v.Signature,
	)
	if err != nil {
		return "", fmt.Errorf("claim tx: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return "", fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == 0 {
		return "", fmt.Errorf("claim tx reverted: %s", tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

// VerifyCommit checks that sig on v recovers to the payer behind payerDID.
// The voucher's Signature field is not consulted; callers verify before
// attaching.
func (c *Client) VerifyCommit(v *subrav.SubRAV, sig []byte, payerDID string) error {
	payer, err := subrav.AddressFromDID(payerDID)
	if err != nil {
		return err
	}
	signed := *v
	signed.Signature = sig
	recovered, err := subrav.RecoverSigner(&signed, c.chainID, c.contractAddr)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if recovered != payer {
		return fmt.Errorf("signature by %s, expected payer %s", recovered.Hex(), payer.Hex())
	}
	return nil
}
