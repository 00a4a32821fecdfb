// Package claim settles accumulated SubRAVs on-chain.
package claim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ravpay/payment-kit/internal/ledger"
	"github.com/ravpay/payment-kit/internal/subrav"
)

// ChannelClient is the external on-chain collaborator. Implementations wrap
// the payment-channel hub contract; the coordinator never sees RPC details.
type ChannelClient interface {
	// GetChannelInfo returns the confirmed on-chain channel state.
	GetChannelInfo(ctx context.Context, channelID string) (*subrav.Channel, error)
	// SubmitClaim submits a signed voucher for settlement and waits for
	// confirmation, returning the transaction hash.
	SubmitClaim(ctx context.Context, v *subrav.SubRAV) (string, error)
}

// ErrUnsigned marks a pending proposal the payer has not countersigned yet.
// The proposal stays pending; the next trigger retries.
var ErrUnsigned = errors.New("pending proposal not signed")

// Result is the outcome of one claim attempt.
type Result struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash,omitempty"`
	Err     error  `json:"-"`
}

// Coordinator drives settlement: on a timer, on an accumulated-amount
// threshold, or on explicit admin trigger. Claims for one channel are
// serialized by a per-channel mutex so a concurrent timer tick and manual
// trigger cannot double-submit; the on-chain call runs outside any lock on
// the pending-proposal store.
type Coordinator struct {
	repo      ledger.Repository
	client    ChannelClient
	threshold *big.Int
	interval  time.Duration
	maxPerRun int
	log       *zap.Logger

	locks sync.Map // channel id → *sync.Mutex
}

func NewCoordinator(
	repo ledger.Repository,
	client ChannelClient,
	threshold *big.Int,
	interval time.Duration,
	maxPerRun int,
	log *zap.Logger,
) *Coordinator {
	return &Coordinator{
		repo:      repo,
		client:    client,
		threshold: threshold,
		interval:  interval,
		maxPerRun: maxPerRun,
		log:       log,
	}
}

func (c *Coordinator) claimLock(channelID string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(channelID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// TriggerClaim settles the channel's latest pending proposal. A channel with
// nothing to settle (no pending, or pending already claimed on-chain) is a
// no-op success, not an error. On submission failure the pending proposal is
// left untouched so the next trigger resubmits the same voucher; only a
// confirmed success advances the channel snapshot and clears the store.
func (c *Coordinator) TriggerClaim(ctx context.Context, channelID string) Result {
	mu := c.claimLock(channelID)
	mu.Lock()
	defer mu.Unlock()

	pending, err := c.repo.GetPending(ctx, channelID)
	if err != nil {
		return Result{Err: fmt.Errorf("read pending: %w", err)}
	}
	if pending == nil {
		return Result{Success: true}
	}

	info, err := c.client.GetChannelInfo(ctx, channelID)
	if err != nil {
		return Result{Err: fmt.Errorf("channel info: %w", err)}
	}

	if pending.Nonce <= info.LastClaimedNonce {
		// Already settled (concurrent trigger, or a restart replaying old
		// state). Refresh the snapshot before dropping the stale proposal: a
		// ProposeNext arriving in between must base on the chain's claimed
		// state, not the pre-claim snapshot.
		if err := c.repo.PutChannel(ctx, info); err != nil {
			return Result{Err: fmt.Errorf("store channel: %w", err)}
		}
		if err := c.repo.ClearThrough(ctx, channelID, info.LastClaimedNonce); err != nil {
			return Result{Err: fmt.Errorf("clear stale: %w", err)}
		}
		c.log.Info("claim no-op, nonce already settled",
			zap.String("channel", channelID),
			zap.Uint64("pending_nonce", pending.Nonce),
			zap.Uint64("last_claimed", info.LastClaimedNonce),
		)
		return Result{Success: true}
	}

	if !pending.Signed() {
		return Result{Err: fmt.Errorf("%w: channel %s nonce %d", ErrUnsigned, channelID, pending.Nonce)}
	}

	txHash, err := c.client.SubmitClaim(ctx, pending)
	if err != nil {
		c.log.Error("claim submission failed, proposal preserved",
			zap.String("channel", channelID),
			zap.Uint64("nonce", pending.Nonce),
			zap.Error(err),
		)
		return Result{Err: fmt.Errorf("submit claim: %w", err)}
	}

	info.LastClaimedNonce = pending.Nonce
	info.LastClaimedAmount = new(big.Int).Set(pending.AccumulatedAmount)
	if err := c.repo.PutChannel(ctx, info); err != nil {
		return Result{Err: fmt.Errorf("store channel: %w", err)}
	}
	if err := c.repo.ClearThrough(ctx, channelID, pending.Nonce); err != nil {
		return Result{Err: fmt.Errorf("clear claimed: %w", err)}
	}

	c.log.Info("claim settled",
		zap.String("channel", channelID),
		zap.Uint64("nonce", pending.Nonce),
		zap.String("amount", pending.AccumulatedAmount.String()),
		zap.String("tx", txHash),
	)
	return Result{Success: true, TxHash: txHash}
}

// OverThreshold reports whether the channel's unclaimed value has reached
// the claim threshold. Used to trigger early claims after a proposal.
func (c *Coordinator) OverThreshold(ctx context.Context, channelID string) bool {
	pending, err := c.repo.GetPending(ctx, channelID)
	if err != nil {
		c.log.Warn("threshold check: read pending failed",
			zap.String("channel", channelID), zap.Error(err))
		return false
	}
	if pending == nil {
		return false
	}
	claimed := big.NewInt(0)
	ch, err := c.repo.GetChannel(ctx, channelID)
	if err != nil {
		c.log.Warn("threshold check: read channel failed",
			zap.String("channel", channelID), zap.Error(err))
	} else if ch != nil && ch.LastClaimedAmount != nil {
		claimed = ch.LastClaimedAmount
	}
	unclaimed := new(big.Int).Sub(pending.AccumulatedAmount, claimed)
	return unclaimed.Cmp(c.threshold) >= 0
}

// Run is the background claim loop: every interval, settle every channel
// with a pending proposal, capped at maxPerRun per tick.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info("claim coordinator started", zap.Duration("interval", c.interval))

	for {
		select {
		case <-ctx.Done():
			c.log.Info("claim coordinator stopped")
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *Coordinator) runOnce(ctx context.Context) {
	channels, err := c.repo.ListPendingChannels(ctx)
	if err != nil {
		c.log.Error("claim loop: list pending channels", zap.Error(err))
		return
	}
	if len(channels) > c.maxPerRun {
		channels = channels[:c.maxPerRun]
	}
	for _, id := range channels {
		if ctx.Err() != nil {
			return
		}
		res := c.TriggerClaim(ctx, id)
		if res.Err != nil && !errors.Is(res.Err, ErrUnsigned) {
			c.log.Warn("claim loop: trigger failed", zap.String("channel", id), zap.Error(res.Err))
		}
	}
}
