package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/ravpay/payment-kit/internal/subrav"
)

// Ledger produces the next SubRAV per channel. All mutation of a channel's
// pending proposal goes through a per-channel mutex: read current state,
// compute next, store next is one atomic step. Different channels proceed in
// parallel. Nothing slow may run under the lock; on-chain settlement lives in
// the claim coordinator, which only reads here.
type Ledger struct {
	repo Repository
	log  *zap.Logger

	locks sync.Map // channel id → *sync.Mutex
}

func New(repo Repository, log *zap.Logger) *Ledger {
	return &Ledger{repo: repo, log: log}
}

func (l *Ledger) channelLock(channelID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(channelID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ProposeNext folds cost into the channel's next voucher: nonce advances by
// exactly 1 and AccumulatedAmount grows by cost. On the first-ever request
// for a key the channel is synthesized deterministically at nonce 0 / amount
// 0 before the increment; no on-chain open-channel round trip is needed to
// price the current request.
func (l *Ledger) ProposeNext(ctx context.Context, key subrav.ChannelKey, cost *big.Int) (*subrav.SubRAV, error) {
	if cost == nil || cost.Sign() < 0 {
		return nil, fmt.Errorf("cost must be non-negative")
	}
	channelID := subrav.DeriveChannelID(key)

	mu := l.channelLock(channelID)
	mu.Lock()
	defer mu.Unlock()

	baseNonce, baseAmount, err := l.baseState(ctx, channelID, key)
	if err != nil {
		return nil, err
	}

	next := &subrav.SubRAV{
		ChannelID:         channelID,
		Nonce:             baseNonce + 1,
		AccumulatedAmount: new(big.Int).Add(baseAmount, cost),
	}
	if err := l.repo.PutPending(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// baseState returns the nonce and amount to increment from: the pending
// proposal when one exists, otherwise the last claimed channel state,
// otherwise a fresh channel. Caller must hold the channel lock.
func (l *Ledger) baseState(ctx context.Context, channelID string, key subrav.ChannelKey) (uint64, *big.Int, error) {
	pending, err := l.repo.GetPending(ctx, channelID)
	if err != nil {
		return 0, nil, err
	}
	if pending != nil {
		return pending.Nonce, pending.AccumulatedAmount, nil
	}

	ch, err := l.repo.GetChannel(ctx, channelID)
	if err != nil {
		return 0, nil, err
	}
	if ch == nil {
		ch = subrav.NewChannel(key)
		if err := l.repo.PutChannel(ctx, ch); err != nil {
			return 0, nil, err
		}
		l.log.Info("channel synthesized",
			zap.String("channel", channelID),
			zap.String("payer", key.PayerDID),
			zap.String("asset", key.AssetID),
		)
	}
	return ch.LastClaimedNonce, ch.LastClaimedAmount, nil
}

// FindPendingProposal looks up a proposal by exact nonce, for client-side
// verification and replay. ErrNotFound when the nonce is unknown.
func (l *Ledger) FindPendingProposal(ctx context.Context, channelID string, nonce uint64) (*subrav.SubRAV, error) {
	v, err := l.repo.GetProposal(ctx, channelID, nonce)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// FindLatestPendingProposal returns the channel's latest unclaimed voucher,
// used by clients recovering after a crash or reconnect. ErrNotFound when
// nothing is pending.
func (l *Ledger) FindLatestPendingProposal(ctx context.Context, channelID string) (*subrav.SubRAV, error) {
	v, err := l.repo.GetPending(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// AttachSignature records the payer's countersignature on the pending
// proposal so the claim coordinator may settle it. ErrNonceMismatch when the
// pending proposal has moved past (or not reached) the committed nonce.
func (l *Ledger) AttachSignature(ctx context.Context, channelID string, nonce uint64, sig []byte) (*subrav.SubRAV, error) {
	mu := l.channelLock(channelID)
	mu.Lock()
	defer mu.Unlock()

	pending, err := l.repo.GetPending(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, ErrNotFound
	}
	if pending.Nonce != nonce {
		return nil, ErrNonceMismatch
	}
	pending.Signature = sig
	if err := l.repo.PutPending(ctx, pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// Channel returns the channel snapshot for a key, synthesizing zero state
// for channels that have never been touched.
func (l *Ledger) Channel(ctx context.Context, key subrav.ChannelKey) (*subrav.Channel, error) {
	ch, err := l.repo.GetChannel(ctx, subrav.DeriveChannelID(key))
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return subrav.NewChannel(key), nil
	}
	return ch, nil
}
