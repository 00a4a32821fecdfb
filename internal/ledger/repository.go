// Package ledger tracks the latest unclaimed SubRAV per payment channel.
package ledger

import (
	"context"
	"errors"

	"github.com/ravpay/payment-kit/internal/subrav"
)

// ErrNotFound is returned when a channel or proposal does not exist. It is a
// caller-facing condition, not a failure.
var ErrNotFound = errors.New("not found")

// ErrNonceMismatch is returned when a signature commit names a nonce other
// than the current pending proposal's.
var ErrNonceMismatch = errors.New("nonce does not match pending proposal")

// Repository persists pending proposals and channel snapshots. Backends are
// pluggable (Redis in production, in-memory in tests); all methods return
// (nil, nil)-style absence rather than ErrNotFound so callers distinguish
// "no data" from storage failure.
type Repository interface {
	// GetPending returns the latest unclaimed proposal, or nil.
	GetPending(ctx context.Context, channelID string) (*subrav.SubRAV, error)
	// GetProposal returns the proposal at an exact nonce, or nil. Used for
	// client-side verification and replay.
	GetProposal(ctx context.Context, channelID string, nonce uint64) (*subrav.SubRAV, error)
	// PutPending stores v as the latest pending proposal and records it in
	// the per-channel history.
	PutPending(ctx context.Context, v *subrav.SubRAV) error
	// ClearThrough removes the pending proposal and history entries with
	// nonce <= through. Called only after a confirmed on-chain claim.
	ClearThrough(ctx context.Context, channelID string, through uint64) error

	// GetChannel returns the stored channel snapshot, or nil.
	GetChannel(ctx context.Context, channelID string) (*subrav.Channel, error)
	// PutChannel stores a channel snapshot.
	PutChannel(ctx context.Context, ch *subrav.Channel) error

	// ListPendingChannels returns the ids of channels that currently have a
	// pending proposal.
	ListPendingChannels(ctx context.Context) ([]string, error)
}
