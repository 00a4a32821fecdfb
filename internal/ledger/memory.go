package ledger

import (
	"context"
	"sync"

	"github.com/ravpay/payment-kit/internal/subrav"
)

// MemoryRepository is an in-process Repository for tests and embedded use.
type MemoryRepository struct {
	mu       sync.RWMutex
	pending  map[string]*subrav.SubRAV
	history  map[string]map[uint64]*subrav.SubRAV
	channels map[string]*subrav.Channel
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		pending:  make(map[string]*subrav.SubRAV),
		history:  make(map[string]map[uint64]*subrav.SubRAV),
		channels: make(map[string]*subrav.Channel),
	}
}

func (r *MemoryRepository) GetPending(_ context.Context, channelID string) (*subrav.SubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.pending[channelID]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, nil
}

func (r *MemoryRepository) GetProposal(_ context.Context, channelID string, nonce uint64) (*subrav.SubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.history[channelID][nonce]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, nil
}

func (r *MemoryRepository) PutPending(_ context.Context, v *subrav.SubRAV) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *v
	r.pending[v.ChannelID] = &cp
	if r.history[v.ChannelID] == nil {
		r.history[v.ChannelID] = make(map[uint64]*subrav.SubRAV)
	}
	r.history[v.ChannelID][v.Nonce] = &cp
	return nil
}

func (r *MemoryRepository) ClearThrough(_ context.Context, channelID string, through uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.pending[channelID]; ok && v.Nonce <= through {
		delete(r.pending, channelID)
	}
	for nonce := range r.history[channelID] {
		if nonce <= through {
			delete(r.history[channelID], nonce)
		}
	}
	return nil
}

func (r *MemoryRepository) GetChannel(_ context.Context, channelID string) (*subrav.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ch, ok := r.channels[channelID]; ok {
		cp := *ch
		return &cp, nil
	}
	return nil, nil
}

func (r *MemoryRepository) PutChannel(_ context.Context, ch *subrav.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ch
	r.channels[ch.ChannelID] = &cp
	return nil
}

func (r *MemoryRepository) ListPendingChannels(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := make([]string, 0, len(r.pending))
	for id := range r.pending {
		channels = append(channels, id)
	}
	return channels, nil
}
