// Package rate supplies asset → USD conversion for the billing core.
package rate

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// ErrUnknownAsset is returned for assets the provider has no price for.
var ErrUnknownAsset = errors.New("unknown asset")

// Provider converts an asset id to a pico-USD price.
type Provider interface {
	// PricePicoUSD returns the current price of one whole unit of the asset.
	PricePicoUSD(ctx context.Context, assetID string) (*big.Int, error)
	// LastUpdated reports when the price was last refreshed; ok is false
	// when the provider has no freshness information for the asset.
	LastUpdated(ctx context.Context, assetID string) (t time.Time, ok bool)
}

// StaticProvider serves fixed prices from configuration. Used for pegged
// assets and in tests.
type StaticProvider struct {
	prices  map[string]*big.Int
	fixedAt time.Time
}

func NewStaticProvider(prices map[string]*big.Int) *StaticProvider {
	cp := make(map[string]*big.Int, len(prices))
	for k, v := range prices {
		cp[k] = new(big.Int).Set(v)
	}
	return &StaticProvider{prices: cp, fixedAt: time.Now()}
}

func (p *StaticProvider) PricePicoUSD(_ context.Context, assetID string) (*big.Int, error) {
	price, ok := p.prices[assetID]
	if !ok {
		return nil, ErrUnknownAsset
	}
	return new(big.Int).Set(price), nil
}

func (p *StaticProvider) LastUpdated(_ context.Context, assetID string) (time.Time, bool) {
	if _, ok := p.prices[assetID]; !ok {
		return time.Time{}, false
	}
	return p.fixedAt, true
}
