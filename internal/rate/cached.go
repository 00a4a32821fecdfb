package rate

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedProvider caches an upstream oracle's prices in Redis with a TTL, so
// one oracle round trip serves many requests and a brief oracle outage keeps
// billing alive on the last known price.
type CachedProvider struct {
	upstream Provider
	rdb      *redis.Client
	ttl      time.Duration
	log      *zap.Logger
}

func NewCachedProvider(upstream Provider, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *CachedProvider {
	return &CachedProvider{upstream: upstream, rdb: rdb, ttl: ttl, log: log}
}

func (p *CachedProvider) PricePicoUSD(ctx context.Context, assetID string) (*big.Int, error) {
	key := priceKey(assetID)
	if raw, err := p.rdb.Get(ctx, key).Result(); err == nil {
		if price, ok := new(big.Int).SetString(raw, 10); ok {
			return price, nil
		}
		p.log.Warn("corrupt cached price, refetching", zap.String("asset", assetID))
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	price, err := p.upstream.PricePicoUSD(ctx, assetID)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	pipe := p.rdb.Pipeline()
	pipe.Set(ctx, key, price.String(), p.ttl)
	pipe.Set(ctx, updatedKey(assetID), strconv.FormatInt(now, 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		// Cache write failure is not a billing failure.
		p.log.Warn("price cache write failed", zap.String("asset", assetID), zap.Error(err))
	}
	return price, nil
}

func (p *CachedProvider) LastUpdated(ctx context.Context, assetID string) (time.Time, bool) {
	raw, err := p.rdb.Get(ctx, updatedKey(assetID)).Result()
	if err != nil {
		return p.upstream.LastUpdated(ctx, assetID)
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

func priceKey(assetID string) string   { return "rate:price:" + assetID }
func updatedKey(assetID string) string { return "rate:updated:" + assetID }
