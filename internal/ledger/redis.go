package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ravpay/payment-kit/internal/subrav"
)

// RedisRepository is the production Repository. Proposals and channel
// snapshots are stored as JSON; the history hash is keyed by decimal nonce.
type RedisRepository struct {
	rdb *redis.Client
}

func NewRedisRepository(rdb *redis.Client) *RedisRepository {
	return &RedisRepository{rdb: rdb}
}

func pendingKey(channelID string) string { return fmt.Sprintf(subrav.PendingKeyFmt, channelID) }
func historyKey(channelID string) string { return fmt.Sprintf(subrav.HistoryKeyFmt, channelID) }
func channelKey(channelID string) string { return fmt.Sprintf(subrav.ChannelKeyFmt, channelID) }

func (r *RedisRepository) GetPending(ctx context.Context, channelID string) (*subrav.SubRAV, error) {
	raw, err := r.rdb.Get(ctx, pendingKey(channelID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending %s: %w", channelID, err)
	}
	return unmarshalSubRAV(raw)
}

func (r *RedisRepository) GetProposal(ctx context.Context, channelID string, nonce uint64) (*subrav.SubRAV, error) {
	raw, err := r.rdb.HGet(ctx, historyKey(channelID), strconv.FormatUint(nonce, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal %s/%d: %w", channelID, nonce, err)
	}
	return unmarshalSubRAV(raw)
}

func (r *RedisRepository) PutPending(ctx context.Context, v *subrav.SubRAV) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, pendingKey(v.ChannelID), string(raw), 0)
	pipe.HSet(ctx, historyKey(v.ChannelID), strconv.FormatUint(v.Nonce, 10), string(raw))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put pending %s/%d: %w", v.ChannelID, v.Nonce, err)
	}
	return nil
}

func (r *RedisRepository) ClearThrough(ctx context.Context, channelID string, through uint64) error {
	pending, err := r.GetPending(ctx, channelID)
	if err != nil {
		return err
	}
	if pending != nil && pending.Nonce <= through {
		if err := r.rdb.Del(ctx, pendingKey(channelID)).Err(); err != nil {
			return fmt.Errorf("clear pending %s: %w", channelID, err)
		}
	}

	fields, err := r.rdb.HKeys(ctx, historyKey(channelID)).Result()
	if err != nil {
		return fmt.Errorf("history keys %s: %w", channelID, err)
	}
	var stale []string
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		if n <= through {
			stale = append(stale, f)
		}
	}
	if len(stale) > 0 {
		if err := r.rdb.HDel(ctx, historyKey(channelID), stale...).Err(); err != nil {
			return fmt.Errorf("clear history %s: %w", channelID, err)
		}
	}
	return nil
}

func (r *RedisRepository) GetChannel(ctx context.Context, channelID string) (*subrav.Channel, error) {
	raw, err := r.rdb.Get(ctx, channelKey(channelID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", channelID, err)
	}
	var ch subrav.Channel
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return nil, fmt.Errorf("unmarshal channel %s: %w", channelID, err)
	}
	return &ch, nil
}

func (r *RedisRepository) PutChannel(ctx context.Context, ch *subrav.Channel) error {
	raw, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal channel: %w", err)
	}
	if err := r.rdb.Set(ctx, channelKey(ch.ChannelID), string(raw), 0).Err(); err != nil {
		return fmt.Errorf("put channel %s: %w", ch.ChannelID, err)
	}
	return nil
}

func (r *RedisRepository) ListPendingChannels(ctx context.Context) ([]string, error) {
	prefix := fmt.Sprintf(subrav.PendingKeyFmt, "")
	var channels []string
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		for _, key := range keys {
			channels = append(channels, key[len(prefix):])
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return channels, nil
}

func unmarshalSubRAV(raw string) (*subrav.SubRAV, error) {
	var v subrav.SubRAV
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("unmarshal proposal: %w", err)
	}
	return &v, nil
}
