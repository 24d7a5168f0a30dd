package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uhyunpark/clearcore/pkg/app/core"
	"github.com/uhyunpark/clearcore/pkg/app/core/events"
)

// RedisSink publishes every event on a pub/sub channel and keeps a capped list of the
// latest trades per symbol for cheap reads by other services.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	prefix  string
	ttl     time.Duration
	maxLen  int64
}

func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{
		client:  client,
		channel: channel,
		prefix:  "clearcore:trades:",
		ttl:     24 * time.Hour,
		maxLen:  1000,
	}
}

func (r *RedisSink) Name() string { return "redis:" + r.channel }

func (r *RedisSink) Send(ctx context.Context, batch []events.Event) error {
	pipe := r.client.TxPipeline()
	touched := make(map[string]struct{})
	for _, e := range batch {
		data, err := encode(e)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Kind, err)
		}
		pipe.Publish(ctx, r.channel, data)
		if !isTrade(e.Kind) {
			continue
		}
		trade, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode trade: %w", err)
		}
		key := r.prefix + e.Symbol
		pipe.LPush(ctx, key, trade)
		touched[key] = struct{}{}
	}
	for key := range touched {
		pipe.LTrim(ctx, key, 0, r.maxLen-1)
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RecentTrades reads the cached trades of symbol, newest first.
func (r *RedisSink) RecentTrades(ctx context.Context, symbol string, limit int) ([]core.Trade, error) {
	if limit <= 0 {
		limit = int(r.maxLen)
	}
	values, err := r.client.LRange(ctx, r.prefix+symbol, 0, int64(limit-1)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list trades from redis: %w", err)
	}
	trades := make([]core.Trade, 0, len(values))
	for _, val := range values {
		var t core.Trade
		if err := json.Unmarshal([]byte(val), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (r *RedisSink) Close() error { return r.client.Close() }
