// Package broker ships bus events to external message brokers.
//
// Delivery matches the bus: at-most-once. A batch the broker rejects is logged and
// dropped; trades remain authoritative in the trade store.
package broker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/clearcore/pkg/app/core/events"
)

// Sink delivers batches of events to one external system.
type Sink interface {
	Name() string
	Send(ctx context.Context, batch []events.Event) error
	Close() error
}

type ForwardConfig struct {
	BatchSize int
	Linger    time.Duration // longest an event waits for its batch to fill
}

func DefaultForwardConfig() ForwardConfig {
	return ForwardConfig{BatchSize: 100, Linger: 50 * time.Millisecond}
}

// Forward reads sub until it closes or ctx ends and sends events to sink in batches.
// Whatever is buffered when ctx ends is sent before returning.
func Forward(ctx context.Context, sub *events.Subscription, sink Sink, cfg ForwardConfig, log *zap.SugaredLogger) error {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Linger <= 0 {
		cfg.Linger = DefaultForwardConfig().Linger
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	batch := make([]events.Event, 0, cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := sink.Send(ctx, batch); err != nil {
			log.Warnw("broker_send_failed", "sink", sink.Name(), "events", len(batch), "err", err)
		} else {
			log.Debugw("broker_sent", "sink", sink.Name(), "events", len(batch))
		}
		batch = batch[:0]
	}

	timer := time.NewTimer(cfg.Linger)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return nil
		case e, ok := <-sub.C():
			if !ok {
				flush(ctx)
				return nil
			}
			if len(batch) == 0 {
				timer.Reset(cfg.Linger)
			}
			batch = append(batch, e)
			if len(batch) >= cfg.BatchSize {
				timer.Stop()
				flush(ctx)
			}
		case <-timer.C:
			flush(ctx)
		}
	}
}

func encode(e events.Event) ([]byte, error) { return json.Marshal(e) }

func isTrade(k events.Kind) bool { return strings.HasPrefix(string(k), "trade.") }
