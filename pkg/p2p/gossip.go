// Package p2p gossips venue events to peer nodes over libp2p pubsub.
package p2p

import (
	"context"
	"errors"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearcore/pkg/app/core/events"
)

const DefaultTopic = "clearcore/events/1"

type GossipConfig struct {
	ListenAddr string
	Bootstrap  []string
	Topic      string
	Logger     *zap.SugaredLogger
}

// Gossip publishes local bus events on a GossipSub topic and hands events from other
// nodes to a handler.
type Gossip struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger

	muH     sync.RWMutex
	handler func(EventWire)
}

func NewGossip(ctx context.Context, cfg GossipConfig) (*Gossip, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, err
	}

	g := &Gossip{h: h, ps: ps, topic: topic, sub: sub, log: cfg.Logger}
	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	go g.handleInbound(ctx)

	cfg.Logger.Infow("gossip_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *Gossip) Host() host.Host { return g.h }

// Connect dials a peer directly.
func (g *Gossip) Connect(ctx context.Context, info peer.AddrInfo) error {
	return g.h.Connect(ctx, info)
}

// OnEvent sets the handler for events gossiped by other nodes.
func (g *Gossip) OnEvent(fn func(EventWire)) {
	g.muH.Lock()
	g.handler = fn
	g.muH.Unlock()
}

// Publish gossips one event.
func (g *Gossip) Publish(ctx context.Context, e events.Event) error {
	w, err := toWire(g.h.ID().String(), e)
	if err != nil {
		return err
	}
	data, err := gobEncode(w)
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

// Forward publishes every event of sub until it closes or ctx ends.
func (g *Gossip) Forward(ctx context.Context, sub *events.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := g.Publish(ctx, e); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				g.log.Warnw("gossip_publish_failed", "kind", e.Kind, "symbol", e.Symbol, "err", err)
			}
		}
	}
}

func (g *Gossip) handleInbound(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		var w EventWire
		if err := gobDecode(msg.Data, &w); err != nil {
			g.log.Debugw("gossip_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}

		g.muH.RLock()
		h := g.handler
		g.muH.RUnlock()
		if h != nil {
			h(w)
		}
	}
}

func (g *Gossip) Close() error {
	g.sub.Cancel()
	if err := g.topic.Close(); err != nil {
		g.log.Debugw("gossip_topic_close_failed", "err", err)
	}
	return g.h.Close()
}
