// Package realtime implements the process-local publish/subscribe fanout and
// its cross-process bridge over the cache store's pub/sub channel.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fablehost/fable-api/internal/observability"
)

// BridgeChannel is the shared pub/sub channel all processes bridge through.
const BridgeChannel = "subscription-fanout"

const defaultQueueSize = 64

// ErrClosed is returned by Next once the subscription has been closed.
var ErrClosed = errors.New("subscription closed")

// ErrIdle is returned by Next when the idle timeout elapses with no delivery.
var ErrIdle = errors.New("subscription idle")

// Delivery is one value received on a subscribed key.
type Delivery struct {
	Key   string
	Value string
}

type bridgeEnvelope struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Sender string `json:"sender"`
}

// Options configures a Fanout instance.
type Options struct {
	// Redis enables cross-process bridging when non-nil.
	Redis *redis.Client
	// NATS mirrors bridge traffic onto a NATS subject when non-nil.
	NATS      *nats.Conn
	Logger    zerolog.Logger
	QueueSize int
}

// Fanout delivers published values to every local subscriber of a key and
// rebroadcasts them, tagged with this process's identity, so other processes
// deliver them too. Values arriving from the bridge with our own tag are
// discarded to avoid double delivery.
type Fanout struct {
	mu   sync.Mutex
	keys map[string]*fanoutKey

	redis       *redis.Client
	nats        *nats.Conn
	natsSubject string
	nodeID      string
	queueSize   int
	logger      zerolog.Logger
}

// Each key carries its own lock, guarding only that key's subscriber set.
// Publishing holds the key lock for the duration of the fan-out loop, which
// is O(subscribers); no lock spans a suspension point.
type fanoutKey struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is a live handle bound to a fixed set of keys. The key set is
// unchangeable over its life; a new set requires a new Subscribe call.
type Subscription struct {
	fanout *Fanout
	keys   []string
	ch     chan Delivery
	done   chan struct{}
	once   sync.Once
}

// New builds a Fanout. Bridging is disabled when opts.Redis is nil; local
// delivery works either way.
func New(opts Options) *Fanout {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Fanout{
		keys:        make(map[string]*fanoutKey),
		redis:       opts.Redis,
		nats:        opts.NATS,
		natsSubject: strings.ReplaceAll(BridgeChannel, "-", "."),
		nodeID:      uuid.NewString(),
		queueSize:   queueSize,
		logger:      opts.Logger.With().Str("component", "fanout").Logger(),
	}
}

// Start launches the bridge consumers. It returns immediately; consumers run
// until ctx is cancelled.
func (f *Fanout) Start(ctx context.Context) {
	if f.redis != nil {
		go f.consumeRedis(ctx)
	}
	if f.nats != nil {
		go f.consumeNATS(ctx)
	}
}

// NodeID returns the identity tag this process stamps on bridged messages.
func (f *Fanout) NodeID() string { return f.nodeID }

// Publish delivers value to every local subscriber of key, then rebroadcasts
// it over the bridge. Publishing to a key with no subscribers is a no-op.
// Bridge failures do not affect local delivery.
func (f *Fanout) Publish(ctx context.Context, key, value string) error {
	f.deliverLocal(key, value)

	if f.redis == nil {
		return nil
	}

	payload, err := json.Marshal(bridgeEnvelope{Key: key, Value: value, Sender: f.nodeID})
	if err != nil {
		return err
	}

	if err := f.redis.Publish(ctx, BridgeChannel, payload).Err(); err != nil {
		return err
	}

	if f.nats != nil {
		if err := f.nats.Publish(f.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

// Subscribe registers a fresh queue against each named key. Close must be
// called once the stream is no longer wanted; it deregisters the queue on
// every exit path.
func (f *Fanout) Subscribe(keys ...string) *Subscription {
	sub := &Subscription{
		fanout: f,
		keys:   keys,
		ch:     make(chan Delivery, f.queueSize),
		done:   make(chan struct{}),
	}

	for _, key := range keys {
		k := f.key(key)
		k.mu.Lock()
		k.subs[sub] = struct{}{}
		k.mu.Unlock()
	}

	observability.FanoutSubscriptions().Add(float64(len(keys)))

	return sub
}

// C exposes the delivery queue for use in caller-side selects.
func (s *Subscription) C() <-chan Delivery { return s.ch }

// Next blocks for the next delivery. A non-positive idle duration disables
// the idle timeout. Returns ErrIdle when idle elapses, ErrClosed after Close,
// or the context error on cancellation.
func (s *Subscription) Next(ctx context.Context, idle time.Duration) (Delivery, error) {
	var timeout <-chan time.Time
	if idle > 0 {
		timer := time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-s.ch:
		return d, nil
	case <-timeout:
		return Delivery{}, ErrIdle
	case <-s.done:
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Close deregisters the subscription from every key; keys left with zero
// subscribers are pruned. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		for _, key := range s.keys {
			s.fanout.drop(key, s)
		}
		observability.FanoutSubscriptions().Sub(float64(len(s.keys)))
	})
}

func (f *Fanout) key(name string) *fanoutKey {
	f.mu.Lock()
	defer f.mu.Unlock()

	k, ok := f.keys[name]
	if !ok {
		k = &fanoutKey{subs: make(map[*Subscription]struct{})}
		f.keys[name] = k
	}
	return k
}

func (f *Fanout) lookup(name string) *fanoutKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[name]
}

func (f *Fanout) drop(name string, sub *Subscription) {
	k := f.lookup(name)
	if k == nil {
		return
	}

	k.mu.Lock()
	delete(k.subs, sub)
	empty := len(k.subs) == 0
	k.mu.Unlock()

	if empty {
		f.mu.Lock()
		if current, ok := f.keys[name]; ok && current == k {
			k.mu.Lock()
			if len(k.subs) == 0 {
				delete(f.keys, name)
			}
			k.mu.Unlock()
		}
		f.mu.Unlock()
	}
}

func (f *Fanout) deliverLocal(key, value string) {
	k := f.lookup(key)
	if k == nil {
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	for sub := range k.subs {
		select {
		case sub.ch <- Delivery{Key: key, Value: value}:
		default:
			observability.FanoutDropped().Inc()
			f.logger.Warn().Str("key", key).Msg("dropping delivery for slow subscriber")
		}
	}
}

func (f *Fanout) handleBridge(data []byte) {
	var envelope bridgeEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Warn().Err(err).Msg("invalid bridge message")
		return
	}

	if envelope.Sender == f.nodeID {
		return
	}

	f.deliverLocal(envelope.Key, envelope.Value)
}

func (f *Fanout) consumeRedis(ctx context.Context) {
	for {
		pubsub := f.redis.Subscribe(ctx, BridgeChannel)
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				break
			}
			f.handleBridge([]byte(msg.Payload))
		}
		_ = pubsub.Close()

		if ctx.Err() != nil {
			return
		}

		// Local delivery continues during the outage; bridged messages in
		// the window are lost, the authoritative state lives in the cache
		// store's keys, not its pub/sub stream.
		f.logger.Warn().Msg("fanout bridge connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (f *Fanout) consumeNATS(ctx context.Context) {
	sub, err := f.nats.QueueSubscribe(f.natsSubject, "fable-fanout", func(msg *nats.Msg) {
		f.handleBridge(msg.Data)
	})
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to subscribe to nats fanout subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			f.logger.Warn().Err(err).Msg("failed to drain nats fanout subscription")
		}
	}()
}
