// Package bus is the explicit message-passing boundary between runtime
// instances. Instances never share memory; countdown ticks and other
// cluster-wide notifications travel over a Bus.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/certlab/exam-runtime/internal/config"
	nats "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Handler receives message payloads. Handlers must not block for long; the
// local bus invokes them on the publisher's goroutine.
type Handler func(data []byte)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes and subscribes to subjects.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	Close() error
}

// Open builds the bus selected by config.Cfg.Bus. The Redis client is reused
// for the redis backend.
func Open(rdb redis.UniversalClient) (Bus, error) {
	switch config.Cfg.Bus {
	case "nats":
		return DialNATS(config.Cfg.NATSURL)
	case "redis":
		return NewRedisBus(rdb), nil
	case "local":
		return NewLocalBus(), nil
	default:
		return nil, fmt.Errorf("unknown bus %q", config.Cfg.Bus)
	}
}

// LocalBus delivers messages within one process. Used when a single
// instance runs without a broker, and in tests.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string][]*localSub
	closed      bool
}

type localSub struct {
	bus     *LocalBus
	subject string
	handler Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subscribers: map[string][]*localSub{}}
}

func (b *LocalBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed")
	}
	// Copy so handlers can unsubscribe while we iterate.
	subs := append([]*localSub(nil), b.subscribers[subject]...)
	b.mu.RUnlock()

	for _, s := range subs {
		payload := make([]byte, len(data))
		copy(payload, data)
		s.handler(payload)
	}
	return nil
}

func (b *LocalBus) Subscribe(subject string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}
	s := &localSub{bus: b, subject: subject, handler: h}
	b.subscribers[subject] = append(b.subscribers[subject], s)
	return s, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = map[string][]*localSub{}
	return nil
}

func (s *localSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscribers[s.subject]
	for i, other := range subs {
		if other == s {
			s.bus.subscribers[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// NATSBus relays messages through a NATS server.
type NATSBus struct {
	nc *nats.Conn
}

// DialNATS connects to url with unlimited reconnects.
func DialNATS(url string) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("examrt"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("[bus] nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("[bus] nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBus{nc: nc}, nil
}

func (b *NATSBus) Publish(_ context.Context, subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	// Make sure the server has registered interest before returning so a
	// publish that follows immediately is not lost.
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	return sub, nil
}

func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}

// RedisBus relays messages through Redis pub/sub.
type RedisBus struct {
	rdb redis.UniversalClient
}

func NewRedisBus(rdb redis.UniversalClient) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.rdb.Publish(ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", subject, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(subject string, h Handler) (Subscription, error) {
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, subject)
	// Wait for the subscription confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", subject, err)
	}
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			h([]byte(msg.Payload))
		}
	}()
	return &redisSub{ps: ps}, nil
}

// Close is a no-op; the Redis client is owned by the store.
func (b *RedisBus) Close() error {
	return nil
}

type redisSub struct {
	ps *redis.PubSub
}

func (s *redisSub) Unsubscribe() error {
	return s.ps.Close()
}
