// Package realtime delivers inbox and sync updates to websocket subscribers.
//
// Producers publish to named groups through a channel layer; the relay hub
// forwards a group's messages to every websocket attached to it.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Subscriber streams the raw messages of a group until ctx is done
type Subscriber interface {
	Subscribe(ctx context.Context, group string) (<-chan []byte, error)
}

// RedisConfig configures the redis client
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// RedisLayer publishes group messages over redis pub/sub
type RedisLayer struct {
	client *redis.Client
	prefix string
}

// NewRedisLayer connects to redis and checks the connection
func NewRedisLayer(ctx context.Context, cfg RedisConfig) (*RedisLayer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisLayer{client: client, prefix: cfg.Prefix}, nil
}

// GroupSend publishes message to group as JSON
func (l *RedisLayer) GroupSend(ctx context.Context, group string, message map[string]any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if err := l.client.Publish(ctx, l.prefix+group, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", group, err)
	}
	return nil
}

// Subscribe streams the messages of group; the channel closes when ctx is done
func (l *RedisLayer) Subscribe(ctx context.Context, group string) (<-chan []byte, error) {
	ps := l.client.Subscribe(ctx, l.prefix+group)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", group, err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping checks the redis connection
func (l *RedisLayer) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the redis client
func (l *RedisLayer) Close() error {
	return l.client.Close()
}

// MemoryLayer is an in-process channel layer for a single instance
type MemoryLayer struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

// NewMemoryLayer creates an empty in-process layer
func NewMemoryLayer() *MemoryLayer {
	return &MemoryLayer{subs: make(map[string]map[chan []byte]struct{})}
}

// GroupSend delivers message to current subscribers of group. A subscriber
// whose buffer is full misses the message.
func (l *MemoryLayer) GroupSend(_ context.Context, group string, message map[string]any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for ch := range l.subs[group] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe streams the messages of group; the channel closes when ctx is done
func (l *MemoryLayer) Subscribe(ctx context.Context, group string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)

	l.mu.Lock()
	if l.subs[group] == nil {
		l.subs[group] = make(map[chan []byte]struct{})
	}
	l.subs[group][ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs[group], ch)
		if len(l.subs[group]) == 0 {
			delete(l.subs, group)
		}
		close(ch)
	}()
	return ch, nil
}

// Ping always succeeds
func (l *MemoryLayer) Ping(context.Context) error {
	return nil
}

// Close is a no-op
func (l *MemoryLayer) Close() error {
	return nil
}
