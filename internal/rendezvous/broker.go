// Package rendezvous provides an optional, automated alternative to
// copying the Base58 exchange code between peers by hand: a short-lived
// Redis key holding one side's code, fetched by the other side under a
// shared session name. It never changes the wire protocol or the code's
// format; when no Redis address is configured, callers fall back to the
// interactive copy/paste path that is the default rendezvous mechanism.
package rendezvous

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const codeTTL = 2 * time.Minute

// Broker exchanges address codes through Redis under a shared session
// name.
type Broker struct {
	client *redis.Client
}

// NewBroker connects to a Redis instance at addr.
func NewBroker(addr string) (*Broker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to rendezvous broker: %w", err)
	}
	return &Broker{client: client}, nil
}

// Publish stores this side's code under session/side with a short TTL.
func (b *Broker) Publish(ctx context.Context, session, side, code string) error {
	key := keyFor(session, side)
	return b.client.Set(ctx, key, code, codeTTL).Err()
}

// Fetch polls for the peer's code under session/side until it appears or
// ctx is done.
func (b *Broker) Fetch(ctx context.Context, session, side string) (string, error) {
	key := keyFor(session, side)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		code, err := b.client.Get(ctx, key).Result()
		if err == nil {
			return code, nil
		}
		if err != redis.Nil {
			return "", fmt.Errorf("fetching rendezvous code: %w", err)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the underlying Redis client.
func (b *Broker) Close() error {
	return b.client.Close()
}

func keyFor(session, side string) string {
	return fmt.Sprintf("punch:rendezvous:%s:%s", session, side)
}
