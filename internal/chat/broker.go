package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeChannel  Scope = "channel"
	ScopeIdentity Scope = "identity"
)

// Envelope is one outbound frame plus who should receive it. Every instance
// resolves the audience against its own registry.
type Envelope struct {
	Scope   Scope  `json:"scope"`
	Channel string `json:"channel,omitempty"`
	// For ScopeChannel, restricts delivery to these identities when non-empty.
	// For ScopeIdentity, the first entry is the target.
	Identities []string `json:"identities,omitempty"`
	// Origin is the publishing instance for ScopeIdentity envelopes, which it
	// has already resolved locally.
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Broker carries envelopes between server instances.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe blocks, invoking handler for every envelope, until ctx ends
	// or the subscription fails.
	Subscribe(ctx context.Context, handler func(Envelope)) error
}

type RedisBroker struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisBroker(client *redis.Client, channel string, log *zap.Logger) *RedisBroker {
	return &RedisBroker{client: client, channel: channel, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, handler func(Envelope)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Surface a bad address here rather than as a silently closed channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("dropping undecodable envelope", zap.Error(err))
				continue
			}
			handler(env)
		}
	}
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	switch env.Scope {
	case ScopeAll, ScopeChannel, ScopeIdentity:
	default:
		return Envelope{}, fmt.Errorf("unknown scope %q", env.Scope)
	}
	if len(env.Payload) == 0 {
		return Envelope{}, fmt.Errorf("empty payload")
	}
	return env, nil
}
