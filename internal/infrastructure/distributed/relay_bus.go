package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayChannel = "meshcall:relay"

type EnvelopeKind string

const (
	// EnvelopeDirect delivers Message to To.
	EnvelopeDirect EnvelopeKind = "direct"
	// EnvelopeBroadcast delivers Message to the room, skipping Except.
	EnvelopeBroadcast EnvelopeKind = "broadcast"
	// EnvelopeEvict closes To's connection without announcing it.
	EnvelopeEvict EnvelopeKind = "evict"
)

// Envelope is relay traffic crossing instances.
type Envelope struct {
	Kind       EnvelopeKind          `json:"kind"`
	InstanceID string                `json:"instance_id"`
	SentAt     time.Time             `json:"sent_at"`
	RoomID     domain.RoomID         `json:"room_id"`
	To         domain.ParticipantID  `json:"to,omitempty"`
	Except     domain.ParticipantID  `json:"except,omitempty"`
	Message    *domain.SignalMessage `json:"message,omitempty"`
}

// RelayBus fans relay traffic out to every signaling instance over Redis
// pub/sub. Delivery is at most once; an instance that is down misses
// envelopes.
type RelayBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRelayBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *RelayBus {
	return &RelayBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (b *RelayBus) InstanceID() string {
	return b.instanceID
}

func (b *RelayBus) Publish(ctx context.Context, env *Envelope) error {
	env.InstanceID = b.instanceID
	env.SentAt = time.Now()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, relayChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	b.logger.Debugw("published envelope", "kind", env.Kind, "room_id", env.RoomID, "to", env.To)
	return nil
}

// Run calls deliver for every envelope another instance publishes until ctx
// ends or Close is called.
func (b *RelayBus) Run(ctx context.Context, deliver func(*Envelope)) error {
	b.mu.Lock()
	if b.pubsub != nil {
		b.mu.Unlock()
		return errors.New("relay bus already running")
	}
	pubsub := b.client.Subscribe(ctx, relayChannel)
	b.pubsub = pubsub
	b.mu.Unlock()
	defer pubsub.Close()

	// Wait for the subscription so nothing published after Run returns is
	// missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", relayChannel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warnw("failed to unmarshal envelope", "error", err)
				continue
			}
			if env.InstanceID == b.instanceID {
				continue
			}
			deliver(&env)
		}
	}
}

func (b *RelayBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
