package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "signal:peer:"

// RedisPubSub implements Relay using one Redis channel per registered peer.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for signaling frames.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

func peerChannel(peerID string) string {
	return channelPrefix + peerID
}

// PublishToPeer publishes msg on the peer's channel. delivered is false when no
// instance is subscribed, i.e. the peer is not connected anywhere.
func (r *RedisPubSub) PublishToPeer(ctx context.Context, peerID string, msg Message) (bool, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	receivers, err := r.client.Publish(ctx, peerChannel(peerID), body).Result()
	if err != nil {
		return false, err
	}
	return receivers > 0, nil
}

// SubscribePeer subscribes to the peer's channel and calls handler for each frame.
// Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribePeer(peerID string, handler func(Message)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, peerChannel(peerID))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					r.logger.Warn("invalid relayed frame", zap.String("channel", m.Channel), zap.Error(err))
					continue
				}
				handler(msg)
			}
		}
	}()
	return cancelCtx, nil
}
