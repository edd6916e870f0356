// Package notifications delivers notifications to users: the stored
// notification document, realtime fan-out over redis and websockets, and
// best-effort mobile push.
package notifications

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"

	"agora/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	userChannelPrefix       = "notifications:user:"
	collectionChannelPrefix = "docstore:collection:"
)

// Notifier provides helpers to publish events into Redis channels. A nil
// client turns every call into a no-op.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// UserChannel derives the Redis channel name for a user.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// CollectionChannel derives the Redis channel name for a collection path.
func CollectionChannel(path string) string {
	return collectionChannelPrefix + path
}

// PublishUser sends a payload to a user's channel.
func (n *Notifier) PublishUser(ctx context.Context, userID, payload string) error {
	if n.rdb == nil {
		return nil
	}
	return n.rdb.Publish(ctx, UserChannel(userID), payload).Err()
}

// PublishCollectionChange announces that documents under collection changed.
func (n *Notifier) PublishCollectionChange(ctx context.Context, collection string) error {
	if n.rdb == nil {
		return nil
	}
	return n.rdb.Publish(ctx, CollectionChannel(collection), collection).Err()
}

// StartPatternSubscriber subscribes to every user channel and calls
// onMessage with the user id and payload of each message.
func (n *Notifier) StartPatternSubscriber(ctx context.Context, onMessage func(userID, payload string)) error {
	return n.subscribe(ctx, "user subscriber", userChannelPrefix+"*", func(msg *redis.Message) {
		onMessage(strings.TrimPrefix(msg.Channel, userChannelPrefix), msg.Payload)
	})
}

// StartCollectionSubscriber calls onChange with the collection path of
// every change published by any process sharing the store.
func (n *Notifier) StartCollectionSubscriber(ctx context.Context, onChange func(collection string)) error {
	return n.subscribe(ctx, "collection subscriber", collectionChannelPrefix+"*", func(msg *redis.Message) {
		onChange(strings.TrimPrefix(msg.Channel, collectionChannelPrefix))
	})
}

func (n *Notifier) subscribe(ctx context.Context, name, pattern string, handle func(*redis.Message)) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, pattern)
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							observability.Logger.Error("panic in redis subscriber",
								slog.String("subscriber", name),
								slog.Any("panic", r),
								slog.String("stack", string(debug.Stack())),
							)
						}
					}()
					handle(msg)
				}()
			}
		}
	}()

	return nil
}
