package relay

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

const userChannelPrefix = "relay:user:"

// Notifier publishes envelopes into per-user redis channels so a devserver
// instance can reach users connected elsewhere. All methods are no-ops with
// a nil client, keeping single-instance runs redis-free.
type Notifier struct {
	rdb *redis.Client
}

func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Enabled reports whether a redis client is attached. When it is, users not
// found locally may still be reachable on another instance.
func (n *Notifier) Enabled() bool {
	return n.rdb != nil
}

// PublishUser sends an encoded envelope to a user's channel.
func (n *Notifier) PublishUser(ctx context.Context, userID string, payload []byte) error {
	if n.rdb == nil {
		return nil
	}
	return n.rdb.Publish(ctx, userChannelPrefix+userID, payload).Err()
}

// StartSubscriber subscribes to every user channel and calls onMessage with
// the target user id and payload for each incoming envelope.
func (n *Notifier) StartSubscriber(ctx context.Context, onMessage func(userID string, payload []byte)) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, userChannelPrefix+"*")
	ch := sub.Channel()

	go func() {
		for msg := range ch {
			userID := strings.TrimPrefix(msg.Channel, userChannelPrefix)
			onMessage(userID, []byte(msg.Payload))
		}
	}()

	return nil
}
