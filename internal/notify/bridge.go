package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/leadgrid/leadgrid/internal/job"
)

const eventChannel = "leadgrid:job_events"

// Bridge carries job events over redis pub/sub so workers can reach the
// websocket channels hosted by api processes. Publishing when no process is
// subscribed is harmless.
type Bridge struct {
	rdb *redis.Client
}

func NewBridge(rdb *redis.Client) *Bridge {
	return &Bridge{rdb: rdb}
}

// Publish implements job.Notifier on the worker side.
func (b *Bridge) Publish(ctx context.Context, userID uint64, evt job.Event) {
	evt.UserID = userID
	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("bridge marshal failed job=%s: %v", evt.JobID, err)
		return
	}
	if err := b.rdb.Publish(ctx, eventChannel, body).Err(); err != nil {
		log.Printf("bridge publish failed job=%s: %v", evt.JobID, err)
	}
}

// Relay subscribes to the event channel and fans every received event out to
// the local hub. It blocks until ctx is cancelled.
func (b *Bridge) Relay(ctx context.Context, hub *Hub) {
	sub := b.rdb.Subscribe(ctx, eventChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var evt job.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Printf("bridge decode failed: %v", err)
				continue
			}
			hub.Publish(ctx, evt.UserID, evt)
		}
	}
}
