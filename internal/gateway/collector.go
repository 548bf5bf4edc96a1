package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// collector is the turn.Sender for HTTP turns: replies are buffered and
// returned in the response body.
type collector struct {
	mu         sync.Mutex
	activities []*protocol.Activity
}

func (c *collector) SendActivities(_ context.Context, activities []*protocol.Activity) ([]*protocol.ResourceResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.ResourceResponse, 0, len(activities))
	for _, a := range activities {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		out = append(out, &protocol.ResourceResponse{ID: a.ID})
		// Typing indicators mean nothing to a request/response caller.
		if a.IsType(protocol.ActivityTypeTyping) {
			continue
		}
		c.activities = append(c.activities, a)
	}
	return out, nil
}

func (c *collector) all() []*protocol.Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Activity, len(c.activities))
	copy(out, c.activities)
	return out
}
