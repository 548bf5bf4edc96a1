// Package turn holds the per-activity processing context handed to routes and
// hooks: the inbound activity, a send path back to the channel, captured invoke
// responses, the streaming response and the turn-scoped state.
package turn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// ErrNoSender is returned when a context has no channel to send through.
var ErrNoSender = errors.New("turn: no sender configured")

// Sender delivers outbound activities to a channel.
type Sender interface {
	SendActivities(ctx context.Context, activities []*protocol.Activity) ([]*protocol.ResourceResponse, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, activities []*protocol.Activity) ([]*protocol.ResourceResponse, error)

func (f SenderFunc) SendActivities(ctx context.Context, activities []*protocol.Activity) ([]*protocol.ResourceResponse, error) {
	return f(ctx, activities)
}

// SendHook observes outbound activities before they are sent.
// A non-nil error aborts the send.
type SendHook func(ctx context.Context, activities []*protocol.Activity) error

// Context is the view of one turn given to selectors, handlers and hooks.
type Context interface {
	// Activity returns the inbound activity being processed.
	Activity() *protocol.Activity

	SendActivity(ctx context.Context, activity *protocol.Activity) (*protocol.ResourceResponse, error)
	SendActivities(ctx context.Context, activities []*protocol.Activity) ([]*protocol.ResourceResponse, error)

	// OnSendActivities registers a hook run before every send of this turn.
	OnSendActivities(hook SendHook)

	// Responded reports whether anything other than a typing indicator was sent.
	Responded() bool

	// InvokeResponse returns the last invoke response sent during the turn.
	InvokeResponse() (protocol.InvokeResponse, bool)

	// Stream returns the turn's streaming response, created on first use.
	Stream() *StreamingResponse
}

// BaseContext is the Context implementation used by channel adapters and the
// gateway. Outbound activities are addressed to the inbound conversation and
// passed to the Sender; invoke responses are captured instead of sent.
type BaseContext struct {
	activity *protocol.Activity
	sender   Sender

	mu         sync.Mutex
	hooks      []SendHook
	responded  bool
	invokeResp *protocol.Activity
	stream     *StreamingResponse
}

var _ Context = (*BaseContext)(nil)

// NewContext creates a context for one inbound activity.
func NewContext(activity *protocol.Activity, sender Sender) *BaseContext {
	return &BaseContext{activity: activity, sender: sender}
}

func (c *BaseContext) Activity() *protocol.Activity { return c.activity }

func (c *BaseContext) OnSendActivities(hook SendHook) {
	if hook == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

func (c *BaseContext) Responded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responded
}

func (c *BaseContext) InvokeResponse() (protocol.InvokeResponse, bool) {
	c.mu.Lock()
	a := c.invokeResp
	c.mu.Unlock()
	return protocol.DecodeInvokeResponse(a)
}

func (c *BaseContext) Stream() *StreamingResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		c.stream = newStreamingResponse(c)
	}
	return c.stream
}

func (c *BaseContext) SendActivity(ctx context.Context, activity *protocol.Activity) (*protocol.ResourceResponse, error) {
	out, err := c.SendActivities(ctx, []*protocol.Activity{activity})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return &protocol.ResourceResponse{}, nil
	}
	return out[0], nil
}

func (c *BaseContext) SendActivities(ctx context.Context, activities []*protocol.Activity) ([]*protocol.ResourceResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(activities) == 0 {
		return nil, nil
	}

	addressed := make([]*protocol.Activity, 0, len(activities))
	for _, a := range activities {
		if a == nil {
			continue
		}
		addressed = append(addressed, c.address(a))
	}

	c.mu.Lock()
	hooks := make([]SendHook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	for _, h := range hooks {
		if err := h(ctx, addressed); err != nil {
			return nil, err
		}
	}

	out := make([]*protocol.ResourceResponse, len(addressed))
	var (
		outbound []*protocol.Activity
		slots    []int
	)
	responded := false
	for i, a := range addressed {
		if a.IsType(protocol.ActivityTypeInvokeResponse) {
			c.mu.Lock()
			c.invokeResp = a
			c.mu.Unlock()
			out[i] = &protocol.ResourceResponse{}
			responded = true
			continue
		}
		if !a.IsType(protocol.ActivityTypeTyping) {
			responded = true
		}
		outbound = append(outbound, a)
		slots = append(slots, i)
	}

	if len(outbound) > 0 {
		if c.sender == nil {
			return nil, ErrNoSender
		}
		sent, err := c.sender.SendActivities(ctx, outbound)
		if err != nil {
			return nil, err
		}
		for j, idx := range slots {
			if j < len(sent) && sent[j] != nil {
				out[idx] = sent[j]
			} else {
				out[idx] = &protocol.ResourceResponse{}
			}
		}
	}

	if responded {
		c.mu.Lock()
		c.responded = true
		c.mu.Unlock()
	}
	return out, nil
}

// address copies a and fills the routing fields it leaves empty from the
// inbound activity, so handlers can send bare activities.
func (c *BaseContext) address(a *protocol.Activity) *protocol.Activity {
	cp := *a
	in := c.activity
	if in == nil {
		return &cp
	}
	if cp.ChannelID == "" {
		cp.ChannelID = in.ChannelID
	}
	if cp.ServiceURL == "" {
		cp.ServiceURL = in.ServiceURL
	}
	if cp.Conversation.ID == "" {
		cp.Conversation = in.Conversation
	}
	if cp.From.ID == "" {
		cp.From = in.Recipient
	}
	if cp.Recipient.ID == "" {
		cp.Recipient = in.From
	}
	if cp.ReplyToID == "" && !cp.IsType(protocol.ActivityTypeTyping) {
		cp.ReplyToID = in.ID
	}
	if cp.Locale == "" {
		cp.Locale = in.Locale
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	return &cp
}

// SendText sends a plain message.
func SendText(ctx context.Context, tc Context, text string) (*protocol.ResourceResponse, error) {
	return tc.SendActivity(ctx, protocol.NewMessage(text))
}

// WithActivity returns a view of tc whose Activity is replaced by activity.
// Sends, hooks and captured responses are shared with tc.
func WithActivity(tc Context, activity *protocol.Activity) Context {
	return &activityOverride{Context: tc, activity: activity}
}

type activityOverride struct {
	Context
	activity *protocol.Activity
}

func (o *activityOverride) Activity() *protocol.Activity { return o.activity }
