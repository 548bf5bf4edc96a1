package turn

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// Stream types carried in the streaminfo entity.
const (
	StreamTypeInformative = "informative"
	StreamTypeStreaming   = "streaming"
	StreamTypeFinal       = "final"
)

// ErrStreamEnded is returned when sending on a stream that was already ended.
var ErrStreamEnded = errors.New("turn: stream already ended")

// StreamingResponse sends a reply incrementally. Intermediate updates go out
// as typing activities carrying a streaminfo entity; EndStream sends the
// accumulated text as the final message. The first send's resource ID becomes
// the stream ID for every later update.
type StreamingResponse struct {
	tc Context

	mu     sync.Mutex
	id     string
	seq    int
	text   strings.Builder
	opened bool
	ended  bool
}

func newStreamingResponse(tc Context) *StreamingResponse {
	return &StreamingResponse{tc: tc}
}

// QueueInformativeUpdate sends a status line ("Searching...") without
// touching the accumulated text.
func (s *StreamingResponse) QueueInformativeUpdate(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrStreamEnded
	}
	return s.send(ctx, &protocol.Activity{Type: protocol.ActivityTypeTyping, Text: text}, StreamTypeInformative)
}

// QueueTextChunk appends chunk and sends the text accumulated so far.
func (s *StreamingResponse) QueueTextChunk(ctx context.Context, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrStreamEnded
	}
	s.text.WriteString(chunk)
	return s.send(ctx, &protocol.Activity{Type: protocol.ActivityTypeTyping, Text: s.text.String()}, StreamTypeStreaming)
}

// EndStream sends the final message. Ending an unopened stream is a no-op.
func (s *StreamingResponse) EndStream(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrStreamEnded
	}
	s.ended = true
	if !s.opened {
		return nil
	}
	return s.send(ctx, protocol.NewMessage(s.text.String()), StreamTypeFinal)
}

// Opened reports whether any update was sent.
func (s *StreamingResponse) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *StreamingResponse) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Message returns the text accumulated so far.
func (s *StreamingResponse) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func (s *StreamingResponse) send(ctx context.Context, a *protocol.Activity, streamType string) error {
	s.seq++
	entity := protocol.Entity{
		Type:       protocol.EntityTypeStreamInfo,
		StreamID:   s.id,
		StreamType: streamType,
	}
	if streamType != StreamTypeFinal {
		entity.StreamSequence = s.seq
	}
	a.Entities = append(a.Entities, entity)

	resp, err := s.tc.SendActivity(ctx, a)
	if err != nil {
		return err
	}
	s.opened = true
	if s.id == "" && resp != nil {
		s.id = resp.ID
	}
	return nil
}

// IsStreamActivity reports whether a carries a streaminfo entity.
func IsStreamActivity(a *protocol.Activity) bool {
	for _, e := range a.Entities {
		if strings.EqualFold(e.Type, protocol.EntityTypeStreamInfo) {
			return true
		}
	}
	return false
}
