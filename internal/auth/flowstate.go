package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// FlowState is the persisted progress of one sign-in flow in one conversation.
type FlowState struct {
	FlowStarted   bool      `json:"flowStarted"`
	FlowExpires   time.Time `json:"flowExpires"`
	ContinueCount int       `json:"continueCount"`
}

// Expired reports whether a started flow is past its expiry.
func (s FlowState) Expired(now time.Time) bool {
	return s.FlowStarted && now.After(s.FlowExpires)
}

func (f *OAuthFlow) stateKey(a *protocol.Activity) string {
	return store.FlowStateKey{
		Handler:        f.name,
		ChannelID:      a.ChannelID,
		ConversationID: a.Conversation.ID,
	}.String()
}

// loadState returns the zero FlowState when nothing is stored.
func (f *OAuthFlow) loadState(ctx context.Context, a *protocol.Activity) (FlowState, error) {
	key := f.stateKey(a)
	items, err := f.storage.Read(ctx, []string{key})
	if err != nil {
		return FlowState{}, fmt.Errorf("read flow state: %w", err)
	}
	var st FlowState
	if it, ok := items[key]; ok {
		if err := it.Decode(&st); err != nil {
			return FlowState{}, fmt.Errorf("decode flow state: %w", err)
		}
	}
	return st, nil
}

func (f *OAuthFlow) saveState(ctx context.Context, a *protocol.Activity, st FlowState) error {
	item, err := store.NewItem(st, store.ETagAny)
	if err != nil {
		return err
	}
	if err := f.storage.Write(ctx, map[string]store.Item{f.stateKey(a): item}); err != nil {
		return fmt.Errorf("write flow state: %w", err)
	}
	return nil
}

func (f *OAuthFlow) deleteState(ctx context.Context, a *protocol.Activity) error {
	if err := f.storage.Delete(ctx, []string{f.stateKey(a)}); err != nil {
		return fmt.Errorf("delete flow state: %w", err)
	}
	return nil
}
