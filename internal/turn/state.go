package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// Scope is one persisted bag of named JSON values (conversation or user).
type Scope struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
	dirty  bool
}

// Get decodes the value stored under key into dst. It reports false when
// the key is absent.
func (s *Scope) Get(key string, dst any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.values[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode state %q: %w", key, err)
	}
	return true, nil
}

// Set stores v under key.
func (s *Scope) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state %q: %w", key, err)
	}
	s.mu.Lock()
	s.values[key] = data
	s.dirty = true
	s.mu.Unlock()
	return nil
}

// Has reports whether key is present.
func (s *Scope) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}

func (s *Scope) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Clear removes every value; the stored record is deleted on save.
func (s *Scope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) > 0 {
		s.values = make(map[string]json.RawMessage)
		s.dirty = true
	}
}

func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Temp holds values that live for one turn and are never persisted.
type Temp struct {
	// InputFiles collects the results of every file downloader.
	InputFiles []InputFile
	// AuthTokens maps sign-in handler name to the token obtained this turn.
	AuthTokens map[string]string
	Values     map[string]any
}

// State is the turn-scoped state: conversation and user scopes loaded from
// and saved to storage, plus the transient temp scope.
type State struct {
	storage store.Storage
	convKey string
	userKey string

	conversation Scope
	user         Scope
	temp         Temp
	loaded       bool
}

// NewState creates state for the given inbound activity. A nil storage yields
// state that is never persisted.
func NewState(storage store.Storage, activity *protocol.Activity) *State {
	s := &State{
		storage: storage,
		temp: Temp{
			AuthTokens: make(map[string]string),
			Values:     make(map[string]any),
		},
	}
	s.conversation.values = make(map[string]json.RawMessage)
	s.user.values = make(map[string]json.RawMessage)
	if activity != nil && activity.ChannelID != "" {
		if activity.Conversation.ID != "" {
			s.convKey = store.ConversationStateKey{ChannelID: activity.ChannelID, ConversationID: activity.Conversation.ID}.String()
		}
		if activity.From.ID != "" {
			s.userKey = store.UserStateKey{ChannelID: activity.ChannelID, UserID: activity.From.ID}.String()
		}
	}
	return s
}

func (s *State) Conversation() *Scope { return &s.conversation }
func (s *State) User() *Scope         { return &s.user }
func (s *State) Temp() *Temp          { return &s.temp }
func (s *State) Loaded() bool         { return s.loaded }

type keyedScope struct {
	key   string
	scope *Scope
}

// scopes returns the persisted scopes that have a storage key.
func (s *State) scopes() []keyedScope {
	var out []keyedScope
	if s.convKey != "" {
		out = append(out, keyedScope{s.convKey, &s.conversation})
	}
	if s.userKey != "" {
		out = append(out, keyedScope{s.userKey, &s.user})
	}
	return out
}

// Load reads the conversation and user scopes from storage.
func (s *State) Load(ctx context.Context) error {
	s.loaded = true
	scopes := s.scopes()
	if s.storage == nil || len(scopes) == 0 {
		return nil
	}
	keys := make([]string, len(scopes))
	for i, ks := range scopes {
		keys[i] = ks.key
	}
	items, err := s.storage.Read(ctx, keys)
	if err != nil {
		return fmt.Errorf("load turn state: %w", err)
	}
	for _, ks := range scopes {
		it, ok := items[ks.key]
		if !ok {
			continue
		}
		values := make(map[string]json.RawMessage)
		if err := it.Decode(&values); err != nil {
			return fmt.Errorf("decode turn state %q: %w", ks.key, err)
		}
		if values == nil {
			values = make(map[string]json.RawMessage)
		}
		ks.scope.mu.Lock()
		ks.scope.values = values
		ks.scope.dirty = false
		ks.scope.mu.Unlock()
	}
	return nil
}

// Save persists changed scopes. Scopes emptied during the turn are deleted.
// Turn state is written last-writer-wins.
func (s *State) Save(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}

	writes := make(map[string]store.Item)
	var deletes []string
	for _, ks := range s.scopes() {
		key, scope := ks.key, ks.scope
		scope.mu.Lock()
		dirty, n := scope.dirty, len(scope.values)
		var (
			item store.Item
			err  error
		)
		if dirty && n > 0 {
			item, err = store.NewItem(scope.values, store.ETagAny)
		}
		scope.mu.Unlock()
		if err != nil {
			return err
		}
		switch {
		case !dirty:
		case n == 0:
			deletes = append(deletes, key)
		default:
			writes[key] = item
		}
	}

	if len(writes) > 0 {
		if err := s.storage.Write(ctx, writes); err != nil {
			return fmt.Errorf("save turn state: %w", err)
		}
	}
	if len(deletes) > 0 {
		if err := s.storage.Delete(ctx, deletes); err != nil {
			return fmt.Errorf("delete turn state: %w", err)
		}
	}

	s.conversation.mu.Lock()
	s.conversation.dirty = false
	s.conversation.mu.Unlock()
	s.user.mu.Lock()
	s.user.dirty = false
	s.user.mu.Unlock()
	return nil
}
