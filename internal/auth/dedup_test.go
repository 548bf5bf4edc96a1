package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// conflictingStorage rejects every write to the exchange key space, as a
// store would for a second writer of the same exchange id.
type conflictingStorage struct {
	*store.MemoryStorage
	writes int
}

func (c *conflictingStorage) Write(ctx context.Context, items map[string]store.Item) error {
	c.writes++
	for k := range items {
		if store.IsOAuthKey(k) && !strings.HasSuffix(k, "/flowState") {
			return &store.ConflictError{Key: k}
		}
	}
	return c.MemoryStorage.Write(ctx, items)
}

func exchangeInvoke(t *testing.T, id string) *protocol.Activity {
	t.Helper()
	return invoke(t, protocol.ChannelMSTeams, protocol.InvokeSignInTokenExchange,
		protocol.TokenExchangeInvokeRequest{ID: id, ConnectionName: "graph", Token: "client"})
}

func TestProceedWithExchange_FirstWins(t *testing.T) {
	d := NewExchangeDeduplicator(store.NewMemoryStorage())
	ctx := context.Background()

	tc1, _ := newTurn(exchangeInvoke(t, "ex-1"))
	ok, err := d.ProceedWithExchange(ctx, tc1)
	require.NoError(t, err)
	assert.True(t, ok)
	_, responded := tc1.InvokeResponse()
	assert.False(t, responded)

	tc2, _ := newTurn(exchangeInvoke(t, "ex-1"))
	ok, err = d.ProceedWithExchange(ctx, tc2)
	require.NoError(t, err)
	assert.False(t, ok)
	resp, responded := tc2.InvokeResponse()
	require.True(t, responded)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Nil(t, resp.Body)

	tc3, _ := newTurn(exchangeInvoke(t, "ex-2"))
	ok, err = d.ProceedWithExchange(ctx, tc3)
	require.NoError(t, err)
	assert.True(t, ok, "a different exchange id proceeds")
}

func TestProceedWithExchange_StorageConflictDouble(t *testing.T) {
	storage := &conflictingStorage{MemoryStorage: store.NewMemoryStorage()}
	d := NewExchangeDeduplicator(storage)

	tc, _ := newTurn(exchangeInvoke(t, "ex-1"))
	ok, err := d.ProceedWithExchange(context.Background(), tc)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, storage.writes)

	resp, responded := tc.InvokeResponse()
	require.True(t, responded)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestProceedWithExchange_NoID(t *testing.T) {
	d := NewExchangeDeduplicator(store.NewMemoryStorage())
	tc, _ := newTurn(exchangeInvoke(t, ""))
	ok, err := d.ProceedWithExchange(context.Background(), tc)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Two clients of the same user deliver the same exchange concurrently: one
// performs the exchange, the other is acknowledged as a duplicate.
func TestContinue_ConcurrentExchangeDeduplicated(t *testing.T) {
	mem := store.NewMemoryStorage()
	gate := make(chan struct{})
	tokens := &fakeTokens{exchangeTok: "sso", exchangeGate: gate}
	f := newFlow(t, tokens, mem, FlowSettings{})
	startFlow(t, f, time.Now().Add(time.Hour), 0)

	type outcome struct {
		res  Result
		err  error
		resp protocol.InvokeResponse
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, a := range []*protocol.Activity{exchangeInvoke(t, "ex-1"), exchangeInvoke(t, "ex-1")} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tc, _ := newTurn(a)
			res, err := f.Continue(context.Background(), tc)
			resp, _ := tc.InvokeResponse()
			results <- outcome{res, err, resp}
		}()
	}

	// The winner blocks inside ExchangeToken; the loser finishes first.
	first := <-results
	close(gate)
	second := <-results
	wg.Wait()

	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, StatusDuplicate, first.res.Status)
	assert.Equal(t, http.StatusOK, first.resp.Status)
	assert.Nil(t, first.resp.Body)

	assert.Equal(t, StatusComplete, second.res.Status)
	assert.Equal(t, "sso", second.res.Token.Token)
	assert.Equal(t, http.StatusOK, second.resp.Status)
	assert.NotNil(t, second.resp.Body)

	assert.Equal(t, 1, tokens.exchangeCalls)
}

func TestContinue_ExchangeRecordUsesFlowClock(t *testing.T) {
	mem := store.NewMemoryStorage()
	f := newFlow(t, &fakeTokens{exchangeTok: "sso"}, mem, FlowSettings{})
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	f.now = func() time.Time { return now }
	startFlow(t, f, now.Add(time.Hour), 0)

	a := exchangeInvoke(t, "ex-1")
	tc, _ := newTurn(a)
	res, err := f.Continue(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, res.Status)

	key := store.ExchangeKey{ChannelID: a.ChannelID, ConversationID: a.Conversation.ID, ExchangeID: "ex-1"}.String()
	items, err := mem.Read(context.Background(), []string{key})
	require.NoError(t, err)
	var rec exchangeRecord
	require.NoError(t, items[key].Decode(&rec))
	assert.True(t, rec.CreatedAt.Equal(now))
}
