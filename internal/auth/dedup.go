package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// ExchangeDeduplicator lets exactly one delivery of a token-exchange invoke
// through when a user signed into several clients of the same conversation
// triggers the same exchange from each of them.
//
// The first delivery creates a record keyed by the exchange id, written with
// the id as its ETag. Any later delivery conflicts on that write and is
// acknowledged with a bare 200. Records are never purged.
type ExchangeDeduplicator struct {
	storage store.Storage
	now     func() time.Time
}

// NewExchangeDeduplicator records exchange ids in storage.
func NewExchangeDeduplicator(storage store.Storage) *ExchangeDeduplicator {
	return &ExchangeDeduplicator{storage: storage, now: time.Now}
}

type exchangeRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProceedWithExchange reports whether this delivery should perform the
// exchange. A duplicate is acknowledged before false is returned.
func (d *ExchangeDeduplicator) ProceedWithExchange(ctx context.Context, tc turn.Context) (bool, error) {
	a := tc.Activity()
	var req protocol.TokenExchangeInvokeRequest
	if err := a.DecodeValue(&req); err != nil {
		return false, fmt.Errorf("decode token exchange request: %w", err)
	}
	if req.ID == "" {
		// Nothing to key on.
		return true, nil
	}

	item, err := store.NewItem(exchangeRecord{ID: req.ID, CreatedAt: d.now().UTC()}, req.ID)
	if err != nil {
		return false, err
	}
	key := store.ExchangeKey{
		ChannelID:      a.ChannelID,
		ConversationID: a.Conversation.ID,
		ExchangeID:     req.ID,
	}.String()

	err = d.storage.Write(ctx, map[string]store.Item{key: item})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrConcurrencyConflict):
		slog.Debug("duplicate token exchange", "exchange_id", req.ID, "conversation", a.Conversation.ID)
		if _, err := tc.SendActivity(ctx, protocol.NewInvokeResponseActivity(http.StatusOK, nil)); err != nil {
			return false, fmt.Errorf("acknowledge duplicate exchange: %w", err)
		}
		return false, nil
	default:
		return false, fmt.Errorf("record token exchange: %w", err)
	}
}
