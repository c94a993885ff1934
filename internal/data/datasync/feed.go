package datasync

import (
	"context"
	"sync"

	"github.com/R3E-Network/insight_runtime/supabase/client"
)

// Feed notifies the registry when rows of a collection change remotely.
type Feed interface {
	// Watch calls onChange after every remote change to collection until
	// the returned stop function is called.
	Watch(ctx context.Context, collection string, onChange func()) (stop func() error, err error)
}

// RealtimeFeed is a Feed over Supabase Realtime postgres_changes.
type RealtimeFeed struct {
	rt     *client.RealtimeClient
	schema string

	mu sync.Mutex
}

var _ Feed = (*RealtimeFeed)(nil)

// NewRealtimeFeed creates a feed on rt. An empty schema means "public".
func NewRealtimeFeed(rt *client.RealtimeClient, schema string) *RealtimeFeed {
	return &RealtimeFeed{rt: rt, schema: schema}
}

// Watch implements Feed. The websocket is connected on first use.
func (f *RealtimeFeed) Watch(ctx context.Context, collection string, onChange func()) (func() error, error) {
	f.mu.Lock()
	err := f.rt.Connect(ctx)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sub, err := f.rt.SubscribeToPostgresChanges(ctx, client.PostgresChangesConfig{
		Event:  "*",
		Schema: f.schema,
		Table:  collection,
	}, func(client.PostgresChange) { onChange() })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// Close disconnects the websocket.
func (f *RealtimeFeed) Close() error {
	return f.rt.Disconnect()
}
