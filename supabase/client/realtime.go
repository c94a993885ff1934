package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned when subscribing on a disconnected client.
var ErrNotConnected = errors.New("realtime: not connected")

// PostgresChange is one row change delivered by Realtime.
type PostgresChange struct {
	Type            string         `json:"type"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
	CommitTimestamp string         `json:"commit_timestamp"`
}

// ChangeHandler receives row changes. Handlers of one client run on its
// read loop, one at a time, in arrival order.
type ChangeHandler func(change PostgresChange)

// PostgresChangesConfig selects the changes of a subscription.
type PostgresChangesConfig struct {
	Event  string // INSERT, UPDATE, DELETE or *
	Schema string
	Table  string
	Filter string // optional PostgREST filter such as "user_id=eq.42"
}

// RealtimeClient maintains one Realtime websocket and its channel
// subscriptions.
type RealtimeClient struct {
	url               string
	heartbeatInterval time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	ref     uint64
	subs    map[string]*Subscription
	done    chan struct{}
	wg      sync.WaitGroup
}

// Subscription is a joined postgres_changes channel.
type Subscription struct {
	client  *RealtimeClient
	topic   string
	joinRef string
	config  PostgresChangesConfig
	handler ChangeHandler
}

// NewRealtimeClient creates a client for the project at supabaseURL.
func NewRealtimeClient(supabaseURL, apiKey string) *RealtimeClient {
	ws := strings.TrimSuffix(supabaseURL, "/")
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")

	return &RealtimeClient{
		url:               ws + "/realtime/v1/websocket?" + q.Encode(),
		heartbeatInterval: 30 * time.Second,
		subs:              make(map[string]*Subscription),
	}
}

// NewRealtimeClient creates a realtime client sharing the credentials of c.
func (c *Client) NewRealtimeClient() *RealtimeClient {
	return NewRealtimeClient(c.baseURL, c.apiKey)
}

// Connect dials the websocket. It is a no-op when already connected.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("realtime dial: %w", err)
	}
	r.conn = conn
	r.done = make(chan struct{})

	r.wg.Add(2)
	go r.readLoop(conn, r.done)
	go r.heartbeat(r.done)
	return nil
}

// Connected reports whether the websocket is open.
func (r *RealtimeClient) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Disconnect closes the websocket and forgets every subscription.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return nil
	}
	r.conn = nil
	close(r.done)
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()

	r.writeMu.Lock()
	werr := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	cerr := conn.Close()
	r.wg.Wait()

	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return fmt.Errorf("realtime close: %w", werr)
	}
	return cerr
}

// SubscribeToPostgresChanges joins a channel for the changes selected by
// cfg and routes them to handler.
func (r *RealtimeClient) SubscribeToPostgresChanges(_ context.Context, cfg PostgresChangesConfig, handler ChangeHandler) (*Subscription, error) {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Event == "" {
		cfg.Event = "*"
	}
	topic := "realtime:" + cfg.Schema + ":" + cfg.Table
	if cfg.Filter != "" {
		topic += ":" + cfg.Filter
	}

	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		return nil, ErrNotConnected
	}
	if existing, ok := r.subs[topic]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	ref := r.nextRefLocked()
	sub := &Subscription{client: r, topic: topic, joinRef: ref, config: cfg, handler: handler}
	r.subs[topic] = sub
	r.mu.Unlock()

	change := map[string]any{"event": cfg.Event, "schema": cfg.Schema, "table": cfg.Table}
	if cfg.Filter != "" {
		change["filter"] = cfg.Filter
	}
	err := r.send(message{
		Topic:   topic,
		Event:   "phx_join",
		Payload: map[string]any{"config": map[string]any{"postgres_changes": []any{change}}},
		Ref:     ref,
		JoinRef: ref,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.subs, topic)
		r.mu.Unlock()
		return nil, fmt.Errorf("realtime join %s: %w", topic, err)
	}
	return sub, nil
}

// Topic returns the channel topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe leaves the channel.
func (s *Subscription) Unsubscribe() error {
	r := s.client
	r.mu.Lock()
	if r.subs[s.topic] != s {
		r.mu.Unlock()
		return nil
	}
	delete(r.subs, s.topic)
	connected := r.conn != nil
	ref := r.nextRefLocked()
	r.mu.Unlock()

	if !connected {
		return nil
	}
	return r.send(message{Topic: s.topic, Event: "phx_leave", Payload: map[string]any{}, Ref: ref, JoinRef: s.joinRef})
}

type message struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref,omitempty"`
	JoinRef string `json:"join_ref,omitempty"`
}

type inbound struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (r *RealtimeClient) nextRefLocked() string {
	r.ref++
	return strconv.FormatUint(r.ref, 10)
}

func (r *RealtimeClient) send(m message) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(m)
}

func (r *RealtimeClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer r.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-done:
			return
		default:
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		change, ok := decodeChange(msg)
		if !ok {
			continue
		}

		r.mu.Lock()
		sub := r.subs[msg.Topic]
		r.mu.Unlock()
		if sub == nil {
			continue
		}
		if sub.config.Event != "*" && !strings.EqualFold(sub.config.Event, change.Type) {
			continue
		}
		sub.handler(change)
	}
}

// decodeChange accepts both the postgres_changes envelope and the legacy
// per-event messages.
func decodeChange(msg inbound) (PostgresChange, bool) {
	var change PostgresChange
	switch msg.Event {
	case "postgres_changes":
		var payload struct {
			Data PostgresChange `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return change, false
		}
		change = payload.Data
	case "INSERT", "UPDATE", "DELETE":
		if err := json.Unmarshal(msg.Payload, &change); err != nil {
			return change, false
		}
		if change.Type == "" {
			change.Type = msg.Event
		}
	default:
		return change, false
	}
	return change, change.Type != ""
}

func (r *RealtimeClient) heartbeat(done chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.mu.Lock()
			ref := r.nextRefLocked()
			r.mu.Unlock()
			_ = r.send(message{Topic: "phoenix", Event: "heartbeat", Payload: map[string]any{}, Ref: ref})
		}
	}
}
