// Package client is a small PostgREST and Realtime client for Supabase.
// It covers what the runtime's data provider needs: filtered reads,
// insert/upsert/update/delete with a selectable return mode, structured
// error decoding and optional retry with a circuit breaker.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingURL    = errors.New("supabase: URL is required")
	ErrMissingAPIKey = errors.New("supabase: API key is required")
)

// Config holds client configuration.
type Config struct {
	URL    string
	APIKey string

	// AccessToken is sent as the bearer token when set, so row level
	// security runs as the signed-in user. APIKey is used otherwise.
	AccessToken string

	// Schema selects a non-default schema through Accept-Profile and
	// Content-Profile.
	Schema string

	HTTPClient *http.Client

	// Retry and CircuitBreaker enable the resilient transport when either
	// is set.
	Retry          *RetryConfig
	CircuitBreaker *CircuitBreakerConfig
}

// Client is a Supabase REST client. It is safe for concurrent use.
type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	schema      string
	httpClient  *http.Client
	resilient   *ResilientClient
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	c := &Client{
		baseURL:     strings.TrimSuffix(cfg.URL, "/"),
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		schema:      cfg.Schema,
		httpClient:  cfg.HTTPClient,
	}

	if cfg.Retry != nil || cfg.CircuitBreaker != nil {
		rcfg := ResilientClientConfig{BaseClient: cfg.HTTPClient}
		if cfg.Retry != nil {
			rcfg.RetryConfig = *cfg.Retry
		}
		if cfg.CircuitBreaker != nil {
			rcfg.CircuitBreakerConfig = *cfg.CircuitBreaker
		} else {
			rcfg.CircuitBreakerConfig = DefaultCircuitBreakerConfig()
		}
		c.resilient = NewResilientClient(rcfg)
		c.httpClient = &http.Client{Transport: c.resilient, Timeout: 30 * time.Second}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

// URL returns the project URL.
func (c *Client) URL() string { return c.baseURL }

// APIKey returns the anon or service key the client was built with.
func (c *Client) APIKey() string { return c.apiKey }

// Resilience returns the resilient transport, or nil when disabled.
func (c *Client) Resilience() *ResilientClient { return c.resilient }

// =============================================================================
// Query builder
// =============================================================================

// Returning selects what a write sends back.
type Returning string

const (
	ReturnRepresentation Returning = "representation"
	ReturnMinimal        Returning = "minimal"
)

type filter struct {
	column string
	op     string
	value  string
}

// QueryBuilder builds one PostgREST request against a table.
type QueryBuilder struct {
	client     *Client
	table      string
	columns    string
	filters    []filter
	orders     []string
	limit      int
	returning  Returning
	onConflict string
}

// From starts a query against table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{client: c, table: table, returning: ReturnRepresentation}
}

// Select sets the column list.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.columns = columns
	return q
}

// Filter adds a raw operator filter such as ("age", "gte", 18).
func (q *QueryBuilder) Filter(column, op string, value any) *QueryBuilder {
	q.filters = append(q.filters, filter{column: column, op: op, value: fmt.Sprint(value)})
	return q
}

// Eq adds an equality filter.
func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	return q.Filter(column, "eq", value)
}

// Neq adds a not-equal filter.
func (q *QueryBuilder) Neq(column string, value any) *QueryBuilder {
	return q.Filter(column, "neq", value)
}

// Is adds an IS filter for null, true or false.
func (q *QueryBuilder) Is(column string, value any) *QueryBuilder {
	return q.Filter(column, "is", value)
}

// In adds a membership filter. Values containing reserved characters are
// quoted.
func (q *QueryBuilder) In(column string, values []any) *QueryBuilder {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = quoteListValue(fmt.Sprint(v))
	}
	q.filters = append(q.filters, filter{column: column, op: "in", value: "(" + strings.Join(parts, ",") + ")"})
	return q
}

func quoteListValue(s string) string {
	if !strings.ContainsAny(s, ",()\" ") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// Order adds an ORDER BY term.
func (q *QueryBuilder) Order(column string, ascending bool) *QueryBuilder {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	q.orders = append(q.orders, column+"."+dir)
	return q
}

// Limit caps the number of rows.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

// Returning sets the return mode of writes.
func (q *QueryBuilder) Returning(r Returning) *QueryBuilder {
	q.returning = r
	return q
}

// Minimal makes writes return no rows.
func (q *QueryBuilder) Minimal() *QueryBuilder {
	return q.Returning(ReturnMinimal)
}

// OnConflict sets the conflict target of an upsert.
func (q *QueryBuilder) OnConflict(columns string) *QueryBuilder {
	q.onConflict = columns
	return q
}

// HasFilters reports whether any filter was added.
func (q *QueryBuilder) HasFilters() bool {
	return len(q.filters) > 0
}

func (q *QueryBuilder) endpoint(read bool) string {
	params := url.Values{}
	if read && q.columns != "" {
		params.Set("select", q.columns)
	}
	for _, f := range q.filters {
		params.Add(f.column, f.op+"."+f.value)
	}
	if read && len(q.orders) > 0 {
		params.Set("order", strings.Join(q.orders, ","))
	}
	if read && q.limit > 0 {
		params.Set("limit", strconv.Itoa(q.limit))
	}
	if !read && q.onConflict != "" {
		params.Set("on_conflict", q.onConflict)
	}

	u := q.client.baseURL + "/rest/v1/" + url.PathEscape(q.table)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// Get runs a SELECT.
func (q *QueryBuilder) Get(ctx context.Context) (*Response, error) {
	return q.client.send(ctx, http.MethodGet, q.endpoint(true), nil, "")
}

// Insert inserts one row or a slice of rows.
func (q *QueryBuilder) Insert(ctx context.Context, data any) (*Response, error) {
	return q.client.send(ctx, http.MethodPost, q.endpoint(false), data, "return="+string(q.returning))
}

// Upsert inserts or merges rows on the conflict target (the primary key
// by default).
func (q *QueryBuilder) Upsert(ctx context.Context, data any) (*Response, error) {
	prefer := "resolution=merge-duplicates,return=" + string(q.returning)
	return q.client.send(ctx, http.MethodPost, q.endpoint(false), data, prefer)
}

// Update patches the rows matched by the filters.
func (q *QueryBuilder) Update(ctx context.Context, data any) (*Response, error) {
	return q.client.send(ctx, http.MethodPatch, q.endpoint(false), data, "return="+string(q.returning))
}

// Delete removes the rows matched by the filters.
func (q *QueryBuilder) Delete(ctx context.Context) (*Response, error) {
	return q.client.send(ctx, http.MethodDelete, q.endpoint(false), nil, "return="+string(q.returning))
}

// =============================================================================
// Responses and errors
// =============================================================================

// Response is a raw API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON decodes the body into v. An empty body leaves v untouched.
func (r *Response) JSON(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Err returns an *APIError for non-2xx responses.
func (r *Response) Err() error {
	if r.StatusCode < 400 {
		return nil
	}
	apiErr := &APIError{StatusCode: r.StatusCode}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
		Hint    string `json:"hint"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		apiErr.Details = body.Details
		apiErr.Hint = body.Hint
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(r.StatusCode)
	}
	return apiErr
}

// APIError is a decoded PostgREST error.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
	Hint       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase: status %d: %s", e.StatusCode, e.Message)
}

// PostgreSQL insufficient_privilege, raised by row level security.
const codeInsufficientPrivilege = "42501"

// IsPermissionDenied reports whether err is an authorization failure: a
// row level security violation or an HTTP 401/403.
func IsPermissionDenied(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeInsufficientPrivilege ||
		apiErr.StatusCode == http.StatusUnauthorized ||
		apiErr.StatusCode == http.StatusForbidden
}

// =============================================================================
// Transport
// =============================================================================

type requestIDKey struct{}

// WithRequestID attaches a request ID that is sent as X-Request-ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID returns the request ID carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, prefer string) (*Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return resp, resp.Err()
}

func (c *Client) setHeaders(req *http.Request) {
	token := c.accessToken
	if token == "" {
		token = c.apiKey
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Info", "insight-runtime")
	if c.schema != "" {
		req.Header.Set("Accept-Profile", c.schema)
		req.Header.Set("Content-Profile", c.schema)
	}
	if id := RequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body, Headers: resp.Header}, nil
}
