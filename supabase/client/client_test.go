package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method string
	path   string
	query  map[string][]string
	header http.Header
	body   string
}

func newTestServer(t *testing.T, status int, respBody string) (*Client, *captured) {
	t.Helper()
	got := &captured{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.Query()
		got.header = r.Header.Clone()
		got.body = string(b)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(server.Close)

	c, err := New(Config{URL: server.URL + "/", APIKey: "anon-key"})
	require.NoError(t, err)
	return c, got
}

func TestNew_RequiresURLAndKey(t *testing.T) {
	_, err := New(Config{APIKey: "k"})
	assert.ErrorIs(t, err, ErrMissingURL)
	_, err = New(Config{URL: "http://localhost"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestQueryBuilder_Get(t *testing.T) {
	c, got := newTestServer(t, http.StatusOK, `[{"id":"1","status":"done"}]`)

	ctx := WithRequestID(context.Background(), "req-7")
	resp, err := c.From("things").
		Select("id,status").
		Eq("status", "done").
		In("id", []any{"1", "a,b"}).
		Order("created_at", false).
		Limit(10).
		Get(ctx)
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, resp.JSON(&rows))
	assert.Equal(t, []map[string]any{{"id": "1", "status": "done"}}, rows)

	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "/rest/v1/things", got.path)
	assert.Equal(t, []string{"id,status"}, got.query["select"])
	assert.Equal(t, []string{"eq.done"}, got.query["status"])
	assert.Equal(t, []string{`in.(1,"a,b")`}, got.query["id"])
	assert.Equal(t, []string{"created_at.desc"}, got.query["order"])
	assert.Equal(t, []string{"10"}, got.query["limit"])
	assert.Equal(t, "anon-key", got.header.Get("apikey"))
	assert.Equal(t, "Bearer anon-key", got.header.Get("Authorization"))
	assert.Equal(t, "req-7", got.header.Get("X-Request-ID"))
}

func TestQueryBuilder_UpsertMinimal(t *testing.T) {
	c, got := newTestServer(t, http.StatusCreated, "")

	resp, err := c.From("user_profiles").OnConflict("id").Minimal().
		Upsert(context.Background(), []map[string]any{{"id": "u1"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var rows []map[string]any
	require.NoError(t, resp.JSON(&rows))
	assert.Nil(t, rows)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "resolution=merge-duplicates,return=minimal", got.header.Get("Prefer"))
	assert.Equal(t, []string{"id"}, got.query["on_conflict"])
	assert.JSONEq(t, `[{"id":"u1"}]`, got.body)
}

func TestQueryBuilder_UpdateAndDelete(t *testing.T) {
	c, got := newTestServer(t, http.StatusOK, `[]`)

	_, err := c.From("things").Eq("id", "1").Update(context.Background(), map[string]any{"status": "done"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, got.method)
	assert.Equal(t, "return=representation", got.header.Get("Prefer"))
	assert.Equal(t, []string{"eq.1"}, got.query["id"])

	q := c.From("things").Is("deleted_at", "null")
	assert.True(t, q.HasFilters())
	_, err = q.Delete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, got.method)
	assert.Equal(t, []string{"is.null"}, got.query["deleted_at"])
}

func TestResponse_ErrDecodesPostgrestError(t *testing.T) {
	body, _ := json.Marshal(map[string]string{
		"code":    "42501",
		"message": `new row violates row-level security policy for table "things"`,
	})
	c, _ := newTestServer(t, http.StatusForbidden, string(body))

	resp, err := c.From("things").Insert(context.Background(), map[string]any{"id": "1"})
	require.Error(t, err)
	require.NotNil(t, resp)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "42501", apiErr.Code)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.True(t, IsPermissionDenied(err))
	assert.Contains(t, err.Error(), "row-level security")
}

func TestIsPermissionDenied(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rls code", &APIError{StatusCode: 400, Code: "42501"}, true},
		{"unauthorized", &APIError{StatusCode: 401}, true},
		{"forbidden", &APIError{StatusCode: 403}, true},
		{"conflict", &APIError{StatusCode: 409, Code: "23505"}, false},
		{"other", io.EOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermissionDenied(tt.err))
		})
	}
}

func TestClient_AccessTokenAndSchema(t *testing.T) {
	var auth, profile string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		profile = r.Header.Get("Accept-Profile")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c, err := New(Config{URL: server.URL, APIKey: "anon", AccessToken: "user-jwt", Schema: "insights"})
	require.NoError(t, err)
	_, err = c.From("t").Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer user-jwt", auth)
	assert.Equal(t, "insights", profile)
}

func TestClient_ResilientTransportRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"1"}]`))
	}))
	defer server.Close()

	retry := RetryConfig{
		MaxRetries:           2,
		InitialBackoff:       time.Millisecond,
		BackoffMultiplier:    2,
		RetryableStatusCodes: []int{http.StatusServiceUnavailable},
	}
	c, err := New(Config{URL: server.URL, APIKey: "anon", Retry: &retry})
	require.NoError(t, err)
	require.NotNil(t, c.Resilience())

	_, err = c.From("t").Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(1), c.Resilience().Stats().Retried)
}
