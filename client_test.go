package tablepoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// fakeTableAPI serves the token endpoint and the table endpoint and records
// every call in order.
type fakeTableAPI struct {
	mu     sync.Mutex
	events []string
	tokens int

	// failGrants makes the token endpoint fail every grant after the first.
	failGrants bool

	// table answers the n-th table request, starting at 1.
	table func(n int, w http.ResponseWriter, r *http.Request)
	calls int
}

func (f *fakeTableAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/oauth_token.do":
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		grant := r.PostForm.Get("grant_type")
		f.events = append(f.events, "token:"+grant)
		if f.failGrants && f.tokens > 0 {
			http.Error(w, `{"error":"server_error"}`, http.StatusInternalServerError)
			return
		}
		f.tokens++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","refresh_token":"refresh-%d","token_type":"Bearer","expires_in":1800}`, f.tokens, f.tokens)
	case r.URL.Path == "/api/now/table/incident":
		f.calls++
		f.events = append(f.events, "table:"+r.Header.Get("Authorization"))
		f.table(f.calls, w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeTableAPI) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeTableAPI) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func respondRows(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, body)
}

func newTestClient(t *testing.T, api *fakeTableAPI, maxRetries int) *Client {
	t.Helper()

	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig()
	cfg.BaseURI = srv.URL + "/"
	cfg.Credentials = Credentials{ClientID: "cid", ClientSecret: "secret", Username: "user", Password: "pass"}
	cfg.MaxRetries = maxRetries
	cfg.RetryBackoff = 0

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewClient(context.Background(), cfg, WithLogger(logger))
	if err != nil {
		t.Fatalf("NewClient(): %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestClient_Fetch(t *testing.T) {
	var query map[string][]string
	api := &fakeTableAPI{table: func(n int, w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q, want application/json", got)
		}
		respondRows(w, `{"result":[{"sys_id":"a","sys_updated_on":"2023-01-01 10:00:00"},{"sys_id":"b","sys_updated_on":"2023-01-01 10:00:01"}]}`)
	}}
	c := newTestClient(t, api, 3)

	filter := NewFilter().WhereIsNotEmpty("sys_id").OrderByAsc("sys_updated_on")
	rows, err := c.Fetch(context.Background(), FetchRequest{
		Table:                "/incident",
		Query:                filter,
		Offset:               0,
		Limit:                20,
		Fields:               []string{"sys_id", "sys_updated_on"},
		ExcludeReferenceLink: true,
	})
	if err != nil {
		t.Fatalf("Fetch(): %v", err)
	}

	var ids []string
	for _, r := range rows {
		id, _ := r.GetString("sys_id")
		ids = append(ids, id)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Errorf("Fetch() rows: (-want, +got)\n%s", diff)
	}

	wantQuery := map[string][]string{
		"sysparm_exclude_reference_link": {"true"},
		"sysparm_offset":                 {"0"},
		"sysparm_limit":                  {"20"},
		"sysparm_query":                  {"sys_idISNOTEMPTY^ORDERBYsys_updated_on"},
		"sysparm_fields":                 {"sys_id,sys_updated_on"},
	}
	if diff := cmp.Diff(wantQuery, query); diff != "" {
		t.Errorf("query parameters: (-want, +got)\n%s", diff)
	}
	if diff := cmp.Diff([]string{"token:password", "table:Bearer tok-1"}, api.Events()); diff != "" {
		t.Errorf("events: (-want, +got)\n%s", diff)
	}
}

func TestClient_FetchEmptyResult(t *testing.T) {
	api := &fakeTableAPI{table: func(n int, w http.ResponseWriter, r *http.Request) {
		respondRows(w, `{"result":[]}`)
	}}
	c := newTestClient(t, api, 1)

	rows, err := c.Fetch(context.Background(), FetchRequest{Table: "incident", Limit: 20})
	if err != nil {
		t.Fatal(err)
	}
	if rows == nil || len(rows) != 0 {
		t.Errorf("Fetch() = %v, want an empty non-nil slice", rows)
	}
}

func TestClient_FetchRetryExhausted(t *testing.T) {
	api := &fakeTableAPI{table: func(n int, w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}}
	c := newTestClient(t, api, 3)

	_, err := c.Fetch(context.Background(), FetchRequest{Table: "incident", Limit: 20})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Fetch() = %v, want %v", err, ErrRetryExhausted)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Fetch() = %v, want a wrapped 503", err)
	}
	if got := api.Calls(); got != 3 {
		t.Errorf("table requests = %d, want 3", got)
	}
}

func TestClient_FetchRetriesInvalidBody(t *testing.T) {
	api := &fakeTableAPI{table: func(n int, w http.ResponseWriter, r *http.Request) {
		switch n {
		case 1:
			respondRows(w, `{"error":"no result"}`)
		case 2:
			respondRows(w, `{"result":{"sys_id":"a"}}`)
		case 3:
			respondRows(w, `not json`)
		default:
			respondRows(w, `{"result":[{"sys_id":"a"}]}`)
		}
	}}
	c := newTestClient(t, api, UnboundedRetries)

	rows, err := c.Fetch(context.Background(), FetchRequest{Table: "incident", Limit: 20})
	if err != nil {
		t.Fatalf("Fetch(): %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("Fetch() = %d rows, want 1", len(rows))
	}
	if got := api.Calls(); got != 4 {
		t.Errorf("table requests = %d, want 4", got)
	}
}

func TestClient_FetchRefreshesTokenOn401(t *testing.T) {
	api := &fakeTableAPI{table: func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		respondRows(w, `{"result":[]}`)
	}}
	c := newTestClient(t, api, 3)

	if _, err := c.Fetch(context.Background(), FetchRequest{Table: "incident", Limit: 20}); err != nil {
		t.Fatalf("Fetch(): %v", err)
	}

	want := []string{
		"token:password",
		"table:Bearer tok-1",
		"token:refresh_token",
		"table:Bearer tok-2",
	}
	if diff := cmp.Diff(want, api.Events()); diff != "" {
		t.Errorf("events: (-want, +got)\n%s", diff)
	}
}

func TestClient_FetchRefreshFailureIsNotFatal(t *testing.T) {
	api := &fakeTableAPI{
		failGrants: true,
		table: func(n int, w http.ResponseWriter, r *http.Request) {
			http.Error(w, "expired", http.StatusUnauthorized)
		},
	}
	c := newTestClient(t, api, 2)

	_, err := c.Fetch(context.Background(), FetchRequest{Table: "incident", Limit: 20})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Fetch() = %v, want %v", err, ErrRetryExhausted)
	}

	want := []string{
		"token:password",
		"table:Bearer tok-1",
		"token:refresh_token",
		"token:password",
		"table:Bearer tok-1",
		"token:refresh_token",
		"token:password",
	}
	if diff := cmp.Diff(want, api.Events()); diff != "" {
		t.Errorf("events: (-want, +got)\n%s", diff)
	}
	if got := c.Session().AccessToken(); got != "tok-1" {
		t.Errorf("AccessToken() = %q, want the previous token", got)
	}
}

func TestClient_FetchCanceledDuringBackoff(t *testing.T) {
	api := &fakeTableAPI{table: func(n int, w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}}
	c := newTestClient(t, api, UnboundedRetries)
	c.cfg.RetryBackoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, FetchRequest{Table: "incident", Limit: 20})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch() = %v, want %v", err, context.DeadlineExceeded)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Fetch() = %v, want no %v on cancellation", err, ErrRetryExhausted)
	}
}

func TestNewClient_LoginFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"access_denied"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := DefaultClientConfig()
	cfg.BaseURI = srv.URL
	cfg.Credentials = Credentials{ClientID: "cid", ClientSecret: "secret", Username: "user", Password: "wrong"}

	if _, err := NewClient(context.Background(), cfg); err == nil {
		t.Error("NewClient() with rejected credentials succeeded, want error")
	}
}

func TestClientConfig_Validate(t *testing.T) {
	valid := DefaultClientConfig()
	valid.BaseURI = "https://example.service-now.com"
	valid.Credentials = Credentials{ClientID: "cid", ClientSecret: "secret", Username: "user", Password: "pass"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	tests := []struct {
		name   string
		modify func(*ClientConfig)
	}{
		{"missing base uri", func(c *ClientConfig) { c.BaseURI = "" }},
		{"missing password", func(c *ClientConfig) { c.Credentials.Password = " " }},
		{"zero retries", func(c *ClientConfig) { c.MaxRetries = 0 }},
		{"negative retries", func(c *ClientConfig) { c.MaxRetries = -2 }},
		{"negative backoff", func(c *ClientConfig) { c.RetryBackoff = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.modify(&c)
			if err := c.Validate(); !errors.Is(err, ErrConfiguration) {
				t.Errorf("Validate() = %v, want %v", err, ErrConfiguration)
			}
		})
	}
}
