package tablepoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Fetcher retrieves one page of rows of a table.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) ([]Row, error)
}

// FetchRequest is a single page request against the Table API.
type FetchRequest struct {
	Table  string
	Query  Filter
	Offset int
	Limit  int

	// Fields restricts the returned fields. Nil returns every field.
	Fields []string

	ExcludeReferenceLink bool
}

// UnboundedRetries lets a request be attempted until it succeeds.
const UnboundedRetries = -1

const (
	defaultTableAPIPath = "/api/now/table"
	defaultOAuthPath    = "/oauth_token.do"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURI      string
	TableAPIPath string
	OAuthPath    string

	Credentials Credentials

	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	CallTimeout        time.Duration
	MaxIdleConnections int
	KeepAlive          time.Duration

	// MaxRetries is the total number of attempts of a request, or
	// UnboundedRetries.
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultClientConfig returns a ClientConfig with every setting but the
// endpoint and credentials filled in.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		TableAPIPath:       defaultTableAPIPath,
		OAuthPath:          defaultOAuthPath,
		ConnectTimeout:     30 * time.Second,
		ReadTimeout:        30 * time.Second,
		CallTimeout:        30 * time.Second,
		MaxIdleConnections: 2,
		KeepAlive:          60 * time.Second,
		MaxRetries:         UnboundedRetries,
		RetryBackoff:       30 * time.Second,
	}
}

// Validate reports the first missing or invalid setting.
func (c ClientConfig) Validate() error {
	required := []struct {
		setting string
		value   string
	}{
		{"baseURI", c.BaseURI},
		{"clientId", c.Credentials.ClientID},
		{"clientSecret", c.Credentials.ClientSecret},
		{"username", c.Credentials.Username},
		{"password", c.Credentials.Password},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ConfigurationError{Setting: r.setting, Message: "must not be empty"}
		}
	}
	if _, err := url.Parse(c.BaseURI); err != nil {
		return &ConfigurationError{Setting: "baseURI", Message: err.Error()}
	}
	if c.MaxRetries == 0 || c.MaxRetries < UnboundedRetries {
		return &ConfigurationError{Setting: "maxRetries", Message: "must be positive or -1 for unbounded"}
	}
	durations := []struct {
		setting string
		value   time.Duration
	}{
		{"connectTimeout", c.ConnectTimeout},
		{"readTimeout", c.ReadTimeout},
		{"callTimeout", c.CallTimeout},
		{"keepAlive", c.KeepAlive},
		{"retryBackoff", c.RetryBackoff},
	}
	for _, d := range durations {
		if d.value < 0 {
			return &ConfigurationError{Setting: d.setting, Message: "must not be negative"}
		}
	}
	if c.MaxIdleConnections < 0 {
		return &ConfigurationError{Setting: "maxIdleConnections", Message: "must not be negative"}
	}
	return nil
}

// Client is a Table API client that retries failed requests with a fixed
// backoff and refreshes its token when the server answers 401.
//
// A Client is shared by every partition of a task.
type Client struct {
	cfg        ClientConfig
	baseURI    string
	httpClient *http.Client
	transport  *http.Transport
	session    *AuthSession
	logger     *slog.Logger
	metrics    *Metrics
}

// Assert that Client implements Fetcher.
var _ Fetcher = (*Client)(nil)

// NewClient creates a Client and acquires its first token.
func NewClient(ctx context.Context, cfg ClientConfig, options ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TableAPIPath == "" {
		cfg.TableAPIPath = defaultTableAPIPath
	}
	if cfg.OAuthPath == "" {
		cfg.OAuthPath = defaultOAuthPath
	}
	o := newConfig(options...)

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConnections,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnections,
		IdleConnTimeout:       cfg.KeepAlive,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.CallTimeout,
	}

	baseURI := strings.TrimRight(cfg.BaseURI, "/")
	c := &Client{
		cfg:        cfg,
		baseURI:    baseURI,
		httpClient: httpClient,
		transport:  transport,
		session:    newAuthSession(baseURI+cfg.OAuthPath, cfg.Credentials, httpClient, o.logger, o.metrics),
		logger:     o.logger,
		metrics:    o.metrics,
	}
	if err := c.session.Login(ctx); err != nil {
		transport.CloseIdleConnections()
		return nil, err
	}
	return c, nil
}

// Session returns the authentication session of c.
func (c *Client) Session() *AuthSession {
	return c.session
}

// Close releases idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Fetch requests one page of rows. It returns a non-nil slice on success and
// an error wrapping ErrRetryExhausted when every allowed attempt failed.
//
// ctx bounds both the requests and the backoff waits.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) ([]Row, error) {
	u := c.tableURL(req)

	var b backoff.BackOff = backoff.NewConstantBackOff(c.cfg.RetryBackoff)
	if c.cfg.MaxRetries != UnboundedRetries {
		b = backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries-1))
	}
	b = backoff.WithContext(b, ctx)

	attempts := 0
	op := func() ([]Row, error) {
		attempts++
		rows, err := c.do(ctx, req.Table, u)
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			c.logger.InfoContext(ctx, "received 401, refreshing access token", slog.String("table", req.Table))
			c.session.Refresh(ctx)
		}
		return rows, err
	}
	notify := func(err error, wait time.Duration) {
		attrs := []any{
			slog.String("table", req.Table),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		}
		if c.cfg.MaxRetries != UnboundedRetries {
			attrs = append(attrs, slog.Int("remaining", c.cfg.MaxRetries-attempts))
		}
		c.logger.ErrorContext(ctx, "request failed, retrying", attrs...)
	}

	rows, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: table %q after %d attempts: %w", ErrRetryExhausted, req.Table, attempts, err)
	}
	return rows, nil
}

func (c *Client) tableURL(req FetchRequest) string {
	q := url.Values{}
	q.Set("sysparm_exclude_reference_link", strconv.FormatBool(req.ExcludeReferenceLink))
	q.Set("sysparm_offset", strconv.Itoa(req.Offset))
	q.Set("sysparm_limit", strconv.Itoa(req.Limit))
	q.Set("sysparm_query", req.Query.String())
	if req.Fields != nil {
		q.Set("sysparm_fields", strings.Join(req.Fields, ","))
	}
	return c.baseURI + c.cfg.TableAPIPath + "/" + strings.TrimLeft(req.Table, "/") + "?" + q.Encode()
}

const maxErrorBody = 4096

func (c *Client) do(ctx context.Context, table, u string) (rows []Row, err error) {
	start := time.Now()
	defer func() {
		c.metrics.observeRequest(table, time.Since(start).Seconds(), err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.session.AccessToken())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var page struct {
		Result *[]Row `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidResponse, err)
	}
	if page.Result == nil {
		return nil, fmt.Errorf("%w: no result array", errInvalidResponse)
	}
	return *page.Result, nil
}
