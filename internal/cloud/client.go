package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Client defaults.
const (
	DefaultBaseURL   = "https://dkncloudna.com"
	DefaultAPIPrefix = "/api/v1"
	DefaultRegion    = "dknUsa"
	DefaultUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 15_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148"
	DefaultTimeout   = 15 * time.Second
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 4 << 20

// Result is the outcome of one vendor API call that reached the server.
// OK follows the HTTP status. Value holds the decoded JSON body; when
// the body is not JSON, Text holds it verbatim instead.
type Result[T any] struct {
	OK     bool
	Status int
	Value  T
	Text   string
	Err    error
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL    string
	APIPrefix  string
	Region     string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
	NetLog     *NetLog
}

// Client wraps the vendor HTTP API. Besides the bearer token it holds
// no session state; the Manager decides when tokens change.
type Client struct {
	opts   ClientOptions
	http   *http.Client
	netlog *NetLog

	mu     sync.RWMutex
	tokens Tokens
}

// NewClient creates a Client, filling unset options with defaults.
func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.APIPrefix == "" {
		opts.APIPrefix = DefaultAPIPrefix
	}
	if opts.Region == "" {
		opts.Region = DefaultRegion
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{opts: opts, http: hc, netlog: opts.NetLog}
}

// Region returns the vendor region the client addresses.
func (c *Client) Region() string { return c.opts.Region }

// UserAgent returns the user agent sent with every request.
func (c *Client) UserAgent() string { return c.opts.UserAgent }

// BaseURL returns the vendor base URL including the API prefix.
func (c *Client) BaseURL() string { return c.opts.BaseURL + c.opts.APIPrefix }

// Tokens returns the token pair currently held.
func (c *Client) Tokens() Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// SetTokens replaces the held token pair.
func (c *Client) SetTokens(t Tokens) {
	c.mu.Lock()
	c.tokens = t
	c.mu.Unlock()
}

// Login performs a full email/password login.
func (c *Client) Login(ctx context.Context, email, password string) (Result[Login], error) {
	body := LoginRequest{Email: email, Password: password}
	return request[Login](ctx, c, http.MethodPost, "/auth/login/"+c.opts.Region, body, false)
}

// IsLoggedIn probes whether the held access token is still valid.
func (c *Client) IsLoggedIn(ctx context.Context) (Result[Login], error) {
	return request[Login](ctx, c, http.MethodGet, "/users/isLoggedIn/"+c.opts.Region, nil, true)
}

// RefreshToken exchanges the held refresh token for a new pair.
// Without a refresh token no request is made.
func (c *Client) RefreshToken(ctx context.Context) (Result[Tokens], error) {
	rt := c.Tokens().RefreshToken
	if rt == "" {
		return Result[Tokens]{Err: ErrMissingRefreshToken}, nil
	}
	return request[Tokens](ctx, c, http.MethodGet, "/auth/refreshToken/"+rt+"/"+c.opts.Region, nil, false)
}

// Installations lists the account's installations with their devices.
func (c *Client) Installations(ctx context.Context) (Result[[]Installation], error) {
	return request[[]Installation](ctx, c, http.MethodGet, "/installations/"+c.opts.Region, nil, true)
}

// request performs one API call. The returned error is non-nil only for
// transport faults; HTTP failures are reported through the Result.
func request[T any](ctx context.Context, c *Client, method, path string, body any, auth bool) (Result[T], error) {
	var res Result[T]
	url := c.BaseURL() + path

	var reader io.Reader
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return res, fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return res, fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if auth {
		if token := c.Tokens().Token; token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	if payload != nil {
		c.netlog.Send("http", method+" "+url, maskSecrets(payload))
	} else {
		c.netlog.Send("http", method+" "+url, nil)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.netlog.Error("http", method+" "+url, err)
		return res, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.netlog.Error("http", method+" "+url, err)
		return res, fmt.Errorf("reading %s %s response: %w", method, path, err)
	}

	res.Status = resp.StatusCode
	res.OK = resp.StatusCode >= 200 && resp.StatusCode < 300
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &res.Value); err != nil {
			res.Text = string(raw)
		}
	}
	if !res.OK {
		res.Err = &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	c.netlog.Receive("http", resp.Status+" "+method+" "+url, raw)
	return res, nil
}

// maskSecrets returns the JSON body with every "password" string value
// replaced by a mask of the same length, at any depth.
func maskSecrets(payload []byte) string {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	masked, err := json.Marshal(maskValue(v))
	if err != nil {
		return string(payload)
	}
	return string(masked)
}

func maskValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && k == "password" {
				t[k] = strings.Repeat("*", utf8.RuneCountInString(s))
				continue
			}
			t[k] = maskValue(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = maskValue(t[i])
		}
		return t
	default:
		return v
	}
}
