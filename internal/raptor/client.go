// Package raptor is a small client for the Raptor identity provider: login,
// profile lookup, token management and permission checks.
package raptor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const DefaultTimeout = 10 * time.Second

// API is the identity-provider surface used by the gateway.
type API interface {
	// Login authenticates with the configured token or username/password
	// and returns the caller's profile.
	Login(ctx context.Context) (*User, error)
	// User returns the profile cached by the last successful Login.
	User() *User
	Me(ctx context.Context) (*User, error)
	ListTokens(ctx context.Context) ([]Token, error)
	CreateToken(ctx context.Context, t Token) (*Token, error)
	IsAuthorized(ctx context.Context, c Check) (bool, error)
	Config() Config
}

// Config selects the endpoint and credentials of a client.
// Token takes precedence over Username/Password.
type Config struct {
	URL      string
	Username string
	Password string
	Token    string
	Timeout  time.Duration
}

// Factory builds an API for a configuration.
type Factory func(Config) API

// Client talks JSON over HTTP to the Raptor API.
type Client struct {
	conf Config
	hc   *http.Client

	mu    sync.RWMutex
	token string
	user  *User
}

// New returns a Client. A zero Timeout selects DefaultTimeout.
func New(c Config) *Client {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	c.URL = strings.TrimRight(c.URL, "/")

	return &Client{
		conf:  c,
		hc:    &http.Client{Timeout: c.Timeout},
		token: c.Token,
	}
}

// NewAPI is a Factory backed by New.
func NewAPI(c Config) API {
	return New(c)
}

func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conf := c.conf
	conf.Token = c.token
	return conf
}

func (c *Client) User() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
	User    *User  `json:"user"`
}

var errNoCredentials = errors.New("raptor: no token or username/password configured")

func (c *Client) Login(ctx context.Context) (*User, error) {
	if c.conf.Token != "" {
		u, err := c.Me(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.user = u
		c.mu.Unlock()
		return u, nil
	}

	if c.conf.Username == "" || c.conf.Password == "" {
		return nil, errNoCredentials
	}

	var res loginResponse
	req := loginRequest{Username: c.conf.Username, Password: c.conf.Password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", &req, &res); err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, errors.New("raptor: login response without token")
	}

	u := res.User
	if u == nil {
		c.mu.Lock()
		c.token = res.Token
		c.mu.Unlock()

		var err error
		if u, err = c.Me(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.token, c.user = res.Token, u
	c.mu.Unlock()
	return u, nil
}

func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListTokens returns the tokens owned by the logged in user. Both a plain
// array and a page object are accepted as response.
func (c *Client) ListTokens(ctx context.Context) ([]Token, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/token", nil, &raw); err != nil {
		return nil, err
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '[' {
		var ts []Token
		if err := json.Unmarshal(raw, &ts); err != nil {
			return nil, err
		}
		return ts, nil
	}

	var page struct {
		Content []Token `json:"content"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, err
	}
	return page.Content, nil
}

func (c *Client) CreateToken(ctx context.Context, t Token) (*Token, error) {
	var res Token
	if err := c.do(ctx, http.MethodPost, "/token", &t, &res); err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, errors.New("raptor: created token has no value")
	}
	return &res, nil
}

type checkResponse struct {
	Result bool `json:"result"`
}

func (c *Client) IsAuthorized(ctx context.Context, chk Check) (bool, error) {
	var res checkResponse
	if err := c.do(ctx, http.MethodPost, "/auth/check", &chk, &res); err != nil {
		return false, err
	}
	return res.Result, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.conf.URL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return newStatusError(res)
	}

	if out == nil {
		_, err = io.Copy(io.Discard, res.Body)
		return err
	}
	return json.NewDecoder(res.Body).Decode(out)
}
