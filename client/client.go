// Package client is a Go client for the CodeIt server: REST calls for
// accounts and rooms, and a streaming terminal over a websocket connection.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to one CodeIt server. REST calls retry transient failures;
// the terminal channel does not.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL string
	wsURL   string
	token   string

	waitInterval             time.Duration
	customizeRetryableClient func(r *retryablehttp.Client)
}

type Option func(c *Client)

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func New(log *zap.SugaredLogger, host string, port int, opts ...Option) *Client {
	c := &Client{
		Logger:       log.Named("codeit_client"),
		baseURL:      fmt.Sprintf("http://%s:%d", host, port),
		wsURL:        fmt.Sprintf("ws://%s:%d", host, port),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 5
	retryClient.RetryWaitMin = 10 * time.Millisecond
	retryClient.RetryWaitMax = 100 * time.Millisecond
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()
	return c
}

// Token returns the token acquired by Signup or Login.
func (c *Client) Token() string {
	return c.token
}

// WaitForServer polls the health endpoint until the server responds or the
// context expires.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.Healthz(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

func (c *Client) Healthz(ctx context.Context) error {
	var resp map[string]string
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, &resp)
}

// Signup registers an account and stores the returned token on the client.
func (c *Client) Signup(ctx context.Context, username, password string) error {
	return c.acquireToken(ctx, "/auth/signup", username, password)
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.acquireToken(ctx, "/auth/login", username, password)
}

func (c *Client) acquireToken(ctx context.Context, path, username, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	req := map[string]string{"username": username, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

// CreateRoom registers a room with the given credential.
func (c *Client) CreateRoom(ctx context.Context, name, password string) error {
	req := map[string]string{"roomName": name, "password": password}
	return c.doJSON(ctx, http.MethodPost, "/rooms", req, nil)
}

// RoomExists reports whether the named room is registered.
func (c *Client) RoomExists(ctx context.Context, name string) (bool, error) {
	var resp struct {
		Exists bool `json:"exists"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/rooms/"+name+"/exists", nil, &resp)
	return resp.Exists, err
}

// RunResult is the outcome of a one-shot run.
type RunResult struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
}

// RunOnce executes code to completion via the buffered run endpoint.
func (c *Client) RunOnce(ctx context.Context, code, filename string) (*RunResult, error) {
	req := map[string]string{"code": code, "filename": filename}
	var res RunResult
	if err := c.doJSON(ctx, http.MethodPost, "/run", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(httpResp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, errResp.Error, httpResp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, httpResp.StatusCode)
	}
	if respBody != nil {
		if err := json.NewDecoder(httpResp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
