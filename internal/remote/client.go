// Package remote is the HTTP transport between a device and the
// reconciliation endpoint.
//
// Every failure maps onto the wire error taxonomy: the server's error body
// when it sent one, the status code otherwise. Network failures are left
// as plain errors, which the sync coordinator treats as transient.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

// maxErrorBody bounds how much of a non-JSON error body is kept.
const maxErrorBody = 512

// Client talks to one server. Requests carry no deadline of their own; the
// caller's context bounds them.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse base url: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Pull fetches records changed since req.Since.
func (c *Client) Pull(ctx context.Context, token string, req wire.PullRequest) (wire.PullResponse, error) {
	var resp wire.PullResponse
	err := c.do(ctx, http.MethodGet, c.endpoint(req.Query(), "sync", "workouts"), token, nil, &resp)
	if err != nil {
		return wire.PullResponse{}, fmt.Errorf("pull: %w", err)
	}
	return resp, nil
}

// PushWorkout submits a finished session.
func (c *Client) PushWorkout(ctx context.Context, token string, req wire.CompleteRequest) (wire.CompleteResponse, error) {
	module := req.Workout.Module
	if module == "" {
		module = workout.DefaultModule
	}
	var resp wire.CompleteResponse
	err := c.do(ctx, http.MethodPost, c.endpoint(nil, "workouts", module, "complete"), token, req, &resp)
	if err != nil {
		return wire.CompleteResponse{}, fmt.Errorf("push workout %s: %w", req.Workout.ID, err)
	}
	return resp, nil
}

// PushTemplate creates (POST) or updates (PUT) a template.
func (c *Client) PushTemplate(ctx context.Context, token string, t workout.Template, create bool) (wire.TemplateResponse, error) {
	module := t.Module
	if module == "" {
		module = workout.DefaultModule
	}
	method, target := http.MethodPut, c.endpoint(nil, "templates", module, t.ID)
	if create {
		method, target = http.MethodPost, c.endpoint(nil, "templates", module)
	}
	var resp wire.TemplateResponse
	if err := c.do(ctx, method, target, token, t, &resp); err != nil {
		return wire.TemplateResponse{}, fmt.Errorf("push template %s: %w", t.ID, err)
	}
	return resp, nil
}

// DeleteWorkout tombstones a session on the server.
func (c *Client) DeleteWorkout(ctx context.Context, token, module, id string) (wire.CompleteResponse, error) {
	var resp wire.CompleteResponse
	if err := c.do(ctx, http.MethodDelete, c.endpoint(nil, "workouts", module, id), token, nil, &resp); err != nil {
		return wire.CompleteResponse{}, fmt.Errorf("delete workout %s: %w", id, err)
	}
	return resp, nil
}

// Templates lists the caller's templates for module.
func (c *Client) Templates(ctx context.Context, token, module string) ([]workout.Template, error) {
	var resp wire.TemplateList
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "templates", module), token, nil, &resp); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return resp.Templates, nil
}

func (c *Client) endpoint(q url.Values, segments ...string) string {
	u := *c.base
	u.Path = u.Path + "/" + strings.Join(escapeAll(segments), "/")
	u.RawPath = ""
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func escapeAll(segments []string) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = url.PathEscape(s)
	}
	return out
}

func (c *Client) do(ctx context.Context, method, target, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.logger.Debug("http request",
		"method", method,
		"url", target,
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
	)

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError prefers the server's error body and falls back to the status.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body wire.ErrorBody
	if json.Unmarshal(data, &body) == nil && body.Error != nil && body.Error.Code != "" {
		body.Error.Status = resp.StatusCode
		return body.Error
	}

	msg := strings.TrimSpace(string(data))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return wire.FromStatus(resp.StatusCode, msg)
}
