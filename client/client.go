// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package client talks to a termrelay server: the /api routes over
// HTTP and the viewer protocol over WebSocket.
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
	"strings"
	"time"

	"github.com/bureau-foundation/termrelay/lib/netutil"
	"github.com/bureau-foundation/termrelay/session"
	"github.com/bureau-foundation/termrelay/transcript"
)

// DefaultTimeout bounds each HTTP request when no client is supplied.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Health is the server's health report.
type Health struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// Created describes a newly created session.
type Created struct {
	SessionID    string                 `json:"sessionId"`
	RepoPath     string                 `json:"repoPath"`
	CreatedAt    time.Time              `json:"createdAt"`
	ApprovalMode string                 `json:"approvalMode,omitempty"`
	Model        string                 `json:"model,omitempty"`
	Command      session.CommandSummary `json:"command"`
}

// Client is a termrelay API client. It is safe for concurrent use.
type Client struct {
	base       *url.URL
	httpClient *http.Client
}

// New returns a Client for the server at baseURL, e.g.
// "http://localhost:3000". A nil httpClient uses one with
// DefaultTimeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server URL %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("server URL %q: scheme must be http or https", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("server URL %q has no host", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{base: parsed, httpClient: httpClient}, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &health)
	return health, err
}

// ListSessions returns every session the server holds, oldest first.
func (c *Client) ListSessions(ctx context.Context) ([]session.Summary, error) {
	var response struct {
		Sessions []session.Summary `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &response); err != nil {
		return nil, err
	}
	return response.Sessions, nil
}

// CreateSession starts a session.
func (c *Client) CreateSession(ctx context.Context, request session.Request) (Created, error) {
	var created Created
	err := c.do(ctx, http.MethodPost, "/api/sessions", request, &created)
	return created, err
}

// GetSession returns one session.
func (c *Client) GetSession(ctx context.Context, id string) (session.Summary, error) {
	var summary session.Summary
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &summary)
	return summary, err
}

// CloseSession closes a session. signal, when non-empty, names the
// signal sent to a still-running program instead of SIGTERM.
func (c *Client) CloseSession(ctx context.Context, id, signal string) error {
	path := "/api/sessions/" + url.PathEscape(id)
	if signal != "" {
		path += "?signal=" + url.QueryEscape(signal)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Resize changes a session's terminal size.
func (c *Client) Resize(ctx context.Context, id string, columns, rows int) error {
	body := struct {
		Columns int `json:"columns"`
		Rows    int `json:"rows"`
	}{columns, rows}
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/resize", body, nil)
}

// Transcript returns a session's stored transcript in append order.
func (c *Client) Transcript(ctx context.Context, id string) ([]transcript.Event, error) {
	var response struct {
		Events []transcript.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/transcript", nil, &response); err != nil {
		return nil, err
	}
	return response.Events, nil
}

// ListTranscripts returns the ids of sessions with stored transcripts,
// newest first, when the server's backend supports listing.
func (c *Client) ListTranscripts(ctx context.Context) ([]string, error) {
	var response struct {
		SessionIDs []string `json:"sessionIds"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/transcripts", nil, &response); err != nil {
		return nil, err
	}
	return response.SessionIDs, nil
}

// do sends a JSON request and decodes a JSON response into result
// when result is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return responseError(response)
	}
	if result == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := netutil.DecodeResponse(response.Body, result); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

// responseError builds an APIError from an {"error": ...} body, falling
// back to the raw body text.
func responseError(response *http.Response) error {
	raw, _ := netutil.ReadResponse(response.Body)
	var body netutil.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return &APIError{StatusCode: response.StatusCode, Message: body.Error}
	}
	return &APIError{StatusCode: response.StatusCode, Message: strings.TrimSpace(string(raw))}
}
