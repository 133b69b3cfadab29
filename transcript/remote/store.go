// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote stores transcripts in a PostgREST table, such as one
// hosted by Supabase.
//
// Each event is one row:
//
//	session_id  text
//	event_type  text
//	payload     jsonb        -- the event's JSON form
//	created_at  timestamptz  -- the event's timestamp
//
// Fetches order by created_at. Server-stamped events are
// non-decreasing, but an input event carrying a client-supplied
// timestamp can sort ahead of events recorded before it.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bureau-foundation/termrelay/lib/netutil"
	"github.com/bureau-foundation/termrelay/transcript"
)

// DefaultTable is the table used when Config.Table is empty.
const DefaultTable = "codex_transcripts"

// Config configures a Store.
type Config struct {
	// URL is the project base URL; "/rest/v1/<table>" is appended.
	URL string

	// ServiceKey is sent as both the apikey header and the bearer
	// token.
	ServiceKey string

	Table string

	// Timeout bounds each request when the caller's context has no
	// deadline. Default: 10s.
	Timeout time.Duration

	// HTTPClient defaults to a client with no timeout of its own.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Store is a transcript.Store backed by PostgREST.
type Store struct {
	endpoint   string
	serviceKey string
	timeout    time.Duration
	client     *http.Client
	logger     *slog.Logger
}

var _ transcript.Store = (*Store)(nil)

// row is the table's column layout.
type row struct {
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// New validates config and returns a Store. It performs no I/O.
func New(config Config) (*Store, error) {
	if config.URL == "" || config.ServiceKey == "" {
		return nil, fmt.Errorf("remote transcript store requires a URL and service key")
	}
	base, err := url.Parse(strings.TrimRight(config.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote transcript store: invalid URL %q", config.URL)
	}
	table := config.Table
	if table == "" {
		table = DefaultTable
	}
	store := &Store{
		endpoint:   base.String() + "/rest/v1/" + url.PathEscape(table),
		serviceKey: config.ServiceKey,
		timeout:    config.Timeout,
		client:     config.HTTPClient,
		logger:     config.Logger,
	}
	if store.timeout <= 0 {
		store.timeout = 10 * time.Second
	}
	if store.client == nil {
		store.client = &http.Client{}
	}
	if store.logger == nil {
		store.logger = slog.New(slog.DiscardHandler)
	}
	return store, nil
}

// Append inserts one row.
func (s *Store) Append(ctx context.Context, sessionID string, event transcript.Event) error {
	fail := func(err error) error {
		return &transcript.StorageError{Op: "append", SessionID: sessionID, Err: err}
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fail(fmt.Errorf("encoding event: %w", err))
	}
	body, err := json.Marshal(row{
		SessionID: sessionID,
		EventType: string(event.Type),
		Payload:   payload,
		CreatedAt: event.At,
	})
	if err != nil {
		return fail(fmt.Errorf("encoding row: %w", err))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(err)
	}
	s.authorize(request)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Prefer", "return=minimal")

	response, err := s.client.Do(request)
	if err != nil {
		return fail(err)
	}
	defer response.Body.Close()
	if response.StatusCode/100 != 2 {
		return fail(fmt.Errorf("HTTP %d: %s", response.StatusCode, strings.TrimSpace(netutil.ErrorBody(response.Body))))
	}
	return nil
}

// Transcript fetches every row for sessionID ordered by created_at.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]transcript.Event, error) {
	fail := func(err error) error {
		return &transcript.StorageError{Op: "fetch", SessionID: sessionID, Err: err}
	}
	query := url.Values{}
	query.Set("select", "payload")
	query.Set("session_id", "eq."+sessionID)
	query.Set("order", "created_at.asc")

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fail(err)
	}
	s.authorize(request)
	request.Header.Set("Accept", "application/json")

	response, err := s.client.Do(request)
	if err != nil {
		return nil, fail(err)
	}
	defer response.Body.Close()
	if response.StatusCode/100 != 2 {
		return nil, fail(fmt.Errorf("HTTP %d: %s", response.StatusCode, strings.TrimSpace(netutil.ErrorBody(response.Body))))
	}

	var rows []struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := netutil.DecodeResponse(response.Body, &rows); err != nil {
		return nil, fail(fmt.Errorf("decoding rows: %w", err))
	}
	events := make([]transcript.Event, 0, len(rows))
	for index, row := range rows {
		var event transcript.Event
		if err := json.Unmarshal(row.Payload, &event); err != nil {
			s.logger.Warn("skipping undecodable transcript row",
				"session_id", sessionID,
				"row", index,
				"error", err,
			)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *Store) authorize(request *http.Request) {
	request.Header.Set("apikey", s.serviceKey)
	request.Header.Set("Authorization", "Bearer "+s.serviceKey)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
