// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/termrelay/transcript"
)

const (
	// DefaultPersistQueueLimit bounds events waiting for the store.
	DefaultPersistQueueLimit = 10000

	// DefaultPersistTimeout bounds one Append.
	DefaultPersistTimeout = 10 * time.Second
)

// persister submits one session's events to the store in order on its
// own goroutine. enqueue never blocks. When the store falls behind by
// more than limit events the oldest queued event is dropped and
// counted. Append failures are logged and dropped.
type persister struct {
	store     transcript.Store
	sessionID string
	logger    *slog.Logger
	timeout   time.Duration
	limit     int

	mu      sync.Mutex
	queue   []transcript.Event
	closed  bool
	dropped int

	notify chan struct{}
	done   chan struct{}
}

func newPersister(store transcript.Store, sessionID string, logger *slog.Logger, limit int, timeout time.Duration) *persister {
	if limit <= 0 {
		limit = DefaultPersistQueueLimit
	}
	if timeout <= 0 {
		timeout = DefaultPersistTimeout
	}
	p := &persister{
		store:     store,
		sessionID: sessionID,
		logger:    logger,
		timeout:   timeout,
		limit:     limit,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if store == nil {
		p.closed = true
		close(p.done)
		return p
	}
	go p.run()
	return p
}

func (p *persister) enqueue(event transcript.Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.queue) >= p.limit {
		p.queue = p.queue[1:]
		p.dropped++
		if p.dropped == 1 || p.dropped%1000 == 0 {
			p.logger.Warn("transcript store falling behind, dropping oldest queued events",
				"session_id", p.sessionID,
				"dropped", p.dropped,
			)
		}
	}
	p.queue = append(p.queue, event)
	p.mu.Unlock()
	p.wake()
}

// close stops accepting events. Queued events are still submitted;
// Done closes once they have been.
func (p *persister) close() {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()
	if !already {
		p.wake()
	}
}

func (p *persister) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Done is closed after close once the queue has drained.
func (p *persister) Done() <-chan struct{} { return p.done }

func (p *persister) run() {
	defer close(p.done)
	for range p.notify {
		for {
			p.mu.Lock()
			batch := p.queue
			p.queue = nil
			closed := p.closed
			p.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, event := range batch {
				p.submit(event)
			}
		}
	}
}

func (p *persister) submit(event transcript.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.store.Append(ctx, p.sessionID, event); err != nil {
		p.logger.Warn("transcript append failed",
			"session_id", p.sessionID,
			"event_type", string(event.Type),
			"error", err,
		)
	}
}
