// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "github.com/bureau-foundation/termrelay/transcript"

// DefaultHistoryLimit bounds a session's replay history.
const DefaultHistoryLimit = 2000

// entry pairs an event with its encoded frame so replay does not
// re-encode.
type entry struct {
	event transcript.Event
	frame []byte
}

// history is a fixed-capacity FIFO ring. When full, appending evicts
// the oldest entry. Not safe for concurrent use; the session lock
// guards it.
type history struct {
	entries []entry
	start   int
	count   int
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{entries: make([]entry, limit)}
}

func (h *history) append(item entry) {
	capacity := len(h.entries)
	if h.count < capacity {
		h.entries[(h.start+h.count)%capacity] = item
		h.count++
		return
	}
	h.entries[h.start] = item
	h.start = (h.start + 1) % capacity
}

// each calls fn for every entry, oldest first.
func (h *history) each(fn func(entry)) {
	capacity := len(h.entries)
	for index := range h.count {
		fn(h.entries[(h.start+index)%capacity])
	}
}

func (h *history) len() int { return h.count }

func (h *history) events() []transcript.Event {
	events := make([]transcript.Event, 0, h.count)
	h.each(func(item entry) { events = append(events, item.event) })
	return events
}
