// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source used by termrelay.
//
// Anything that stamps events, schedules deferred work, or runs a
// keepalive takes a [Clock] instead of calling the time package. The
// server wires [Real]; tests wire [Fake] and move time forward with
// [FakeClock.Advance], so the bootstrap-message delay, closed-session
// retention, and viewer pings can be exercised without sleeping:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager := session.NewManager(session.Config{Clock: fake, ...})
//	// ... create a session with an initial message ...
//	fake.WaitForTimers(1)
//	fake.Advance(session.DefaultInitialMessageDelay)
package clock
