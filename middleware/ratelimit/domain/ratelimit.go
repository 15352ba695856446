package domain

// Rate limit domain layer.
//
// Rules and contracts (interfaces/types) with no dependency on net/http.

import (
	"context"
	"time"
)

const (
	DefaultMaxRequests = 100
	DefaultWindow      = 60 * time.Second
)

type Key string

// Policy is the fixed-window budget applied to one key.
// Zero or negative fields fall back to the defaults (100 requests per 60s).
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRequests: DefaultMaxRequests, Window: DefaultWindow}
}

func (p Policy) WithDefaults() Policy {
	if p.MaxRequests <= 0 {
		p.MaxRequests = DefaultMaxRequests
	}
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	return p
}

// Entry is the counter of the window currently open for a key.
type Entry struct {
	Count     int
	ResetTime time.Time
}

// Expired reports whether the window closed at or before now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ResetTime.After(now)
}

// Advance applies one request at now to the current entry of a key.
//
// found=false (or an expired entry) opens a new window with Count=1. A full
// window returns cur unchanged with admitted=false: rejected requests never
// consume budget.
func Advance(cur Entry, found bool, p Policy, now time.Time) (next Entry, admitted bool) {
	if !found || cur.Expired(now) {
		return Entry{Count: 1, ResetTime: now.Add(p.Window)}, true
	}
	if cur.Count >= p.MaxRequests {
		return cur, false
	}
	cur.Count++
	return cur, true
}

// WindowStore owns the key -> Entry mapping.
//
// Hit must apply Advance atomically for a single key. Implementations may live
// in process memory, Redis, etc.
type WindowStore interface {
	Hit(ctx context.Context, key Key, p Policy, now time.Time) (Entry, bool, error)
	// Reset drops every entry. Meant for tests and operational resets, not
	// for traffic shaping.
	Reset(ctx context.Context) error
}

// Result is what a check reports back to the caller.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetTime time.Time
}

// RetryAfter is the wait until the window resets, rounded up to whole seconds
// and never below one second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetTime.Sub(now)
	if d <= time.Second {
		return time.Second
	}
	return (d + time.Second - 1).Truncate(time.Second)
}
