// Package domain defines the contracts and types of the rate limit and
// concurrency domain.
//
// It depends neither on net/http nor on concrete stores, so the fixed-window
// rule (Advance) can be unit tested on its own and shared by every backend.
package domain
