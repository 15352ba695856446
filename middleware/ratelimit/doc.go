// Package ratelimit provides net/http adapters for the fixed-window rate
// limit and the concurrency limit.
//
// Layers:
//
//   - domain: contracts and the fixed-window rule (no net/http)
//   - application: use cases (check, acquire with timeout), no net/http
//   - infra: concrete stores (memory, Redis), semaphore, stats backends
//   - ratelimit (this package): HTTP middlewares, key extraction and the
//     translation of a decision into status codes and headers
//
// Request flow:
//
//  1. Extract the client key (user id, header, X-Forwarded-For, RemoteAddr)
//  2. Ask the application layer for a decision
//  3. When denied, answer 429 with Retry-After and X-RateLimit-* headers
//     (503 for the concurrency limit)
//  4. Otherwise call the next handler (usually the upstream proxy)
package ratelimit
