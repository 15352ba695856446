// Package application holds the use cases of the rate limit and concurrency
// limit.
//
// It only depends on the domain package and never sees net/http.
// Service.Check(ctx, key, policy) returns a domain.Result (allowed, remaining,
// reset time); ConcurrencyService.Acquire hands out slots with a timeout.
package application
