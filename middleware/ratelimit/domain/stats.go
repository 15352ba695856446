package domain

import (
	"context"
	"strings"
	"time"
)

const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
)

// StatsEvent records the outcome of one Check.
type StatsEvent struct {
	Key     Key
	Allowed bool
	Method  string
	// Path is the function name or route pattern, never the raw URL, so label
	// cardinality stays bounded.
	Path string
	At   time.Time
}

func (ev StatsEvent) Decision() string {
	if ev.Allowed {
		return DecisionAllowed
	}
	return DecisionDenied
}

// Route is "<METHOD> <path>", or whichever half is set.
func (ev StatsEvent) Route() string {
	return strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path))
}

// StatsStore receives every decision. Errors are logged by the caller and
// never turn into a failed request.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
