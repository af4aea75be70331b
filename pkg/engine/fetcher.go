package engine

import "context"

// Request describes one candidate-values lookup. Filters combine the
// variable's static filters with per-parent filters built from the parents'
// current values at dispatch time.
type Request struct {
	Stream    string    `json:"stream"`
	Field     string    `json:"field"`
	Filters   []Filter  `json:"filters,omitempty"`
	TimeRange TimeRange `json:"time_range"`
}

// ValueFetcher retrieves candidate values for a variable. Implementations
// own transport and timeout policy; the engine only awaits the result.
// returned values are in presentation order.
type ValueFetcher interface {
	Fetch(ctx context.Context, req Request) ([]string, error)
}

// FetcherFunc adapts a function to the ValueFetcher interface.
type FetcherFunc func(ctx context.Context, req Request) ([]string, error)

// Fetch calls the wrapped function.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) ([]string, error) { return f(ctx, req) }
