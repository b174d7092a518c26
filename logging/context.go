package logging

import "context"

type ctxKey int

const tickKey ctxKey = iota

// WithTick attaches a control tick number to the context so that C* log calls made while handling
// that tick can be correlated.
func WithTick(ctx context.Context, tick uint64) context.Context {
	return context.WithValue(ctx, tickKey, tick)
}

// TickFromContext returns the control tick attached by WithTick, if any.
func TickFromContext(ctx context.Context) (uint64, bool) {
	if ctx == nil {
		return 0, false
	}
	tick, ok := ctx.Value(tickKey).(uint64)
	return tick, ok
}

func withContextFields(ctx context.Context, keysAndValues []interface{}) []interface{} {
	tick, ok := TickFromContext(ctx)
	if !ok {
		return keysAndValues
	}
	return append(keysAndValues, "tick", tick)
}
