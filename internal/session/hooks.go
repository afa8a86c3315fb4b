package session

import "context"

// Hooks are callbacks an operation makes while it runs. They are carried on
// the operation's context and run on the operation's goroutine.
type Hooks struct {
	// Started runs once the operation has claimed the idle session.
	// It is not called for operations rejected as busy.
	Started func(op Op, state State)
}

type hooksKey struct{}

// WithHooks returns a context whose session operations call h
func WithHooks(ctx context.Context, h Hooks) context.Context {
	return context.WithValue(ctx, hooksKey{}, h)
}

func hooksFrom(ctx context.Context) Hooks {
	h, _ := ctx.Value(hooksKey{}).(Hooks)
	return h
}
