package ctxutil

import "context"

// Default returns ctx, or context.Background when ctx is nil. Client code
// building outbound requests goes through this so a nil context never
// reaches net/http.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
