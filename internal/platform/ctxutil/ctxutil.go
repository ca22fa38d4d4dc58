package ctxutil

import "context"

// Default returns a usable context for call sites that may receive nil.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
