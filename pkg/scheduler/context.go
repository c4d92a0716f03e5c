package scheduler

import (
	"context"

	"github.com/entropic-systems/nucleus/pkg/ids"
)

type currentPoolKey struct{}

// withCurrentPool tags ctx with the pool a worker is currently executing
// on; the worker loop executes each task under such a context. Task.Run
// takes no context, so a reaction's callback does not receive it: a
// DIRECT emit made from inside a callback carries whatever context the
// callback passes to Emit, and Submit treats a context without a pool
// as coming from the default pool.
func withCurrentPool(ctx context.Context, pool ids.Pool) context.Context {
	return context.WithValue(ctx, currentPoolKey{}, pool)
}

// CurrentPool reports the pool ctx was tagged with by withCurrentPool,
// if any. A context that never passed through a worker loop (e.g. the
// one given to PowerPlant.Start) has no current pool.
func CurrentPool(ctx context.Context) (ids.Pool, bool) {
	pool, ok := ctx.Value(currentPoolKey{}).(ids.Pool)
	return pool, ok
}
