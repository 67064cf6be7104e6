package reconcile

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// singleflightBuild collapses concurrent analyses of the same key into one
// ledger read. A caller whose ctx ends stops waiting without cancelling the
// shared run.
func singleflightBuild(ctx context.Context, group *singleflight.Group, key string, fn func(context.Context) (Report, error)) (Report, error, bool) {
	resultChan := group.DoChan(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err(), false
	case res := <-resultChan:
		if res.Err != nil {
			return Report{}, res.Err, res.Shared
		}
		return res.Val.(Report), nil, res.Shared
	}
}
