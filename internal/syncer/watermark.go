package syncer

import (
	"context"
	"fmt"

	"github.com/roach88/liftsync/internal/kv"
)

// watermark is the last confirmed-seen server time of one (user, module).
type watermark struct {
	kv  kv.Store
	key string
}

func newWatermark(store kv.Store, user, module string) watermark {
	return watermark{kv: store, key: kv.LastSyncKey(user, module)}
}

// Load returns the stored watermark, zero when none.
func (w watermark) Load(ctx context.Context) (int64, error) {
	var v int64
	if _, err := kv.GetJSON(ctx, w.kv, w.key, &v); err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return v, nil
}

// Advance stores max(stored, next) and returns it. The watermark never
// moves backwards.
func (w watermark) Advance(ctx context.Context, next int64) (int64, error) {
	cur, err := w.Load(ctx)
	if err != nil {
		return 0, err
	}
	if next <= cur {
		return cur, nil
	}
	if err := kv.SetJSON(ctx, w.kv, w.key, next); err != nil {
		return 0, fmt.Errorf("write watermark: %w", err)
	}
	return next, nil
}

// Watermark returns the stored watermark of (user, module).
func (c *Coordinator) Watermark(ctx context.Context, user, module string) (int64, error) {
	return newWatermark(c.kv, user, module).Load(ctx)
}
