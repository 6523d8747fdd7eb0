package lookup

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Maintainer keeps an index fresh in the background. Writers call Notify
// after mutations; notifications coalesce, and rebuilds are rate-limited
// so a burst of submits triggers one rebuild, not one per submit. A
// periodic full rebuild catches anything incremental updates missed.
type Maintainer struct {
	index    *Index
	interval time.Duration
	limiter  *rate.Limiter
	dirty    chan struct{}
}

// NewMaintainer builds a maintainer. interval is the periodic full-rebuild
// cadence; minGap is the minimum spacing between notification-driven
// rebuilds.
func NewMaintainer(index *Index, interval, minGap time.Duration) *Maintainer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if minGap <= 0 {
		minGap = 5 * time.Second
	}
	return &Maintainer{
		index:    index,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(minGap), 1),
		dirty:    make(chan struct{}, 1),
	}
}

// Notify marks the index dirty. Never blocks; repeated calls before the
// next rebuild coalesce into one.
func (m *Maintainer) Notify() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

// Run rebuilds until the context ends. Blocking; callers run it in a
// goroutine.
func (m *Maintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.dirty:
			if err := m.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if err := m.index.Build(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			zap.L().Error("lookup index rebuild failed", zap.Error(err))
		}
	}
}
