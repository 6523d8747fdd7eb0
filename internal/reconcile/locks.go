package reconcile

import (
	"context"
	"sort"
	"sync"
)

// bucketLocks hands out per-bucket mutexes so concurrent submits that
// could resolve to the same place serialize, while unrelated submits run
// in parallel. Acquisition respects the context deadline; a submit that
// cannot lock in time loses the race instead of blocking ingestion.
type bucketLocks struct {
	mu      sync.Mutex
	buckets map[string]chan struct{}
}

func newBucketLocks() *bucketLocks {
	return &bucketLocks{buckets: make(map[string]chan struct{})}
}

func (b *bucketLocks) channel(key string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.buckets[key]
	if !ok {
		ch = make(chan struct{}, 1)
		b.buckets[key] = ch
	}
	return ch
}

// acquire takes every key in sorted order so two submits sharing keys
// cannot deadlock. On failure it releases everything taken so far and
// returns ErrRaceLost.
func (b *bucketLocks) acquire(ctx context.Context, keys []string) (release func(), err error) {
	sorted := dedupeSorted(keys)
	held := make([]chan struct{}, 0, len(sorted))
	for _, key := range sorted {
		ch := b.channel(key)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			for _, h := range held {
				<-h
			}
			return nil, ErrRaceLost
		}
	}
	return func() {
		for _, h := range held {
			<-h
		}
	}, nil
}

func dedupeSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
