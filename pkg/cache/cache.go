// Package cache implements the disk cache backend contract: given a
// request, return a reply that is fresh() at the time of return, or
// raise. The on-disk byte layout is out of scope; this package only
// implements the contract the coordinator depends on — single-flight,
// serve-stale-while-revalidate, and serve-stale-if-error — over an
// in-memory store with a TTL'd map and LRU eviction by byte budget.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/ryandielhenn/distcache/internal/obs"
	"github.com/ryandielhenn/distcache/internal/telemetry"
	"github.com/ryandielhenn/distcache/pkg/upstream"
)

type entry struct {
	key   string
	reply upstream.Reply
}

// call is one in-flight single-flight refresh: a per-key condition
// that later callers for the same key join instead of duplicating.
type call struct {
	wg  sync.WaitGroup
	err error
}

// Cache is the disk cache backend. It is safe for concurrent use.
type Cache struct {
	stats *telemetry.Stats

	mu       sync.Mutex
	data     map[string]*list.Element // urlstem -> *entry, LRU-ordered
	ll       *list.List
	used     int
	capBytes int

	inflight map[string]*call
}

// New constructs a Cache with the given eviction high-water byte
// budget and stats sink.
func New(capBytes int, stats *telemetry.Stats) *Cache {
	return &Cache{
		stats:    stats,
		data:     make(map[string]*list.Element),
		ll:       list.New(),
		capBytes: capBytes,
		inflight: make(map[string]*call),
	}
}

// Get implements the disk cache contract. backend is the upstream handle to
// invoke on miss or stale (the direct-origin backend, or a peer's).
func (c *Cache) Get(ctx context.Context, req *upstream.Request, backend upstream.Backend) (*upstream.Reply, error) {
	now := time.Now()

	if !req.NoCache {
		if e, fresh, swr := c.peek(req.URLStem, now); e != nil {
			if fresh {
				c.stats.RecordCacheResult("fresh")
				out := e.reply
				return &out, nil
			}
			if swr {
				c.stats.RecordCacheResult("swr")
				out := e.reply
				// kick a background refresh; ignore its result here.
				go func() {
					_, _ = c.refresh(context.Background(), req, backend)
				}()
				return &out, nil
			}
		}
	}

	c.stats.RecordCacheResult("miss")
	return c.refresh(ctx, req, backend)
}

// peek returns a copy of the stored entry (if any) and its freshness
// classification, without taking the single-flight path.
func (c *Cache) peek(urlstem string, now time.Time) (*entry, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.data[urlstem]
	if !ok {
		return nil, false, false
	}
	e := el.Value.(*entry)
	c.ll.MoveToFront(el)
	cp := *e
	return &cp, cp.reply.Fresh(now), cp.reply.WithinSWR(now)
}

// refresh performs (or joins) the single-flight upstream call for
// urlstem and stores the result.
func (c *Cache) refresh(ctx context.Context, req *upstream.Request, backend upstream.Backend) (*upstream.Reply, error) {
	key := req.URLStem

	c.mu.Lock()
	if inflight, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		inflight.wg.Wait()
		if inflight.err != nil {
			return nil, inflight.err
		}
		c.mu.Lock()
		el, ok := c.data[key]
		c.mu.Unlock()
		if !ok {
			return nil, inflight.err
		}
		out := el.Value.(*entry).reply
		return &out, nil
	}

	cl := &call{}
	cl.wg.Add(1)
	c.inflight[key] = cl

	var existing upstream.Reply
	if el, ok := c.data[key]; ok {
		existing = el.Value.(*entry).reply
	}
	c.mu.Unlock()

	stale := existing
	res, err := backend.Refresh(ctx, req, &existing)

	// serve-stale-if-error: a stored entry still inside its window
	// stands in for the failed refresh, and the error is only counted.
	if err != nil && stale.Valid && stale.WithinStaleIfError(time.Now(), req.StaleIfError) {
		obs.L().Infow("cache: serving stale-if-error", "urlstem", key, "err", err)
		c.stats.RecordCacheResult("sie")
		existing, res, err = stale, upstream.NotModified, nil
	}

	if err == nil {
		c.store(key, existing)
	}

	// Done must fire after store() completes: a joining waiter is
	// released by Done and immediately reads c.data[key], and must
	// never observe a miss for a refresh it was told succeeded.
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	cl.err = err
	cl.wg.Done()

	if err != nil {
		return nil, err
	}

	obs.L().Debugw("cache: refreshed", "urlstem", key, "result", res.String())

	out := existing
	return &out, nil
}

func (c *Cache) store(key string, reply upstream.Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.data[key]; ok {
		e := el.Value.(*entry)
		c.used -= len(e.reply.Content)
		e.reply = reply
		c.used += len(reply.Content)
		c.ll.MoveToFront(el)
	} else {
		e := &entry{key: key, reply: reply}
		el := c.ll.PushFront(e)
		c.data[key] = el
		c.used += len(reply.Content)
	}
	c.evictLocked()
}

func (c *Cache) evictLocked() {
	for c.used > c.capBytes && c.ll.Back() != nil {
		el := c.ll.Back()
		e := el.Value.(*entry)
		c.used -= len(e.reply.Content)
		delete(c.data, e.key)
		c.ll.Remove(el)
	}
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
