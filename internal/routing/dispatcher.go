package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rootcellar/internal/cachestore"
)

const (
	// DefaultNetworkTimeout caps the network leg of network-first.
	DefaultNetworkTimeout = 10 * time.Second

	revalidateTimeout = 30 * time.Second
	revalidateSlots   = 32
)

var (
	// ErrTimeout marks a network-first fetch that lost the race against its
	// timer with no cached fallback available.
	ErrTimeout = errors.New("network timed out")

	// ErrQueued marks a failed mutating request that was handed to the sync
	// queue. The caller sees the failure; the retry is durable.
	ErrQueued = errors.New("request queued for replay")
)

// Dispatcher resolves requests through the rule table. It is the pure
// dispatch(request) -> response entry point of the engine: pick the first
// matching rule, run its strategy against the bound namespace.
type Dispatcher struct {
	table *Table
	store *cachestore.Store
	fetch Fetcher
	queue Enqueuer
	log   *zap.Logger

	revalSem chan struct{}
	wg       sync.WaitGroup

	revalLog *rateLimitedLogger
}

func NewDispatcher(table *Table, store *cachestore.Store, fetch Fetcher, queue Enqueuer, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		table:    table,
		store:    store,
		fetch:    fetch,
		queue:    queue,
		log:      log,
		revalSem: make(chan struct{}, revalidateSlots),
		revalLog: newRateLimitedLogger(log, time.Minute),
	}
}

// Close waits for in-flight background revalidations.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

// Dispatch resolves req. A request no rule matches falls through to plain
// network-only passthrough.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	rule := d.table.Pick(req.Method, req.URL)
	if rule == nil {
		return d.fetch.Fetch(ctx, req)
	}

	desc := NewDescriptor(req.Method, req.URL)
	switch rule.Strategy {
	case NetworkOnly:
		return d.networkOnly(ctx, rule, req)
	case NetworkFirst:
		return d.networkFirst(ctx, rule, req, desc)
	case CacheFirst:
		return d.cacheFirst(ctx, rule, req, desc)
	case StaleWhileRevalidate:
		return d.staleWhileRevalidate(ctx, rule, req, desc)
	}
	return nil, fmt.Errorf("rule %q: unknown strategy %q", rule.Name, rule.Strategy)
}

// networkOnly never touches the cache. A failure with an enqueue-on-failure
// plugin becomes a durable queue entry and a caller-visible ErrQueued.
func (d *Dispatcher) networkOnly(ctx context.Context, rule *Rule, req *Request) (*Response, error) {
	resp, err := d.fetch.Fetch(ctx, req)
	if err == nil {
		return resp, nil
	}
	for _, p := range rule.Plugins {
		if p.Kind != PluginEnqueueOnFailure {
			continue
		}
		if qerr := d.queue.Enqueue(p.Topic, req); qerr != nil {
			d.log.Error("enqueue failed request",
				zap.String("rule", rule.Name), zap.String("topic", p.Topic), zap.Error(qerr))
			return nil, err
		}
		d.log.Info("request queued for replay",
			zap.String("rule", rule.Name), zap.String("topic", p.Topic),
			zap.String("url", req.URL.String()))
		return nil, fmt.Errorf("%w: %s", ErrQueued, err)
	}
	return nil, err
}

// networkFirst races the fetch against the rule's timeout and falls back to
// the namespace when the network loses or fails. A miss propagates the
// network error.
func (d *Dispatcher) networkFirst(ctx context.Context, rule *Rule, req *Request, desc Descriptor) (*Response, error) {
	timeout := rule.NetworkTimeout
	if timeout <= 0 {
		timeout = DefaultNetworkTimeout
	}
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := d.fetch.Fetch(nctx, req)
	if err == nil {
		d.storeResponse(rule, desc, resp)
		return resp, nil
	}

	if ent, ok := d.store.Get(rule.Namespace, desc.Key()); ok {
		return entryResponse(ent), nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, err)
	}
	return nil, err
}

// cacheFirst serves hits without network access; a miss fetches, stores and
// returns, and a network failure on miss propagates.
func (d *Dispatcher) cacheFirst(ctx context.Context, rule *Rule, req *Request, desc Descriptor) (*Response, error) {
	if ent, ok := d.store.Get(rule.Namespace, desc.Key()); ok {
		return entryResponse(ent), nil
	}
	resp, err := d.fetch.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	d.storeResponse(rule, desc, resp)
	return resp, nil
}

// staleWhileRevalidate returns a hit immediately and refreshes it in the
// background. Revalidation failures never reach the caller.
func (d *Dispatcher) staleWhileRevalidate(ctx context.Context, rule *Rule, req *Request, desc Descriptor) (*Response, error) {
	if ent, ok := d.store.Get(rule.Namespace, desc.Key()); ok {
		d.revalidateAsync(rule, req.Clone(), desc)
		return entryResponse(ent), nil
	}
	resp, err := d.fetch.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	d.storeResponse(rule, desc, resp)
	return resp, nil
}

// revalidateAsync refreshes one entry in the background, bounded by the
// semaphore. When all slots are busy the revalidation is skipped; the stale
// entry was already served.
func (d *Dispatcher) revalidateAsync(rule *Rule, req *Request, desc Descriptor) {
	select {
	case d.revalSem <- struct{}{}:
	default:
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.revalSem }()
		ctx, cancel := context.WithTimeout(context.Background(), revalidateTimeout)
		defer cancel()

		resp, err := d.fetch.Fetch(ctx, req)
		if err != nil {
			d.revalLog.Warn("revalidation failed",
				zap.String("rule", rule.Name), zap.String("url", desc.URL), zap.Error(err))
			return
		}
		d.storeResponse(rule, desc, resp)
	}()
}

func (d *Dispatcher) storeResponse(rule *Rule, desc Descriptor, resp *Response) {
	if rule.Namespace == "" {
		return
	}
	err := d.store.Put(rule.Namespace, desc.Key(), cachestore.Entry{
		Status: resp.Status,
		Header: CloneHeader(resp.Header),
		Body:   resp.Body,
	})
	if err != nil {
		d.log.Error("cache write failed",
			zap.String("namespace", rule.Namespace), zap.String("key", desc.Key()), zap.Error(err))
	}
}

func entryResponse(ent cachestore.Entry) *Response {
	return &Response{
		Status: ent.Status,
		Header: CloneHeader(ent.Header),
		Body:   ent.Body,
		Source: SourceCache,
	}
}

// Clone deep-copies the request so background revalidation cannot race the
// caller's buffers.
func (r *Request) Clone() *Request {
	u := *r.URL
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Request{
		Method: r.Method,
		URL:    &u,
		Header: CloneHeader(r.Header),
		Body:   body,
	}
}
