// Package gateway is the background agent itself: it opens the stores,
// compiles the rule table, and arbitrates every request from the pages of
// its origin. Pages talk to it over plain HTTP plus one websocket.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rootcellar/internal/cachestore"
	"rootcellar/internal/config"
	"rootcellar/internal/connectivity"
	"rootcellar/internal/lifecycle"
	"rootcellar/internal/precache"
	"rootcellar/internal/pushgate"
	"rootcellar/internal/routing"
	"rootcellar/internal/syncqueue"
)

const (
	maxInterceptBody = 10 << 20
	replayTimeout    = 5 * time.Minute
)

type Agent struct {
	cfg    *config.Config
	log    *zap.Logger
	origin *url.URL
	client *http.Client

	store      *cachestore.Store
	queue      *syncqueue.Queue
	dispatcher *routing.Dispatcher
	precacher  *precache.Manager
	monitor    *connectivity.Monitor
	hub        *lifecycle.Hub
	ctrl       *lifecycle.Controller
	push       *pushgate.Pipeline
	stats      *statsCollector

	mu       sync.Mutex
	manifest *precache.Manifest

	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func New(cfg *config.Config, log *zap.Logger) (*Agent, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := cachestore.Open(filepath.Join(cfg.Storage.Dir, "cache"), log.Named("cache"))
	if err != nil {
		return nil, err
	}
	for _, ns := range cfg.Namespaces {
		err := store.EnsureNamespace(ns.Name, cachestore.Policy{
			MaxEntries:       ns.MaxEntries,
			MaxAge:           ns.MaxAgeDur,
			AcceptedStatuses: ns.AcceptedStatuses,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	queue, err := syncqueue.Open(filepath.Join(cfg.Storage.Dir, "queue"), cfg.Queue.RetentionDur, log.Named("queue"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &Agent{
		cfg:       cfg,
		log:       log,
		origin:    origin,
		client:    &http.Client{Timeout: 30 * time.Second},
		store:     store,
		queue:     queue,
		stats:     newStatsCollector(),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}

	fetcher := routing.FetcherFunc(a.fetchOrigin)
	table := routing.NewTable(cfg.BuildRules())
	a.dispatcher = routing.NewDispatcher(table, store, fetcher, queueEnqueuer{queue}, log.Named("dispatch"))

	keep := make([]string, 0, len(cfg.Namespaces))
	for _, ns := range cfg.Namespaces {
		keep = append(keep, ns.Name)
	}
	a.precacher = precache.NewManager(store, fetcher, origin, keep, log.Named("precache"))

	probeURL := strings.TrimRight(cfg.Server.Origin, "/") + cfg.Connectivity.ProbePath
	a.monitor = connectivity.NewMonitor(probeURL, cfg.Connectivity.ProbeDur, log.Named("connectivity"))
	a.monitor.OnRestore(a.replay)

	a.hub = lifecycle.NewHub(log.Named("lifecycle"))
	a.push = pushgate.NewPipeline(origin, a.publishNotification, log.Named("push"))

	if cfg.Manifest.Path != "" {
		a.ctrl = lifecycle.NewController(lifecycle.Options{
			ManifestPath: cfg.Manifest.Path,
			StatePath:    filepath.Join(cfg.Storage.Dir, "lifecycle.json"),
			PollInterval: cfg.Lifecycle.PollDur,
			Cooldown:     cfg.Lifecycle.CooldownDur,
		}, a, a.hub, log.Named("lifecycle"))
		a.hub.OnSkipWaiting(a.ctrl.SkipWaiting)
	}

	return a, nil
}

// Start installs the current manifest and begins the background loops.
// A failed initial install is logged and not fatal: assets from a previous
// run may still be cached, and the update loop retries on its own schedule.
func (a *Agent) Start(ctx context.Context) error {
	if a.cfg.Manifest.Path != "" {
		if m, err := precache.LoadManifest(a.cfg.Manifest.Path); err != nil {
			a.log.Warn("manifest unavailable at boot", zap.Error(err))
		} else if err := a.Adopt(ctx, m); err != nil {
			a.log.Warn("initial precache install failed", zap.Error(err))
		} else {
			a.ctrl.SetCurrent(m.Version)
		}
		if err := a.ctrl.Start(); err != nil {
			return err
		}
	}

	a.monitor.Start()

	if every := a.cfg.Logging.StatsInterval; every > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.statsLoop(every)
		}()
	}
	return nil
}

// Adopt installs and activates a manifest version. It is both the boot path
// and the lifecycle controller's hand-off target.
func (a *Agent) Adopt(ctx context.Context, m *precache.Manifest) error {
	if err := a.precacher.Install(ctx, m); err != nil {
		return err
	}
	if err := a.precacher.Activate(m); err != nil {
		return err
	}
	a.mu.Lock()
	a.manifest = m
	a.mu.Unlock()
	return nil
}

func (a *Agent) currentManifest() *precache.Manifest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manifest
}

func (a *Agent) publishNotification(n pushgate.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.hub.Broadcast(ctx, lifecycle.Event{Type: lifecycle.EventNotification, Notification: n})
}

// replay drains the sync queue after a connectivity-restored event.
func (a *Agent) replay() {
	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
	defer cancel()
	a.queue.Replay(ctx, a.deliver)
}

func (a *Agent) deliver(ctx context.Context, e syncqueue.Entry) error {
	req, err := http.NewRequestWithContext(ctx, e.Snapshot.Method, e.Snapshot.URL,
		bytes.NewReader(e.Snapshot.Body))
	if err != nil {
		return err
	}
	copyHeaders(req.Header, e.Snapshot.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("origin status %d", resp.StatusCode)
	}
	return nil
}

// fetchOrigin performs the network leg for every strategy.
func (a *Agent) fetchOrigin(ctx context.Context, req *routing.Request) (*routing.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(hreq.Header, req.Header)
	hreq.Header.Set("Accept-Encoding", "identity")

	resp, err := a.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	header := routing.CloneHeader(resp.Header)
	header.Del("Content-Length")
	return &routing.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   b,
		Source: routing.SourceNetwork,
	}, nil
}

func (a *Agent) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-t.C:
			ss := a.stats.snapshot()
			a.log.Info("gateway stats",
				zap.Uint64("network", ss.Network),
				zap.Uint64("cacheHits", ss.CacheHits),
				zap.Uint64("queued", ss.Queued),
				zap.Uint64("fallbacks", ss.Fallbacks),
				zap.String("respMin", formatBytes(ss.MinRespBytes)),
				zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
				zap.String("respMax", formatBytes(ss.MaxRespBytes)),
			)
		}
	}
}

func (a *Agent) Close() {
	close(a.stopCh)
	if a.ctrl != nil {
		a.ctrl.Close()
	}
	a.monitor.Close()
	a.dispatcher.Close()
	a.hub.CloseAll()
	a.wg.Wait()
	a.client.CloseIdleConnections()
	_ = a.queue.Close()
	_ = a.store.Close()
}

// queueEnqueuer adapts the sync queue to the dispatcher's plugin hook.
type queueEnqueuer struct {
	q *syncqueue.Queue
}

func (e queueEnqueuer) Enqueue(topic string, req *routing.Request) error {
	_, err := e.q.Enqueue(topic, syncqueue.Snapshot{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: routing.CloneHeader(req.Header),
		Body:   req.Body,
	})
	return err
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
