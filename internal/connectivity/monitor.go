// Package connectivity tracks whether the origin is reachable. The
// offline-to-online transition is the engine's only replay trigger.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const probeTimeout = 5 * time.Second

// Monitor combines two signals: reports from pages (the host platform's
// online/offline events, forwarded over HTTP) and its own periodic probe of
// the origin. Either may flip the state; a flip from offline to online fires
// the registered restore callbacks.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client
	log      *zap.Logger

	mu         sync.Mutex
	online     bool
	restoreFns []func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewMonitor(probeURL string, interval time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		// Keepalives are pointless for a low-rate probe and would hold
		// connections open across offline transitions.
		client: &http.Client{
			Timeout:   probeTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		log:      log,
		online:   true,
		stopCh:   make(chan struct{}),
	}
}

// OnRestore registers a callback for offline-to-online transitions.
// Callbacks run on a single goroutine per transition, in order.
func (m *Monitor) OnRestore(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restoreFns = append(m.restoreFns, fn)
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Report feeds an observed connectivity state, from a page or the probe.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	restored := online && !m.online
	m.online = online
	fns := make([]func(), len(m.restoreFns))
	copy(fns, m.restoreFns)
	m.mu.Unlock()

	if !restored {
		return
	}
	m.log.Info("connectivity restored")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, fn := range fns {
			fn()
		}
	}()
}

// Start begins the probe loop. No-op when the interval is zero.
func (m *Monitor) Start() {
	if m.interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-t.C:
				m.Report(m.probe())
			}
		}
	}()
}

func (m *Monitor) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func (m *Monitor) Close() {
	close(m.stopCh)
	m.wg.Wait()
}
