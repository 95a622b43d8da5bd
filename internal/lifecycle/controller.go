package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"rootcellar/internal/precache"
)

// Phase is the upgrade state machine position:
// idle -> waiting -> (prompted | suppressed) -> adopting -> reloaded.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseWaiting    Phase = "waiting"
	PhasePrompted   Phase = "prompted"
	PhaseSuppressed Phase = "suppressed"
	PhaseAdopting   Phase = "adopting"
	PhaseReloaded   Phase = "reloaded"
)

const (
	// DefaultCooldown suppresses a fresh prompt this long after a dismissal.
	DefaultCooldown = time.Hour
	// DefaultPollInterval is the best-effort update check period.
	DefaultPollInterval = time.Minute

	adoptTimeout = 2 * time.Minute
)

// Adopter applies a waiting version: install its assets and purge the old
// ones. Implemented by the gateway.
type Adopter interface {
	Adopt(ctx context.Context, m *precache.Manifest) error
}

// Broadcaster delivers lifecycle events to pages. Implemented by Hub.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event)
}

// persisted survives restarts: the adopted version and the last time the
// user dismissed an upgrade prompt.
type persisted struct {
	CurrentVersion  string `json:"currentVersion"`
	LastDismissalAt int64  `json:"lastDismissalAt"`
}

// Controller watches the manifest for new versions and drives the upgrade
// state machine. Detection is a 60s poll plus an fsnotify watch on the
// manifest file; both are best-effort and failures are ignored.
type Controller struct {
	log          *zap.Logger
	manifestPath string
	statePath    string
	poll         time.Duration
	cooldown     time.Duration
	adopter      Adopter
	events       Broadcaster

	mu            sync.Mutex
	phase         Phase
	current       string
	waiting       *precache.Manifest
	lastDismissal time.Time
	adopting      bool

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

type Options struct {
	ManifestPath string
	StatePath    string
	PollInterval time.Duration
	Cooldown     time.Duration
}

func NewController(opts Options, adopter Adopter, events Broadcaster, log *zap.Logger) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	return &Controller{
		log:          log,
		manifestPath: opts.ManifestPath,
		statePath:    opts.StatePath,
		poll:         opts.PollInterval,
		cooldown:     opts.Cooldown,
		adopter:      adopter,
		events:       events,
		phase:        PhaseIdle,
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// SetCurrent records the version already running, typically after the
// initial install at boot.
func (c *Controller) SetCurrent(version string) {
	c.mu.Lock()
	c.current = version
	c.mu.Unlock()
	c.saveState()
}

// Start loads persisted state and begins watching for new versions.
func (c *Controller) Start() error {
	c.loadState()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("manifest watcher: %w", err)
	}
	// Watch the directory: builds typically replace the manifest file, and
	// a watch on the file itself dies with the old inode.
	if err := w.Add(filepath.Dir(c.manifestPath)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch manifest dir: %w", err)
	}
	c.watcher = w

	c.wg.Add(1)
	go c.run()
	return nil
}

func (c *Controller) run() {
	defer c.wg.Done()
	t := time.NewTicker(c.poll)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.check()
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(c.manifestPath) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				c.check()
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			// Best-effort detection; the poll still runs.
		}
	}
}

// check looks for a manifest version that differs from the running one.
// Failures are ignored: the next tick tries again.
func (c *Controller) check() {
	m, err := precache.LoadManifest(c.manifestPath)
	if err != nil {
		c.log.Debug("update check failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.adopting || m.Version == c.current || (c.waiting != nil && m.Version == c.waiting.Version) {
		c.mu.Unlock()
		return
	}
	c.waiting = m
	first := c.lastDismissal.IsZero()
	cooled := c.now().Sub(c.lastDismissal) > c.cooldown
	if first || cooled {
		c.phase = PhasePrompted
	} else {
		c.phase = PhaseSuppressed
	}
	phase := c.phase
	c.mu.Unlock()

	c.log.Info("new version waiting",
		zap.String("version", m.Version), zap.String("phase", string(phase)))
	c.events.Broadcast(context.Background(), Event{Type: EventWaiting, Version: m.Version})
}

// SkipWaiting is the "take control now" signal. Adoption runs once; repeat
// signals while adopting are ignored, which is the reload-loop guard: pages
// reload on the controlling transition only, and there is exactly one.
func (c *Controller) SkipWaiting() {
	c.mu.Lock()
	if c.adopting || c.waiting == nil {
		c.mu.Unlock()
		return
	}
	m := c.waiting
	c.adopting = true
	c.phase = PhaseAdopting
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.adopt(m)
	}()
}

func (c *Controller) adopt(m *precache.Manifest) {
	ctx, cancel := context.WithTimeout(context.Background(), adoptTimeout)
	defer cancel()

	if err := c.adopter.Adopt(ctx, m); err != nil {
		c.log.Error("adoption failed", zap.String("version", m.Version), zap.Error(err))
		c.mu.Lock()
		c.adopting = false
		c.phase = PhaseWaiting
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.current = m.Version
	c.waiting = nil
	c.lastDismissal = time.Time{} // accepted adoption clears the dismissal
	c.phase = PhaseReloaded
	c.adopting = false
	c.mu.Unlock()
	c.saveState()

	c.events.Broadcast(ctx, Event{Type: EventControlling, Version: m.Version})
	c.events.Broadcast(ctx, Event{Type: EventActivated, Version: m.Version})
	c.log.Info("version adopted", zap.String("version", m.Version))

	// Pages have reloaded against the new version; the machine is ready for
	// the next detection.
	c.mu.Lock()
	c.phase = PhaseIdle
	c.mu.Unlock()
}

// Dismiss records the user's dismissal; the next detection within the
// cooldown shows the minimized indicator instead of a full prompt.
func (c *Controller) Dismiss() {
	c.mu.Lock()
	c.lastDismissal = c.now()
	if c.phase == PhasePrompted {
		c.phase = PhaseSuppressed
	}
	c.mu.Unlock()
	c.saveState()
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) CurrentVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) WaitingVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting == nil {
		return ""
	}
	return c.waiting.Version
}

func (c *Controller) loadState() {
	if c.statePath == "" {
		return
	}
	b, err := os.ReadFile(c.statePath)
	if err != nil {
		return
	}
	var st persisted
	if err := json.Unmarshal(b, &st); err != nil {
		return
	}
	c.mu.Lock()
	if c.current == "" {
		c.current = st.CurrentVersion
	}
	if st.LastDismissalAt > 0 {
		c.lastDismissal = time.Unix(st.LastDismissalAt, 0)
	}
	c.mu.Unlock()
}

func (c *Controller) saveState() {
	if c.statePath == "" {
		return
	}
	c.mu.Lock()
	st := persisted{CurrentVersion: c.current}
	if !c.lastDismissal.IsZero() {
		st.LastDismissalAt = c.lastDismissal.Unix()
	}
	c.mu.Unlock()
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := os.WriteFile(c.statePath, b, 0o644); err != nil {
		c.log.Warn("persist lifecycle state", zap.Error(err))
	}
}

func (c *Controller) Close() {
	close(c.stopCh)
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	c.wg.Wait()
}
