// Package precache installs the build manifest: every declared asset is
// fetched and stored into a version-scoped namespace, and activation purges
// the namespaces of superseded versions.
package precache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rootcellar/internal/cachestore"
	"rootcellar/internal/routing"
)

// NamespacePrefix scopes precache namespaces per manifest version, so
// activation can tell current assets from superseded ones.
const NamespacePrefix = "precache-"

const installParallelism = 8

// ManifestEntry pairs an asset URL with its build content revision.
type ManifestEntry struct {
	URL      string `json:"url"`
	Revision string `json:"revision"`
}

// Manifest is the build output consumed once at install time.
type Manifest struct {
	Version string          `json:"version"`
	Assets  []ManifestEntry `json:"assets"`

	// NavigationFallback is the asset served when a document request fails
	// and no other rule resolves it.
	NavigationFallback string `json:"navigationFallback"`
}

func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest has no version")
	}
	return &m, nil
}

func (m *Manifest) Namespace() string {
	return NamespacePrefix + m.Version
}

// Manager fetches and stores manifest assets, bypassing the rule table.
type Manager struct {
	store  *cachestore.Store
	fetch  routing.Fetcher
	origin *url.URL
	log    *zap.Logger

	// keep lists the runtime namespaces that survive activation.
	keep []string
}

func NewManager(store *cachestore.Store, fetch routing.Fetcher, origin *url.URL, keep []string, log *zap.Logger) *Manager {
	return &Manager{store: store, fetch: fetch, origin: origin, keep: keep, log: log}
}

// Install fetches every manifest asset into the version's namespace. Assets
// already present with the same revision are skipped, so reinstalling a
// half-fetched version only fetches the remainder.
func (p *Manager) Install(ctx context.Context, m *Manifest) error {
	ns := m.Namespace()
	err := p.store.EnsureNamespace(ns, cachestore.Policy{
		AcceptedStatuses: []int{http.StatusOK},
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installParallelism)
	for _, asset := range m.Assets {
		asset := asset
		g.Go(func() error {
			return p.installAsset(gctx, ns, asset)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("install %s: %w", m.Version, err)
	}
	p.log.Info("precache installed",
		zap.String("version", m.Version), zap.Int("assets", len(m.Assets)))
	return nil
}

func (p *Manager) installAsset(ctx context.Context, ns string, asset ManifestEntry) error {
	u, err := url.Parse(asset.URL)
	if err != nil {
		return fmt.Errorf("asset %q: %w", asset.URL, err)
	}
	target := p.origin.ResolveReference(u)

	// The cache key uses the same normalization as runtime lookups, so a
	// page request for the asset hits the precached entry.
	desc := routing.NewDescriptor(http.MethodGet, target)
	if cur, ok := p.store.Get(ns, desc.Key()); ok && cur.Revision == asset.Revision && asset.Revision != "" {
		return nil
	}

	fetchURL := *target
	if asset.Revision != "" {
		q := fetchURL.Query()
		q.Set("__rev", asset.Revision)
		fetchURL.RawQuery = q.Encode()
	}
	resp, err := p.fetch.Fetch(ctx, &routing.Request{
		Method: http.MethodGet,
		URL:    &fetchURL,
		Header: http.Header{},
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", asset.URL, err)
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", asset.URL, resp.Status)
	}

	return p.store.Put(ns, desc.Key(), cachestore.Entry{
		Status:   resp.Status,
		Header:   routing.CloneHeader(resp.Header),
		Body:     resp.Body,
		Revision: asset.Revision,
	})
}

// Activate deletes every cache namespace that is not the current version's
// precache namespace or a declared runtime namespace.
func (p *Manager) Activate(m *Manifest) error {
	keep := append([]string{m.Namespace()}, p.keep...)
	if err := p.store.PurgeAllExcept(keep); err != nil {
		return fmt.Errorf("activate %s: %w", m.Version, err)
	}
	p.log.Info("precache activated", zap.String("version", m.Version))
	return nil
}

// Fallback returns the precached navigation fallback document, if declared
// and present.
func (p *Manager) Fallback(m *Manifest) (cachestore.Entry, bool) {
	if m == nil || m.NavigationFallback == "" {
		return cachestore.Entry{}, false
	}
	u, err := url.Parse(m.NavigationFallback)
	if err != nil {
		return cachestore.Entry{}, false
	}
	desc := routing.NewDescriptor(http.MethodGet, p.origin.ResolveReference(u))
	return p.store.Get(m.Namespace(), desc.Key())
}
