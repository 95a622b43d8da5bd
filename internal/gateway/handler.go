package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"rootcellar/internal/cachestore"
	"rootcellar/internal/pushgate"
	"rootcellar/internal/routing"
)

const resultHeader = "X-Rootcellar"

// Handler returns the gateway surface: the control endpoints under /_agent
// and the intercept handler for everything else.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/_agent", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/lifecycle", a.hub.ServeHTTP)
		r.Post("/lifecycle/dismiss", a.handleDismiss)
		r.Post("/push", a.handlePush)
		r.Post("/push/click", a.handlePushClick)
		r.Post("/connectivity", a.handleConnectivity)
	})
	r.HandleFunc("/*", a.intercept)
	return r
}

// intercept arbitrates one page request through the rule table.
func (a *Agent) intercept(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInterceptBody))
	if err != nil {
		// A truncated body must never be dispatched or queued.
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	target := r.URL
	if !target.IsAbs() {
		target = a.origin.ResolveReference(r.URL)
	}
	req := &routing.Request{
		Method: r.Method,
		URL:    target,
		Header: routing.CloneHeader(r.Header),
		Body:   body,
	}

	resp, err := a.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	a.writeResponse(w, resp)
}

func (a *Agent) writeResponse(w http.ResponseWriter, resp *routing.Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, resultHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	outcome := "network"
	if resp.Source == routing.SourceCache {
		outcome = "cache"
	}
	setResultHeader(w.Header(), outcome)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
	a.stats.observe(outcome, len(resp.Body))
}

func (a *Agent) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, routing.ErrQueued):
		setResultHeader(w.Header(), "queued")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"queued": true})
		a.stats.observe("queued", 0)
		return

	case isDocumentRequest(r):
		if ent, ok := a.precacher.Fallback(a.currentManifest()); ok {
			a.writeFallback(w, ent)
			return
		}
	}

	status := http.StatusBadGateway
	if errors.Is(err, routing.ErrTimeout) {
		status = http.StatusGatewayTimeout
	}
	a.log.Debug("dispatch failed", zap.String("url", r.URL.String()), zap.Error(err))
	setResultHeader(w.Header(), "failure")
	http.Error(w, http.StatusText(status), status)
	a.stats.observe("failure", 0)
}

// writeFallback serves the precached offline document. The marker header
// lets the page show its reconnection countdown.
func (a *Agent) writeFallback(w http.ResponseWriter, ent cachestore.Entry) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, resultHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setResultHeader(w.Header(), "fallback")
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
	a.stats.observe("fallback", len(ent.Body))
}

func isDocumentRequest(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		strings.Contains(r.Header.Get("Accept"), "text/html")
}

func setResultHeader(h http.Header, outcome string) {
	h.Set(resultHeader, outcome)
	// Custom headers are invisible to page scripts in CORS contexts unless
	// explicitly exposed.
	ensureExposedHeader(h, resultHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	type nsStatus struct {
		Name    string `json:"name"`
		Entries int    `json:"entries"`
	}
	status := struct {
		Version     string         `json:"version"`
		Waiting     string         `json:"waitingVersion,omitempty"`
		Phase       string         `json:"phase,omitempty"`
		Online      bool           `json:"online"`
		UptimeSec   int64          `json:"uptimeSec"`
		Subscribers int            `json:"subscribers"`
		Namespaces  []nsStatus     `json:"namespaces"`
		QueueDepths map[string]int `json:"queueDepths"`
		Stats       statsSnapshot  `json:"stats"`
	}{
		Online:      a.monitor.Online(),
		UptimeSec:   int64(time.Since(a.startedAt).Seconds()),
		Subscribers: a.hub.Subscribers(),
		QueueDepths: map[string]int{},
		Stats:       a.stats.snapshot(),
	}
	if a.ctrl != nil {
		status.Version = a.ctrl.CurrentVersion()
		status.Waiting = a.ctrl.WaitingVersion()
		status.Phase = string(a.ctrl.Phase())
	}
	for _, name := range a.store.Namespaces() {
		status.Namespaces = append(status.Namespaces, nsStatus{Name: name, Entries: a.store.Count(name)})
	}
	for _, topic := range a.queue.Topics() {
		status.QueueDepths[topic] = a.queue.Depth(topic)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (a *Agent) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if a.ctrl == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.ctrl.Dismiss()
	w.WriteHeader(http.StatusNoContent)
}

// handlePush ingests one untrusted push payload. Invalid payloads are
// dropped without side effects.
func (a *Agent) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if _, ok := a.push.Handle(body); !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handlePushClick routes a notification interaction reported by a page and
// answers with what the page should do. The notification comes back from the
// page, so its url is sanitized again before any navigation decision.
func (a *Agent) handlePushClick(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Action       string                `json:"action"`
		Notification pushgate.Notification `json:"notification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	in.Notification.URL = pushgate.SanitizeURL(in.Notification.URL, a.origin)
	out := pushgate.Click(in.Action, in.Notification)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleConnectivity receives the host platform's online/offline signal
// forwarded by a page.
func (a *Agent) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	a.monitor.Report(in.Online)
	w.WriteHeader(http.StatusNoContent)
}
