// Package lifecycle coordinates versioned upgrades of the agent with the
// pages that depend on it: detecting a waiting version, prompting or
// suppressing, and handing control over exactly once.
package lifecycle

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Outbound event types. The protocol is deliberately narrow: three outbound
// events plus notification fan-out, one recognized inbound message.
const (
	EventWaiting      = "waiting"
	EventControlling  = "controlling"
	EventActivated    = "activated"
	EventNotification = "notification"

	msgSkipWaiting = "skip-waiting"
)

// Event is one message to subscribed pages.
type Event struct {
	Type         string `json:"type"`
	Version      string `json:"version,omitempty"`
	Notification any    `json:"notification,omitempty"`
}

type inbound struct {
	Type string `json:"type"`
}

const broadcastTimeout = 5 * time.Second

// Hub is the signal channel between the agent and its pages. Each page holds
// one websocket; events fan out to all of them.
type Hub struct {
	log *zap.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	onSkipWaiting func()
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: log, conns: map[*websocket.Conn]struct{}{}}
}

// OnSkipWaiting registers the handler for the one inbound message.
func (h *Hub) OnSkipWaiting(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSkipWaiting = fn
}

// ServeHTTP upgrades the request and reads inbound messages until the page
// goes away. Unrecognized messages are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("websocket accept failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	skip := h.onSkipWaiting
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		var msg inbound
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			return
		}
		if msg.Type == msgSkipWaiting && skip != nil {
			skip()
		}
	}
}

// Broadcast sends one event to every subscribed page. A page that cannot be
// written to within the timeout is dropped.
func (h *Hub) Broadcast(ctx context.Context, ev Event) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
		err := wsjson.Write(wctx, c, ev)
		cancel()
		if err != nil {
			h.mu.Lock()
			delete(h.conns, c)
			h.mu.Unlock()
			_ = c.Close(websocket.StatusGoingAway, "write failed")
		}
	}
}

// Subscribers reports the number of connected pages.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll disconnects every page, typically at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = map[*websocket.Conn]struct{}{}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "shutting down")
	}
}
