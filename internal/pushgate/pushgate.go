// Package pushgate validates untrusted push payloads and turns them into
// notifications for subscribed pages. Malformed payloads are dropped without
// side effects; a hostile url is replaced with the root path.
package pushgate

import (
	"encoding/json"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const (
	DefaultTag   = "general-notification"
	DefaultIcon  = "/icons/icon-192.png"
	DefaultBadge = "/icons/badge-72.png"
	defaultTitle = "Notification"

	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// Payload is a validated push payload. Every field was optional in the raw
// input; absent fields are empty strings.
type Payload struct {
	Title   string
	Body    string
	Icon    string
	Tag     string
	URL     string
	OrderID string
}

// Decode is the tagged-union validation step: it returns the payload and
// true, or false for anything that is not a JSON object whose known fields
// are all strings. Unknown fields are ignored.
func Decode(raw []byte) (Payload, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Payload{}, false
	}

	var p Payload
	fields := map[string]*string{
		"title":   &p.Title,
		"body":    &p.Body,
		"icon":    &p.Icon,
		"tag":     &p.Tag,
		"url":     &p.URL,
		"orderId": &p.OrderID,
	}
	for name, dst := range fields {
		rawField, ok := obj[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(rawField, &s); err != nil {
			return Payload{}, false
		}
		*dst = s
	}
	return p, true
}

// SanitizeURL resolves raw against the origin and accepts only same-origin
// http(s) results. Anything else, including cross-origin absolute URLs,
// falls back to the root path.
func SanitizeURL(raw string, origin *url.URL) string {
	if raw == "" {
		return "/"
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "/"
	}
	abs := origin.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "/"
	}
	if !strings.EqualFold(abs.Host, origin.Host) {
		return "/"
	}
	return abs.RequestURI()
}

type Action struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Notification is the rendered, safe-to-display form of a payload.
type Notification struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon"`
	Badge   string   `json:"badge"`
	Tag     string   `json:"tag"`
	URL     string   `json:"url"`
	OrderID string   `json:"orderId,omitempty"`
	Actions []Action `json:"actions"`
}

// Build fills defaults: icon, badge and the replacement tag, plus the two
// standard actions.
func Build(p Payload, origin *url.URL) Notification {
	n := Notification{
		Title:   p.Title,
		Body:    p.Body,
		Icon:    p.Icon,
		Tag:     p.Tag,
		URL:     SanitizeURL(p.URL, origin),
		OrderID: p.OrderID,
		Actions: []Action{
			{ID: ActionView, Title: "View"},
			{ID: ActionDismiss, Title: "Dismiss"},
		},
	}
	if n.Title == "" {
		n.Title = defaultTitle
	}
	if n.Icon == "" {
		n.Icon = DefaultIcon
	}
	if n.Badge == "" {
		n.Badge = DefaultBadge
	}
	if n.Tag == "" {
		n.Tag = DefaultTag
	}
	return n
}

// ClickOutcome tells the page what to do with a notification interaction.
type ClickOutcome struct {
	// Dismissed closes the notification with no navigation.
	Dismissed bool `json:"dismissed"`
	// Navigate is the sanitized target URL.
	Navigate string `json:"navigate,omitempty"`
	// FocusExisting asks the page layer to focus an already-open page at
	// the same URL instead of opening a new one.
	FocusExisting bool `json:"focusExisting,omitempty"`
}

// Click routes a notification interaction. The dismiss action closes with no
// navigation; everything else navigates to the notification's URL, focusing
// an existing page when one is open.
func Click(action string, n Notification) ClickOutcome {
	if action == ActionDismiss {
		return ClickOutcome{Dismissed: true}
	}
	return ClickOutcome{Navigate: n.URL, FocusExisting: true}
}

// Pipeline wires decoding to delivery.
type Pipeline struct {
	origin  *url.URL
	publish func(Notification)
	log     *zap.Logger
}

func NewPipeline(origin *url.URL, publish func(Notification), log *zap.Logger) *Pipeline {
	return &Pipeline{origin: origin, publish: publish, log: log}
}

// Handle processes one raw push payload. Invalid payloads are dropped; the
// drop is visible only at debug level.
func (p *Pipeline) Handle(raw []byte) (Notification, bool) {
	payload, ok := Decode(raw)
	if !ok {
		p.log.Debug("push payload rejected", zap.Int("bytes", len(raw)))
		return Notification{}, false
	}
	n := Build(payload, p.origin)
	if p.publish != nil {
		p.publish(n)
	}
	return n, true
}
