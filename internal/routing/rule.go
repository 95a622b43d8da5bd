package routing

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Strategy names the algorithm that resolves a request to a response.
type Strategy string

const (
	NetworkOnly          Strategy = "network-only"
	NetworkFirst         Strategy = "network-first"
	CacheFirst           Strategy = "cache-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case NetworkOnly, NetworkFirst, CacheFirst, StaleWhileRevalidate:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// PluginEnqueueOnFailure hands failed requests to the sync queue.
const PluginEnqueueOnFailure = "enqueue-on-failure"

type Plugin struct {
	Kind  string
	Topic string
}

type Matcher interface {
	Match(u *url.URL) bool
}

type pathPrefixMatcher struct{ prefix string }

func (m pathPrefixMatcher) Match(u *url.URL) bool { return strings.HasPrefix(u.Path, m.prefix) }

type pathSuffixMatcher struct{ suffix string }

func (m pathSuffixMatcher) Match(u *url.URL) bool { return strings.HasSuffix(u.Path, m.suffix) }

type hostMatcher struct{ host string }

func (m hostMatcher) Match(u *url.URL) bool { return strings.EqualFold(u.Host, m.host) }

// ParseMatch compiles a match expression: one or more of PathPrefix(...),
// PathSuffix(...) or Host(...), OR-combined with "|".
func ParseMatch(expr string) ([]Matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]Matcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open < 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("invalid matcher %q", p)
		}
		kind := p[:open]
		arg := strings.TrimSpace(p[open+1 : len(p)-1])
		if arg == "" {
			return nil, fmt.Errorf("empty argument in %q", p)
		}
		switch kind {
		case "PathPrefix":
			if !strings.HasPrefix(arg, "/") {
				return nil, fmt.Errorf("invalid prefix %q", arg)
			}
			out = append(out, pathPrefixMatcher{prefix: arg})
		case "PathSuffix":
			out = append(out, pathSuffixMatcher{suffix: arg})
		case "Host":
			out = append(out, hostMatcher{host: arg})
		default:
			return nil, fmt.Errorf("unknown matcher %q", kind)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// Rule binds a matcher to a strategy, a cache namespace and a plugin set.
type Rule struct {
	Name      string
	Method    string // empty matches any method
	Matchers  []Matcher
	Strategy  Strategy
	Namespace string

	// NetworkTimeout bounds the network leg of network-first.
	// Zero means the 10s default.
	NetworkTimeout time.Duration

	Plugins []Plugin
}

func (r *Rule) Matches(method string, u *url.URL) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	for _, m := range r.Matchers {
		if m.Match(u) {
			return true
		}
	}
	return false
}

// Table is the ordered routing rule list. Declaration order is match order;
// the first matching rule wins.
type Table struct {
	rules []*Rule
}

func NewTable(rules []*Rule) *Table {
	return &Table{rules: rules}
}

func (t *Table) Pick(method string, u *url.URL) *Rule {
	for _, r := range t.rules {
		if r.Matches(method, u) {
			return r
		}
	}
	return nil
}

func (t *Table) Len() int { return len(t.rules) }
