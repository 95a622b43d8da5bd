package routing

import (
	"net/url"
	"strings"
)

// Query parameters that identify ad clicks and analytics sessions. They make
// otherwise-identical requests look distinct, so they are stripped before the
// cache key is computed.
var trackingParams = map[string]struct{}{
	"gclid":    {},
	"fbclid":   {},
	"mc_eid":   {},
	"igshid":   {},
	"vero_id":  {},
	"wickedid": {},
	"yclid":    {},
	"_ga":      {},
}

func isTrackingParam(name string) bool {
	if strings.HasPrefix(name, "utm_") {
		return true
	}
	_, ok := trackingParams[name]
	return ok
}

// Descriptor is the normalized identity of a request: absolute URL with
// tracking parameters and fragment removed, plus the HTTP method. Two
// requests with equal descriptors are cache-equivalent.
type Descriptor struct {
	Method string
	URL    string
}

func NewDescriptor(method string, u *url.URL) Descriptor {
	return Descriptor{
		Method: strings.ToUpper(method),
		URL:    NormalizeURL(u).String(),
	}
}

func (d Descriptor) Key() string {
	return d.Method + " " + d.URL
}

// NormalizeURL returns a copy of u with tracking parameters and the fragment
// dropped. The remaining query is re-encoded in sorted key order so parameter
// ordering cannot split the cache.
func NormalizeURL(u *url.URL) *url.URL {
	out := *u
	out.Fragment = ""
	out.RawFragment = ""
	if out.RawQuery != "" {
		q := out.Query()
		for name := range q {
			if isTrackingParam(name) {
				delete(q, name)
			}
		}
		out.RawQuery = q.Encode()
	}
	return &out
}
