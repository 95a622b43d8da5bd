package routing

import (
	"context"
	"net/http"
	"net/url"
)

// Request is the snapshot of an intercepted request: everything a strategy
// or the sync queue needs to re-issue it.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Source records how a response was produced.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Response is a materialized response snapshot.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Fetcher performs the actual network round trip for a Request.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Enqueuer accepts a failed mutating request for durable replay.
type Enqueuer interface {
	Enqueue(topic string, req *Request) error
}

func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
