package gateway

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector counts dispatch outcomes and response sizes. Everything is
// atomic; observers never block request handling.
type statsCollector struct {
	network   atomic.Uint64
	cacheHits atomic.Uint64
	queued    atomic.Uint64
	fallbacks atomic.Uint64
	failures  atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) observe(outcome string, respBytes int) {
	switch outcome {
	case "network":
		s.network.Add(1)
	case "cache":
		s.cacheHits.Add(1)
	case "queued":
		s.queued.Add(1)
	case "fallback":
		s.fallbacks.Add(1)
	case "failure":
		s.failures.Add(1)
	}
	if outcome == "queued" || outcome == "failure" {
		return
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Network        uint64 `json:"network"`
	CacheHits      uint64 `json:"cacheHits"`
	Queued         uint64 `json:"queued"`
	Fallbacks      uint64 `json:"fallbacks"`
	Failures       uint64 `json:"failures"`
	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) snapshot() statsSnapshot {
	out := statsSnapshot{
		Network:        s.network.Load(),
		CacheHits:      s.cacheHits.Load(),
		Queued:         s.queued.Load(),
		Fallbacks:      s.fallbacks.Load(),
		Failures:       s.failures.Load(),
		TotalResponses: s.totalResponses.Load(),
		TotalRespBytes: s.totalRespBytes.Load(),
		MinRespBytes:   s.minRespBytes.Load(),
		MaxRespBytes:   s.maxRespBytes.Load(),
	}
	if out.TotalResponses == 0 {
		out.MinRespBytes = 0
		return out
	}
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.AvgRespBytes = out.TotalRespBytes / out.TotalResponses
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
