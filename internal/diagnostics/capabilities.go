package diagnostics

import (
	"context"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
)

// NavigationType mirrors the navigation timing entry types a page reports.
type NavigationType string

const (
	NavigationNavigate    NavigationType = "navigate"
	NavigationReload      NavigationType = "reload"
	NavigationBackForward NavigationType = "back_forward"
	NavigationPrerender   NavigationType = "prerender"
)

// NavigationTiming exposes how the current page was loaded.
type NavigationTiming interface {
	NavigationType(ctx context.Context) (NavigationType, bool)
}

// HeapStats exposes heap usage against its limit.
type HeapStats interface {
	HeapUsage() (used, limit uint64, ok bool)
}

// Reloader discards in-process state so it is rebuilt from durable storage.
type Reloader interface {
	Reload(ctx context.Context) error
}

// DataLayer is the remote data service the agent syncs against.
type DataLayer interface {
	Probe(ctx context.Context) error
	Reset(ctx context.Context) error
}

// ReportedNavigation stores the navigation type last reported by a page.
type ReportedNavigation struct {
	mu    sync.RWMutex
	value NavigationType
}

func (r *ReportedNavigation) Report(value NavigationType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = value
}

func (r *ReportedNavigation) NavigationType(context.Context) (NavigationType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.value != ""
}

// RuntimeHeap reads the Go runtime's heap statistics. The limit is the soft
// memory limit when one is set, otherwise the heap memory obtained from the OS.
type RuntimeHeap struct{}

func (RuntimeHeap) HeapUsage() (uint64, uint64, bool) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	limit := uint64(stats.HeapSys)
	if configured := debug.SetMemoryLimit(-1); configured > 0 && configured != math.MaxInt64 {
		limit = uint64(configured)
	}
	if limit == 0 {
		return 0, 0, false
	}
	return stats.HeapAlloc, limit, true
}

type noNavigation struct{}

func (noNavigation) NavigationType(context.Context) (NavigationType, bool) { return "", false }

type noHeap struct{}

func (noHeap) HeapUsage() (uint64, uint64, bool) { return 0, 0, false }

type noReload struct{}

func (noReload) Reload(context.Context) error { return nil }

var (
	// NoNavigation reports no navigation timing.
	NoNavigation NavigationTiming = noNavigation{}
	// NoHeap reports no heap statistics.
	NoHeap HeapStats = noHeap{}
	// NoReload is a reload that does nothing.
	NoReload Reloader = noReload{}
)
