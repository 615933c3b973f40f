// Package diagnostics inspects the agent's local state and produces a
// severity-classified issue list, each issue carrying its own remediation.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"angkor/offline/internal/cache"
	"angkor/offline/internal/kv"
	"angkor/offline/internal/logging"
	"angkor/offline/internal/telemetry"
)

type IssueType string

const (
	TypeBrowserCache   IssueType = "browser_cache"
	TypeLocalStorage   IssueType = "localStorage"
	TypeSessionStorage IssueType = "sessionStorage"
	TypeRemoteCache    IssueType = "remote_cache"
	TypeMemoryUsage    IssueType = "memory_usage"
	TypeStaleSession   IssueType = "stale_session"
	TypeCorruptedData  IssueType = "corrupted_data"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

type FixStatus string

const (
	FixFixed  FixStatus = "fixed"
	FixFailed FixStatus = "failed"
)

// Issue is one finding. Fix is a local, idempotent remediation.
type Issue struct {
	Type     IssueType                       `json:"type"`
	Severity Severity                        `json:"severity"`
	Message  string                          `json:"message"`
	Key      string                          `json:"key,omitempty"`
	Fixable  bool                            `json:"fixable"`
	Fix      func(ctx context.Context) error `json:"-"`
}

type FixResult struct {
	Issue  Issue     `json:"issue"`
	Status FixStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

type Summary struct {
	Status    Health    `json:"status"`
	Total     int       `json:"total"`
	High      int       `json:"high"`
	Medium    int       `json:"medium"`
	Low       int       `json:"low"`
	CheckedAt time.Time `json:"checkedAt"`
}

type Report struct {
	Issues  []Issue     `json:"issues"`
	Fixes   []FixResult `json:"fixes"`
	Summary Summary     `json:"summary"`
}

const (
	DefaultQuota         = 5 * 1024 * 1024
	DefaultThreshold     = 0.9
	DefaultHeapThreshold = 0.9
	DefaultProbeTimeout  = 5 * time.Second
	DefaultStaleAfter    = 24 * time.Hour
	DefaultLastLoginKey  = "lastLogin"
)

// Options wires the runner. Zero values take the defaults above; nil
// capabilities take their no-op implementations.
type Options struct {
	Remote     DataLayer
	Navigation NavigationTiming
	Heap       HeapStats
	Reloader   Reloader

	// Preserve lists local keys that pruning keeps. Defaults to the cache's
	// essential keys.
	Preserve []string
	// PlainKeys lists local keys holding bare strings rather than JSON.
	PlainKeys []string

	Quota         int64
	Threshold     float64
	HeapThreshold float64
	ProbeTimeout  time.Duration
	StaleAfter    time.Duration
	LastLoginKey  string

	Now    func() time.Time
	Logger *slog.Logger
}

type Runner struct {
	local   kv.Store
	session kv.Store
	opts    Options
	logger  *slog.Logger

	preserve map[string]struct{}
	plain    map[string]struct{}

	mu   sync.Mutex
	last []Issue
}

func New(local, session kv.Store, opts Options) *Runner {
	if opts.Navigation == nil {
		opts.Navigation = NoNavigation
	}
	if opts.Heap == nil {
		opts.Heap = NoHeap
	}
	if opts.Reloader == nil {
		opts.Reloader = NoReload
	}
	if opts.Preserve == nil {
		opts.Preserve = DefaultPreserve()
	}
	if opts.Quota <= 0 {
		opts.Quota = DefaultQuota
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.HeapThreshold <= 0 {
		opts.HeapThreshold = DefaultHeapThreshold
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.LastLoginKey == "" {
		opts.LastLoginKey = DefaultLastLoginKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Runner{
		local:    local,
		session:  session,
		opts:     opts,
		logger:   logging.For(opts.Logger, logging.ChannelDiagnostics),
		preserve: make(map[string]struct{}),
		plain:    make(map[string]struct{}),
	}
	for _, key := range opts.Preserve {
		r.preserve[key] = struct{}{}
		r.plain[key] = struct{}{}
	}
	for _, key := range opts.PlainKeys {
		r.plain[key] = struct{}{}
	}
	r.plain[opts.LastLoginKey] = struct{}{}
	r.plain[cache.VersionKey] = struct{}{}
	return r
}

// DefaultPreserve is the set of local keys a prune keeps: the essential keys
// in raw and namespaced form plus the cache version stamp.
func DefaultPreserve() []string {
	keys := []string{cache.VersionKey}
	for _, key := range cache.EssentialKeys {
		keys = append(keys, key, cache.Prefix+key)
	}
	return keys
}

// Run inspects every area in a fixed order and remembers the issues for
// ApplyFixes.
func (r *Runner) Run(ctx context.Context) Report {
	ctx, span := telemetry.Tracer("diagnostics").Start(ctx, "diagnostics.run")
	defer span.End()

	var issues []Issue
	issues = append(issues, r.checkNavigation(ctx)...)
	issues = append(issues, r.checkLocalSize(ctx)...)
	issues = append(issues, r.checkCorruption(ctx)...)
	issues = append(issues, r.checkSessionSize(ctx)...)
	issues = append(issues, r.checkRemote(ctx)...)
	issues = append(issues, r.checkHeap()...)
	issues = append(issues, r.checkStaleSession(ctx)...)

	for i := range issues {
		issues[i].Fixable = issues[i].Fix != nil
	}

	r.mu.Lock()
	r.last = issues
	r.mu.Unlock()

	summary := GenerateSummary(issues)
	summary.CheckedAt = r.opts.Now()
	span.SetAttributes(attribute.Int("issues", len(issues)), attribute.String("health", string(summary.Status)))
	r.logger.Info("diagnostics complete", "issues", len(issues), "status", summary.Status)

	return Report{Issues: issues, Fixes: []FixResult{}, Summary: summary}
}

// ApplyFixes runs every remediation from the last Run in order. A failing fix
// is recorded and the remaining fixes still run.
func (r *Runner) ApplyFixes(ctx context.Context) []FixResult {
	r.mu.Lock()
	issues := append([]Issue(nil), r.last...)
	r.mu.Unlock()

	results := make([]FixResult, 0, len(issues))
	for _, issue := range issues {
		if issue.Fix == nil {
			continue
		}
		result := FixResult{Issue: issue, Status: FixFixed}
		if err := runFix(ctx, issue.Fix); err != nil {
			result.Status = FixFailed
			result.Error = err.Error()
			r.logger.Warn("fix failed", "type", issue.Type, "key", issue.Key, "error", err)
		} else {
			r.logger.Info("fix applied", "type", issue.Type, "key", issue.Key)
		}
		results = append(results, result)
	}
	return results
}

func runFix(ctx context.Context, fix func(context.Context) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("fix panicked: %v", recovered)
		}
	}()
	return fix(ctx)
}

// GenerateSummary classifies overall health from the issue severities.
func GenerateSummary(issues []Issue) Summary {
	summary := Summary{Status: HealthHealthy, Total: len(issues)}
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityHigh:
			summary.High++
		case SeverityMedium:
			summary.Medium++
		default:
			summary.Low++
		}
	}
	switch {
	case summary.High > 0:
		summary.Status = HealthCritical
	case summary.Medium > 0:
		summary.Status = HealthWarning
	}
	return summary
}

func (r *Runner) checkNavigation(ctx context.Context) []Issue {
	kind, ok := r.opts.Navigation.NavigationType(ctx)
	if !ok || kind != NavigationBackForward {
		return nil
	}
	return []Issue{{
		Type:     TypeBrowserCache,
		Severity: SeverityMedium,
		Message:  "Page was restored from the back/forward cache and may show stale data",
		Fix:      r.opts.Reloader.Reload,
	}}
}

func (r *Runner) checkLocalSize(ctx context.Context) []Issue {
	size, err := kv.Size(ctx, r.local)
	if err != nil {
		r.logger.Warn("measure local storage", "error", err)
		return nil
	}
	if float64(size) <= float64(r.opts.Quota)*r.opts.Threshold {
		return nil
	}
	return []Issue{{
		Type:     TypeLocalStorage,
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("Local storage is %.0f%% full (%d of %d bytes)", 100*float64(size)/float64(r.opts.Quota), size, r.opts.Quota),
		Fix:      r.pruneLocal,
	}}
}

func (r *Runner) checkCorruption(ctx context.Context) []Issue {
	keys, err := r.local.Keys(ctx)
	if err != nil {
		r.logger.Warn("list local keys", "error", err)
		return nil
	}
	var issues []Issue
	for _, key := range keys {
		if _, plain := r.plain[key]; plain {
			continue
		}
		value, err := r.local.Get(ctx, key)
		if err != nil {
			continue
		}
		if json.Valid([]byte(value)) {
			continue
		}
		key := key
		issues = append(issues, Issue{
			Type:     TypeCorruptedData,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("Entry %s does not contain valid JSON", key),
			Key:      key,
			Fix: func(ctx context.Context) error {
				return r.local.Delete(ctx, key)
			},
		})
	}
	return issues
}

func (r *Runner) checkSessionSize(ctx context.Context) []Issue {
	if r.session == nil {
		return nil
	}
	size, err := kv.Size(ctx, r.session)
	if err != nil {
		r.logger.Warn("measure session storage", "error", err)
		return nil
	}
	if float64(size) <= float64(r.opts.Quota)*r.opts.Threshold {
		return nil
	}
	return []Issue{{
		Type:     TypeSessionStorage,
		Severity: SeverityMedium,
		Message:  fmt.Sprintf("Session storage holds %d bytes", size),
		Fix:      r.clearSession,
	}}
}

func (r *Runner) checkRemote(ctx context.Context) []Issue {
	if r.opts.Remote == nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	defer cancel()
	if err := r.opts.Remote.Probe(probeCtx); err != nil {
		return []Issue{{
			Type:     TypeRemoteCache,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("Remote data service unreachable: %v", err),
			Fix:      r.opts.Remote.Reset,
		}}
	}
	return nil
}

func (r *Runner) checkHeap() []Issue {
	used, limit, ok := r.opts.Heap.HeapUsage()
	if !ok || limit == 0 {
		return nil
	}
	ratio := float64(used) / float64(limit)
	if ratio <= r.opts.HeapThreshold {
		return nil
	}
	return []Issue{{
		Type:     TypeMemoryUsage,
		Severity: SeverityMedium,
		Message:  fmt.Sprintf("Heap usage at %.0f%% of limit", ratio*100),
		Fix: func(context.Context) error {
			debug.FreeOSMemory()
			return nil
		},
	}}
}

func (r *Runner) checkStaleSession(ctx context.Context) []Issue {
	raw, err := r.local.Get(ctx, r.opts.LastLoginKey)
	if err != nil {
		return nil
	}
	lastLogin, err := parseTimestamp(raw)
	if err != nil {
		r.logger.Warn("unreadable last login", "value", raw)
		return nil
	}
	age := r.opts.Now().Sub(lastLogin)
	if age <= r.opts.StaleAfter {
		return nil
	}
	return []Issue{{
		Type:     TypeStaleSession,
		Severity: SeverityLow,
		Message:  fmt.Sprintf("Last login was %s ago", age.Truncate(time.Minute)),
		Fix: func(ctx context.Context) error {
			if err := r.local.Delete(ctx, r.opts.LastLoginKey); err != nil {
				return err
			}
			return r.clearSession(ctx)
		},
	}}
}

// pruneLocal deletes every local key outside the preserved set.
func (r *Runner) pruneLocal(ctx context.Context) error {
	keys, err := r.local.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list local keys: %w", err)
	}
	var errs []error
	for _, key := range keys {
		if _, keep := r.preserve[key]; keep {
			continue
		}
		if err := r.local.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) clearSession(ctx context.Context) error {
	if r.session == nil {
		return nil
	}
	keys, err := r.session.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list session keys: %w", err)
	}
	var errs []error
	for _, key := range keys {
		if err := r.session.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// parseTimestamp accepts RFC 3339 or milliseconds since the epoch.
func parseTimestamp(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}
