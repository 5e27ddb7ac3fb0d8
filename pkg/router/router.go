// Package router classifies canonical requests into route categories and
// picks candidate targets honoring pool priority, health, and context
// capacity.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routecodex/routecodex/pkg/logger"
	"github.com/routecodex/routecodex/pkg/protocol"
	"github.com/routecodex/routecodex/pkg/rcerr"
)

// Target is one concrete (provider, model, key) endpoint.
type Target struct {
	Provider         string
	Model            string
	KeyID            string
	MaxContextTokens int
}

// ID is the provider.model route identifier; health and exclusion are keyed
// on it.
func (t *Target) ID() string {
	return t.Provider + "." + t.Model
}

// Pool groups targets sharing a priority class within a category.
type Pool struct {
	ID       string
	Priority int
	Backup   bool
	Targets  []*Target
}

// Config wires the router's pieces together.
type Config struct {
	// Pools per category, in configuration order.
	Pools map[Category][]Pool
	// Resolve maps a directive to a target; nil falls back to an inline
	// target with no context information.
	Resolve func(provider, model string) (*Target, bool)

	Classifier ClassifierConfig
	// AllowOverflow permits selecting a target whose window the prompt
	// exceeds, as a last resort.
	AllowOverflow bool

	HealthThreshold int
	HealthCooldown  time.Duration
}

// tables is one immutable snapshot of the routing configuration. A config
// reload builds a fresh snapshot and swaps the pointer; in-flight
// selections keep reading the one they loaded.
type tables struct {
	pools         map[Category][]Pool
	resolve       func(provider, model string) (*Target, bool)
	classifier    *Classifier
	warnRatio     float64
	allowOverflow bool
}

// Router selects targets. Selection is a pure function of the request plus
// the excluded set; the orchestrator owns fallback iteration.
type Router struct {
	tables atomic.Pointer[tables]
	health *HealthTracker

	mu      sync.Mutex
	cursors map[string]*atomic.Uint64

	log *slog.Logger
}

func buildTables(cfg Config) *tables {
	cfg.Classifier.SetDefaults()
	pools := make(map[Category][]Pool, len(cfg.Pools))
	for cat, ps := range cfg.Pools {
		sorted := make([]Pool, len(ps))
		copy(sorted, ps)
		// Priority order, backups last regardless of their priority.
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Backup != sorted[j].Backup {
				return !sorted[i].Backup
			}
			return sorted[i].Priority > sorted[j].Priority
		})
		pools[cat] = sorted
	}
	return &tables{
		pools:         pools,
		resolve:       cfg.Resolve,
		classifier:    NewClassifier(cfg.Classifier, NewEstimator("gpt-4")),
		warnRatio:     cfg.Classifier.WarnRatio,
		allowOverflow: cfg.AllowOverflow,
	}
}

func New(cfg Config) *Router {
	r := &Router{
		health:  NewHealthTracker(cfg.HealthThreshold, cfg.HealthCooldown),
		cursors: make(map[string]*atomic.Uint64),
		log:     logger.GetLogger().With("component", "router"),
	}
	r.tables.Store(buildTables(cfg))
	return r
}

// Update swaps in the routing tables from a reloaded configuration. Health
// streaks and round-robin cursors survive the swap so a reload does not
// reset cooldowns.
func (r *Router) Update(cfg Config) {
	r.tables.Store(buildTables(cfg))
	r.log.Info("routing tables reloaded")
}

// Health exposes the tracker so the orchestrator can record outcomes.
func (r *Router) Health() *HealthTracker { return r.health }

// Classify runs the routing rules for req.
func (r *Router) Classify(req *protocol.ChatRequest, explicit *protocol.Directive) Classification {
	return r.tables.Load().classifier.Classify(req, explicit)
}

// SelectNext picks the next target for a classified request, skipping the
// excluded set and anything in health cooldown. It retries the default
// category when the classified one is exhausted, then fails with
// NoRouteAvailable.
func (r *Router) SelectNext(cls Classification, excluded map[string]bool) (*Target, error) {
	tb := r.tables.Load()
	if cls.Directive != nil {
		return r.selectDirective(tb, cls, excluded)
	}

	if t := r.selectFromCategory(tb, cls.Category, cls, excluded); t != nil {
		r.routeHit(cls.Category, t, cls.Reason)
		return t, nil
	}
	if cls.Category != CategoryDefault {
		if t := r.selectFromCategory(tb, CategoryDefault, cls, excluded); t != nil {
			r.routeHit(CategoryDefault, t, "fallback from "+string(cls.Category))
			return t, nil
		}
	}
	return nil, rcerr.New(rcerr.KindNoRouteAvailable, "router",
		fmt.Sprintf("no healthy target for category %s", cls.Category))
}

// selectDirective builds the single-element synthetic pool for an explicit
// target; health cooldown still applies.
func (r *Router) selectDirective(tb *tables, cls Classification, excluded map[string]bool) (*Target, error) {
	d := cls.Directive
	var target *Target
	if tb.resolve != nil {
		if t, ok := tb.resolve(d.Provider, d.Model); ok {
			target = t
		}
	}
	if target == nil {
		target = &Target{Provider: d.Provider, Model: d.Model}
	}

	id := target.ID()
	if excluded[id] {
		return nil, rcerr.New(rcerr.KindNoRouteAvailable, "router",
			fmt.Sprintf("directive target %s already failed", id))
	}
	if r.health.InCooldown(id) {
		return nil, rcerr.New(rcerr.KindNoRouteAvailable, "router",
			fmt.Sprintf("directive target %s is in cooldown", id))
	}
	r.routeHit(cls.Category, target, cls.Reason)
	return target, nil
}

func (r *Router) selectFromCategory(tb *tables, cat Category, cls Classification, excluded map[string]bool) *Target {
	for _, pool := range tb.pools[cat] {
		var available []*Target
		for _, t := range pool.Targets {
			id := t.ID()
			if excluded[id] || r.health.InCooldown(id) {
				continue
			}
			available = append(available, t)
		}
		if len(available) == 0 {
			continue
		}

		safe, risky, overflow := partition(available, cls.EstimatedTokens, tb.warnRatio)
		best := safe
		if len(best) == 0 {
			best = risky
		}
		if len(best) == 0 {
			if !tb.allowOverflow {
				continue
			}
			best = overflow
		}
		if len(best) == 0 {
			continue
		}

		idx := r.cursor(string(cat) + "/" + pool.ID).Add(1)
		return best[(idx-1)%uint64(len(best))]
	}
	return nil
}

func (r *Router) cursor(key string) *atomic.Uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[key]
	if !ok {
		c = &atomic.Uint64{}
		r.cursors[key] = c
	}
	return c
}

// routeHit emits the one-line selection record.
func (r *Router) routeHit(cat Category, t *Target, reason string) {
	r.log.Info(fmt.Sprintf("%s %s -> %s reason=%s",
		time.Now().Format("15:04:05"), cat, t.ID(), reason))
}
