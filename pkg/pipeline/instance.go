// Package pipeline drives a request end to end: decode, route, credential
// resolution, compatibility transforms, transport, and stream bridging.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/routecodex/routecodex/pkg/compat"
	"github.com/routecodex/routecodex/pkg/config"
	"github.com/routecodex/routecodex/pkg/oauth"
	"github.com/routecodex/routecodex/pkg/rcerr"
	"github.com/routecodex/routecodex/pkg/router"
	"github.com/routecodex/routecodex/pkg/transport"
)

// Instance is the reusable assembly for one target: profile, transport and
// auth binding. Instances are built once and shared across requests.
type Instance struct {
	Target    *router.Target
	Profile   *compat.Profile
	Transport *transport.Transport
	Auth      transport.AuthProvider
}

// Registry builds and caches pipeline instances per target. Construction is
// deduplicated with per-key single-flight so concurrent first requests to a
// target build one instance.
type Registry struct {
	mu        sync.RWMutex
	cfg       *config.Config
	instances map[string]*Instance

	oauthMgr *oauth.Manager
	group    singleflight.Group

	keyCursors sync.Map // providerID -> *atomic.Uint64
}

func NewRegistry(cfg *config.Config, oauthMgr *oauth.Manager) *Registry {
	return &Registry{
		cfg:       cfg,
		instances: make(map[string]*Instance),
		oauthMgr:  oauthMgr,
	}
}

// Reload swaps in a new configuration; cached instances are dropped and
// rebuilt lazily against the new provider set.
func (r *Registry) Reload(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.instances = make(map[string]*Instance)
}

func (r *Registry) config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Resolve maps a directive to a configured target. Models not listed under
// the provider still resolve (providers serve more models than configured)
// but carry no context-window information.
func (r *Registry) Resolve(providerID, model string) (*router.Target, bool) {
	cfg := r.config()
	p, ok := cfg.Providers[providerID]
	if !ok || !p.IsEnabled() {
		return nil, false
	}
	t := &router.Target{Provider: providerID, Model: model}
	if mc, ok := p.Models[model]; ok {
		t.MaxContextTokens = mc.MaxContextTokens
	}
	return t, true
}

// Models lists configured model IDs per enabled provider, for /v1/models.
func (r *Registry) Models() map[string][]string {
	cfg := r.config()
	out := make(map[string][]string, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		models := make([]string, 0, len(p.Models))
		for m := range p.Models {
			models = append(models, m)
		}
		out[name] = models
	}
	return out
}

// Passthrough resolves a provider's base URL and auth binding for
// endpoints the gateway relays verbatim, like embeddings.
func (r *Registry) Passthrough(providerID string) (string, transport.AuthProvider, error) {
	cfg := r.config()
	pc, ok := cfg.Providers[providerID]
	if !ok || !pc.IsEnabled() {
		return "", nil, rcerr.New(rcerr.KindNoRouteAvailable, "pipeline",
			fmt.Sprintf("provider %s is not available", providerID))
	}
	auth, err := r.buildAuth(&router.Target{Provider: providerID}, &pc)
	if err != nil {
		return "", nil, err
	}
	return pc.BaseURL, auth, nil
}

// Instance returns the cached instance for a target, building it on first
// use.
func (r *Registry) Instance(target *router.Target) (*Instance, error) {
	key := target.ID()
	if target.KeyID != "" {
		key += "#" + target.KeyID
	}

	r.mu.RLock()
	inst, ok := r.instances[key]
	r.mu.RUnlock()
	if ok {
		return inst, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.RLock()
		inst, ok := r.instances[key]
		r.mu.RUnlock()
		if ok {
			return inst, nil
		}

		inst, err := r.build(target)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.instances[key] = inst
		r.mu.Unlock()
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Instance), nil
}

func (r *Registry) build(target *router.Target) (*Instance, error) {
	cfg := r.config()
	pc, ok := cfg.Providers[target.Provider]
	if !ok {
		return nil, rcerr.New(rcerr.KindNoRouteAvailable, "pipeline",
			fmt.Sprintf("provider %s is not configured", target.Provider))
	}
	if !pc.IsEnabled() {
		return nil, rcerr.New(rcerr.KindNoRouteAvailable, "pipeline",
			fmt.Sprintf("provider %s is disabled", target.Provider))
	}

	profile, err := compat.ForType(pc.Type)
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindInternal, "pipeline", "resolve provider profile", err)
	}
	if pc.DefaultModel != "" {
		profile.DefaultModel = pc.DefaultModel
	}

	auth, err := r.buildAuth(target, &pc)
	if err != nil {
		return nil, err
	}

	tr, err := transport.New(profile, pc.BaseURL, auth)
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindInternal, "pipeline", "build transport", err)
	}

	return &Instance{
		Target:    target,
		Profile:   profile,
		Transport: tr,
		Auth:      auth,
	}, nil
}

func (r *Registry) buildAuth(target *router.Target, pc *config.ProviderConfig) (transport.AuthProvider, error) {
	if pc.OAuth != nil {
		if r.oauthMgr == nil {
			return nil, rcerr.New(rcerr.KindAuthFailure, "pipeline",
				fmt.Sprintf("provider %s requires oauth but no manager is configured", target.Provider))
		}
		alias := pc.OAuth.Alias
		if alias == "" {
			alias = "default"
		}
		return &oauth.TokenAuth{
			Manager: r.oauthMgr,
			Ref:     oauth.Ref{Provider: pc.Type, Alias: alias},
		}, nil
	}

	// Explicit keyId pins one credential; otherwise rotate over the
	// provider's key list.
	if target.KeyID != "" {
		for _, k := range pc.Keys {
			if k.ID == target.KeyID {
				return transport.StaticAuth(k.Value), nil
			}
		}
		return nil, rcerr.New(rcerr.KindAuthFailure, "pipeline",
			fmt.Sprintf("provider %s has no key %q", target.Provider, target.KeyID))
	}

	keys := make([]string, 0, len(pc.Keys)+1)
	if pc.APIKey != "" {
		keys = append(keys, pc.APIKey)
	}
	for _, k := range pc.Keys {
		keys = append(keys, k.Value)
	}

	switch len(keys) {
	case 0:
		// Local endpoints like LM Studio run without credentials.
		return transport.StaticAuth(""), nil
	case 1:
		return transport.StaticAuth(keys[0]), nil
	default:
		cursorAny, _ := r.keyCursors.LoadOrStore(target.Provider, &atomic.Uint64{})
		return &rotatingAuth{keys: keys, cursor: cursorAny.(*atomic.Uint64)}, nil
	}
}

// rotatingAuth rotates round-robin over a provider's API keys.
type rotatingAuth struct {
	keys   []string
	cursor *atomic.Uint64
}

func (a *rotatingAuth) AuthHeaders(context.Context) (map[string]string, error) {
	idx := a.cursor.Add(1)
	key := a.keys[(idx-1)%uint64(len(a.keys))]
	return map[string]string{"Authorization": "Bearer " + key}, nil
}

func (a *rotatingAuth) OAuthBacked() bool { return false }
