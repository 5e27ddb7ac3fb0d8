package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/routecodex/routecodex/pkg/logger"
	"github.com/routecodex/routecodex/pkg/rcerr"
)

// State of a token record.
type State string

const (
	StateUnloaded          State = "UNLOADED"
	StateLoading           State = "LOADING"
	StateValid             State = "VALID"
	StateExpired           State = "EXPIRED"
	StateRefreshing        State = "REFRESHING"
	StateDeviceCodePending State = "DEVICE_CODE_PENDING"
	StateRevoked           State = "REVOKED"
)

// StaticAlias marks tokens read once at startup and never refreshed.
const StaticAlias = "static"

// Ref identifies one token record.
type Ref struct {
	Provider string
	Alias    string
}

func (r Ref) String() string { return r.Provider + "/" + r.Alias }

// Endpoint describes one provider's OAuth endpoints.
type Endpoint struct {
	ClientID      string
	ClientSecret  string
	TokenURL      string
	DeviceAuthURL string
	Scopes        []string
}

func (e Endpoint) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     e.ClientID,
		ClientSecret: e.ClientSecret,
		Scopes:       e.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:      e.TokenURL,
			DeviceAuthURL: e.DeviceAuthURL,
		},
	}
}

type record struct {
	mu    sync.Mutex
	state State
	token *Token
	path  string

	// inflight is non-nil while a refresh or device flow runs; waiters
	// block on it and re-read state/token after it closes.
	inflight chan struct{}
	lastErr  error
}

// Manager owns all token records. At most one refresh or device-code flow
// runs per record; concurrent requesters wait for its outcome.
type Manager struct {
	store     *Store
	endpoints map[string]Endpoint
	device    *DeviceFlow

	mu      sync.Mutex
	records map[Ref]*record

	log *slog.Logger
}

type ManagerOption func(*Manager)

// WithDeviceFlow enables interactive device-code acquisition when a refresh
// is impossible or fails.
func WithDeviceFlow(d *DeviceFlow) ManagerOption {
	return func(m *Manager) { m.device = d }
}

func NewManager(store *Store, endpoints map[string]Endpoint, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		endpoints: endpoints,
		records:   make(map[Ref]*record),
		log:       logger.GetLogger().With("component", "oauth"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) record(ref Ref) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[ref]
	if !ok {
		r = &record{state: StateUnloaded}
		m.records[ref] = r
	}
	return r
}

// GetToken returns a usable access token for ref, loading, refreshing, or
// running the device flow as needed. It suspends until the record is VALID
// or the acquisition fails.
func (m *Manager) GetToken(ctx context.Context, ref Ref) (string, error) {
	r := m.record(ref)

	for {
		r.mu.Lock()

		switch r.state {
		case StateRevoked:
			r.mu.Unlock()
			return "", rcerr.New(rcerr.KindAuthFailure, "oauth",
				fmt.Sprintf("token %s is revoked", ref))

		case StateUnloaded:
			r.state = StateLoading
			m.loadLocked(ref, r)
		}

		if r.state == StateValid && r.token != nil && !r.token.Expired(time.Now()) {
			tok := r.token.AccessToken
			r.mu.Unlock()
			return tok, nil
		}

		// Static tokens are never refreshed; expiry is terminal.
		if ref.Alias == StaticAlias {
			r.mu.Unlock()
			return "", rcerr.New(rcerr.KindAuthFailure, "oauth",
				fmt.Sprintf("static token %s is expired", ref))
		}

		if r.inflight != nil {
			// Someone else is acquiring; wait for their outcome.
			wait := r.inflight
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return "", rcerr.Wrap(rcerr.KindCancelled, "oauth", "token wait cancelled", ctx.Err())
			case <-wait:
			}
			continue
		}

		done := make(chan struct{})
		r.inflight = done
		r.mu.Unlock()

		err := m.acquire(ctx, ref, r)

		r.mu.Lock()
		r.inflight = nil
		r.lastErr = err
		close(done)
		r.mu.Unlock()

		if err != nil {
			return "", err
		}
	}
}

// loadLocked moves UNLOADED→LOADING→VALID (or leaves the record needing
// acquisition). Caller holds r.mu.
func (m *Manager) loadLocked(ref Ref, r *record) {
	path, tok, err := m.store.Find(ref.Provider, ref.Alias)
	if err != nil {
		m.log.Warn("failed to load token file", "ref", ref.String(), "error", err)
	}
	r.path = path
	r.token = tok
	if tok != nil && !tok.Expired(time.Now()) {
		r.state = StateValid
	} else if tok != nil {
		r.state = StateExpired
	}
}

// acquire refreshes or runs the device flow for one record. Exactly one
// acquire runs per record at a time; callers hold the inflight slot.
func (m *Manager) acquire(ctx context.Context, ref Ref, r *record) error {
	ep, ok := m.endpoints[ref.Provider]
	if !ok {
		return rcerr.New(rcerr.KindAuthFailure, "oauth",
			fmt.Sprintf("no oauth endpoint configured for provider %s", ref.Provider))
	}

	r.mu.Lock()
	prev := r.token
	r.state = StateRefreshing
	r.mu.Unlock()

	if prev != nil && prev.Refreshable() {
		tok, err := m.refresh(ctx, ep, prev)
		if err == nil {
			return m.commit(ref, r, tok)
		}
		m.log.Warn("token refresh failed", "ref", ref.String(), "error", err)
		if !refreshDenied(err) {
			// The endpoint failed, not the grant. The refresh token on
			// disk is still good, so the record stays re-acquirable and
			// the next request retries the refresh.
			m.setStateLocked(r, StateExpired)
			return rcerr.Wrap(rcerr.KindAuthFailure, "oauth",
				fmt.Sprintf("refresh for %s failed", ref), err)
		}
		// The grant was rejected outright; only interactive auth can
		// recover from here.
	}

	if m.device == nil {
		m.setStateLocked(r, StateRevoked)
		return rcerr.New(rcerr.KindAuthFailure, "oauth",
			fmt.Sprintf("token %s cannot be refreshed and interactive auth is disabled", ref))
	}

	m.setStateLocked(r, StateDeviceCodePending)
	tok, err := m.device.Acquire(ctx, ref, ep)
	if err != nil {
		m.setStateLocked(r, StateRevoked)
		return rcerr.Wrap(rcerr.KindAuthFailure, "oauth",
			fmt.Sprintf("device flow for %s failed", ref), err)
	}
	return m.commit(ref, r, tok)
}

// refreshDenied reports whether the token endpoint rejected the grant
// itself (invalid_grant and friends) as opposed to failing transiently.
func refreshDenied(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.Response != nil &&
			re.Response.StatusCode >= 400 && re.Response.StatusCode < 500
	}
	return false
}

func (m *Manager) refresh(ctx context.Context, ep Endpoint, prev *Token) (*Token, error) {
	src := ep.config().TokenSource(ctx, &oauth2.Token{RefreshToken: prev.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	return fromOAuth2(tok, prev), nil
}

// commit persists the token and marks the record VALID.
func (m *Manager) commit(ref Ref, r *record, tok *Token) error {
	r.mu.Lock()
	path := r.path
	r.mu.Unlock()

	if path == "" {
		var err error
		path, err = m.store.NextPath(ref.Provider, ref.Alias)
		if err != nil {
			return rcerr.Wrap(rcerr.KindInternal, "oauth", "allocate token file", err)
		}
	}
	if err := m.store.Save(path, tok); err != nil {
		return rcerr.Wrap(rcerr.KindInternal, "oauth", "save token file", err)
	}

	r.mu.Lock()
	r.path = path
	r.token = tok
	r.state = StateValid
	r.mu.Unlock()

	m.log.Info("token acquired", "ref", ref.String(), "expires_at", tok.ExpiresAt)
	return nil
}

func (m *Manager) setStateLocked(r *record, s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Invalidate forces the next GetToken to refresh.
func (m *Manager) Invalidate(ref Ref) {
	r := m.record(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != nil {
		r.token.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	}
	if r.state == StateValid {
		r.state = StateLoading
	}
}

// Revoke deletes the local record and pins the state to REVOKED.
func (m *Manager) Revoke(ref Ref) error {
	r := m.record(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateRevoked
	r.token = nil
	if r.path != "" {
		return m.store.Delete(r.path)
	}
	return nil
}

// State reports a record's current state, for /status.
func (m *Manager) State(ref Ref) State {
	r := m.record(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// States snapshots every tracked record, keyed provider/alias.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	refs := make([]Ref, 0, len(m.records))
	for ref := range m.records {
		refs = append(refs, ref)
	}
	m.mu.Unlock()

	out := make(map[string]State, len(refs))
	for _, ref := range refs {
		out[ref.String()] = m.State(ref)
	}
	return out
}
