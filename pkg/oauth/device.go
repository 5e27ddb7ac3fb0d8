package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/routecodex/routecodex/pkg/logger"
)

const (
	// callback listener defaults
	callbackPort    = 8080
	callbackPath    = "/oauth2callback"
	callbackTimeout = 10 * time.Minute

	// portal readiness probe: poll up to 15 times at 200ms
	portalProbeAttempts = 15
	portalProbeInterval = 200 * time.Millisecond
)

// Prompter surfaces the verification URL to the user. The CLI prints it;
// tests capture it.
type Prompter func(ref Ref, verificationURL, userCode string)

// DeviceFlow runs interactive token acquisition. Providers with a device
// authorization endpoint use the RFC 8628 poll; the rest use the
// authorization-code flow with a local callback listener.
type DeviceFlow struct {
	// PortalURL is the local portal page shown to the user; when set, the
	// flow probes it for readiness before prompting.
	PortalURL string
	Prompt    Prompter

	log *slog.Logger
}

func NewDeviceFlow(portalURL string, prompt Prompter) *DeviceFlow {
	if prompt == nil {
		prompt = func(ref Ref, url, code string) {
			if code != "" {
				fmt.Printf("To authorize %s, visit %s and enter code %s\n", ref, url, code)
			} else {
				fmt.Printf("To authorize %s, visit %s\n", ref, url)
			}
		}
	}
	return &DeviceFlow{
		PortalURL: portalURL,
		Prompt:    prompt,
		log:       logger.GetLogger().With("component", "oauth.device"),
	}
}

// Acquire obtains a fresh token interactively. The caller serializes
// invocations per record.
func (d *DeviceFlow) Acquire(ctx context.Context, ref Ref, ep Endpoint) (*Token, error) {
	d.probePortal(ctx)

	if ep.DeviceAuthURL != "" {
		return d.deviceCode(ctx, ref, ep)
	}
	return d.authorizationCode(ctx, ref, ep)
}

// probePortal waits for the portal route to answer before the user is sent
// there. Best-effort: a portal that never comes up only degrades the prompt.
func (d *DeviceFlow) probePortal(ctx context.Context) {
	if d.PortalURL == "" {
		return
	}
	client := &http.Client{Timeout: portalProbeInterval}
	for i := 0; i < portalProbeAttempts; i++ {
		resp, err := client.Get(d.PortalURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(portalProbeInterval):
		}
	}
	d.log.Warn("auth portal did not become ready", "url", d.PortalURL)
}

func (d *DeviceFlow) deviceCode(ctx context.Context, ref Ref, ep Endpoint) (*Token, error) {
	conf := ep.config()
	da, err := conf.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device authorization request: %w", err)
	}

	url := da.VerificationURIComplete
	if url == "" {
		url = da.VerificationURI
	}
	d.Prompt(ref, url, da.UserCode)

	tok, err := conf.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("device token poll: %w", err)
	}
	return fromOAuth2(tok, nil), nil
}

// authorizationCode runs the redirect flow against a short-lived local
// listener. Receipt of matching state plus a code completes the flow; the
// listener dies after ten minutes regardless.
func (d *DeviceFlow) authorizationCode(ctx context.Context, ref Ref, ep Endpoint) (*Token, error) {
	state, err := randomState()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", callbackPort))
	if err != nil {
		return nil, fmt.Errorf("start callback listener: %w", err)
	}

	conf := ep.config()
	conf.RedirectURL = fmt.Sprintf("http://localhost:%d%s", callbackPort, callbackPath)

	type result struct {
		code string
		err  error
	}
	results := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			results <- result{err: errors.New("oauth callback state mismatch")}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			results <- result{err: errors.New("oauth callback missing code")}
			return
		}
		fmt.Fprintln(w, "Authorization complete. You can close this window.")
		results <- result{code: code}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	d.Prompt(ref, conf.AuthCodeURL(state, oauth2.AccessTypeOffline), "")

	timeout := time.NewTimer(callbackTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, errors.New("oauth callback timed out")
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		tok, err := conf.Exchange(ctx, res.code)
		if err != nil {
			return nil, fmt.Errorf("code exchange: %w", err)
		}
		return fromOAuth2(tok, nil), nil
	}
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
