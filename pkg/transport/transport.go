package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/routecodex/routecodex/pkg/codec"
	"github.com/routecodex/routecodex/pkg/compat"
	"github.com/routecodex/routecodex/pkg/logger"
	"github.com/routecodex/routecodex/pkg/protocol"
	"github.com/routecodex/routecodex/pkg/rcerr"
)

// AuthProvider supplies the authorization headers for a request. OAuth-backed
// targets implement this over the token manager; API-key targets return a
// fixed bearer header.
type AuthProvider interface {
	// AuthHeaders returns the headers to inject, e.g. Authorization.
	AuthHeaders(ctx context.Context) (map[string]string, error)
	// OAuthBacked reports whether a 401/403 can be repaired by a refresh.
	OAuthBacked() bool
}

// StaticAuth is an AuthProvider for plain API keys.
type StaticAuth string

func (s StaticAuth) AuthHeaders(context.Context) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	return map[string]string{"Authorization": "Bearer " + string(s)}, nil
}

func (s StaticAuth) OAuthBacked() bool { return false }

// SendOptions tune a single call.
type SendOptions struct {
	// Stream requests an SSE response from the upstream.
	Stream bool
	// Timeout overrides the per-call default.
	Timeout time.Duration
	// OverrideAuth replaces the configured auth headers entirely
	// (x-rcc-upstream-authorization pass-through).
	OverrideAuth string
}

// StreamHandle delivers decoded canonical chunks from an upstream stream.
// Err is valid after Chunks is closed; Close abandons the stream.
type StreamHandle struct {
	chunks <-chan protocol.StreamChunk
	err    *error
	cancel context.CancelFunc
}

func (h *StreamHandle) Chunks() <-chan protocol.StreamChunk { return h.chunks }

// Err reports how the stream ended. Nil means the upstream finished cleanly.
func (h *StreamHandle) Err() error { return *h.err }

func (h *StreamHandle) Close() { h.cancel() }

// SendResult is either a complete canonical response or a live stream.
type SendResult struct {
	Response *protocol.ChatResponse
	Stream   *StreamHandle
}

// Transport sends canonical requests to one upstream target.
type Transport struct {
	profile *compat.Profile
	codec   codec.Codec
	client  *Client
	baseURL string
	auth    AuthProvider
	log     *slog.Logger
}

// New builds a transport for a target. The codec is chosen by the profile's
// wire protocol; relaxed decoding applies to upstream responses since we do
// not control what providers add to their payloads.
func New(profile *compat.Profile, baseURL string, auth AuthProvider, opts ...Option) (*Transport, error) {
	c, err := codec.ForProtocol(profile.WireProtocol, codec.WithRelaxed())
	if err != nil {
		return nil, err
	}
	clientOpts := append([]Option{WithHeaderParser(HeaderParserFor(profile.Name))}, opts...)
	return &Transport{
		profile: profile,
		codec:   c,
		client:  NewClient(clientOpts...),
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		log:     logger.GetLogger().With("component", "transport", "provider", profile.Name),
	}, nil
}

// Profile exposes the compatibility profile this transport was built with.
func (t *Transport) Profile() *compat.Profile { return t.profile }

// Codec exposes the upstream wire codec, needed by the stream bridge.
func (t *Transport) Codec() codec.Codec { return t.codec }

// Send encodes req for the target's wire protocol and performs the call.
// Request-side compat (tool filtering, flattening, body decoration) must
// already have been applied by the caller; Send owns only wire concerns.
func (t *Transport) Send(ctx context.Context, req *protocol.ChatRequest, opts SendOptions) (*SendResult, error) {
	body, err := t.codec.EncodeRequest(req)
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindInternal, "transport", "encode request", err)
	}
	body, err = compat.DecorateBody(t.profile, body)
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindInternal, "transport", "decorate request body", err)
	}
	if opts.Stream {
		body, err = setStreamFlag(body)
		if err != nil {
			return nil, rcerr.Wrap(rcerr.KindInternal, "transport", "set stream flag", err)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := t.buildRequest(callCtx, body, opts)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, attempts, err := t.client.Do(httpReq)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, rcerr.Wrap(rcerr.KindCancelled, "transport", "request cancelled", ctx.Err())
		}
		e := rcerr.Wrap(rcerr.KindUpstreamUnreachable, "transport",
			fmt.Sprintf("upstream %s unreachable", t.profile.Name), err)
		e.Attempts = attempts
		return nil, e
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		return nil, t.classifyHTTPError(resp, attempts)
	}

	if opts.Stream {
		// Some upstreams ignore stream:true and answer with plain JSON;
		// the orchestrator simulates the stream from the full response.
		if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
			return &SendResult{Stream: t.newStreamHandle(resp, cancel)}, nil
		}
	}
	defer cancel()

	return t.readResponse(resp)
}

func (t *Transport) buildRequest(ctx context.Context, body []byte, opts SendOptions) (*http.Request, error) {
	url := t.baseURL + t.profile.EndpointSuffix
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindInternal, "transport", "build request", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	if opts.OverrideAuth != "" {
		req.Header.Set("Authorization", opts.OverrideAuth)
	} else if t.auth != nil {
		headers, err := t.auth.AuthHeaders(ctx)
		if err != nil {
			return nil, rcerr.Wrap(rcerr.KindAuthFailure, "transport", "resolve auth headers", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	// Profile headers after auth so a family can pin values like
	// anthropic-version regardless of the auth descriptor.
	for k, v := range t.profile.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (t *Transport) classifyHTTPError(resp *http.Response, attempts int) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	var e *rcerr.Error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e = rcerr.New(rcerr.KindAuthFailure, "transport",
			fmt.Sprintf("upstream %s returned %d", t.profile.Name, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		// retries exhausted
		e = rcerr.New(rcerr.KindUpstreamUnreachable, "transport",
			fmt.Sprintf("upstream %s still failing after retries (HTTP %d)", t.profile.Name, resp.StatusCode))
		if resp.StatusCode == http.StatusTooManyRequests {
			info := HeaderParserFor(t.profile.Name)(resp.Header)
			e.RetryAfter = info.RetryAfter
		}
	default:
		e = rcerr.New(rcerr.KindUpstreamRejected, "transport",
			fmt.Sprintf("upstream %s rejected request (HTTP %d)", t.profile.Name, resp.StatusCode))
	}
	e.UpstreamStatus = resp.StatusCode
	e.UpstreamBody = payload
	e.Attempts = attempts
	return e
}

func (t *Transport) readResponse(resp *http.Response) (*SendResult, error) {
	payload, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindUpstreamUnreachable, "transport", "read response body", err)
	}

	payload, err = compat.MapResponseBody(t.profile, payload)
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindInternal, "transport", "map response body", err)
	}
	payload = substituteWireFinish(t.profile, payload)

	canonical, err := t.codec.DecodeResponse(payload)
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindInternal, "transport",
			fmt.Sprintf("decode %s response", t.profile.Name), err)
	}

	canonical = compat.ApplyResponse(t.profile, canonical)
	return &SendResult{Response: canonical}, nil
}

func (t *Transport) newStreamHandle(resp *http.Response, cancel context.CancelFunc) *StreamHandle {
	events := make(chan codec.Event, 16)
	errc := make(chan error, 1)
	chunks := make(chan protocol.StreamChunk, 16)
	streamErr := new(error)

	go readSSE(resp.Body, events, errc)
	go func() {
		defer close(chunks)
		decoder := t.codec.NewStreamDecoder()
		for ev := range events {
			out, err := decoder.Feed(ev)
			if err != nil {
				// In-band upstream failure. The decoders skip keepalive
				// junk themselves, so any Feed error ends the stream.
				*streamErr = rcerr.Wrap(rcerr.KindStreamInterrupted, "transport",
					fmt.Sprintf("upstream %s stream failed", t.profile.Name), err)
				cancel()
				for range events {
				}
				<-errc
				return
			}
			for _, chunk := range out {
				chunks <- chunk
			}
		}
		if err := <-errc; err != nil {
			*streamErr = rcerr.Wrap(rcerr.KindStreamInterrupted, "transport",
				fmt.Sprintf("upstream %s stream interrupted", t.profile.Name), err)
		}
	}()

	return &StreamHandle{chunks: chunks, err: streamErr, cancel: cancel}
}

// CheckHealth probes the target with a minimal GET. Any response, even an
// auth rejection, proves the endpoint is reachable; only transport-level
// failures and 5xx mark it unhealthy.
func (t *Transport) CheckHealth(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, t.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.client.Do(req)
	if err != nil {
		return rcerr.Wrap(rcerr.KindUpstreamUnreachable, "transport", "health probe failed", err)
	}
	defer resp.Body.Close()
	drainBody(resp)
	if resp.StatusCode >= 500 {
		return rcerr.New(rcerr.KindUpstreamUnreachable, "transport",
			fmt.Sprintf("health probe returned HTTP %d", resp.StatusCode))
	}
	return nil
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
	resp.Body.Close()
}

func setStreamFlag(body []byte) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	obj["stream"] = true
	return json.Marshal(obj)
}

// substituteWireFinish applies the profile's finish-reason substitutions on
// the raw body so the strict canonical mapping sees only standard values.
func substituteWireFinish(p *compat.Profile, body []byte) []byte {
	if len(p.FinishReasonSubst) == 0 {
		return body
	}
	out := body
	for from, to := range p.FinishReasonSubst {
		out = bytes.ReplaceAll(out,
			[]byte(`"finish_reason":"`+from+`"`),
			[]byte(`"finish_reason":"`+to+`"`))
		out = bytes.ReplaceAll(out,
			[]byte(`"stop_reason":"`+from+`"`),
			[]byte(`"stop_reason":"`+to+`"`))
	}
	return out
}
