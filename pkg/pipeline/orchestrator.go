package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/routecodex/routecodex/pkg/codec"
	"github.com/routecodex/routecodex/pkg/compat"
	"github.com/routecodex/routecodex/pkg/config"
	"github.com/routecodex/routecodex/pkg/logger"
	"github.com/routecodex/routecodex/pkg/observability"
	"github.com/routecodex/routecodex/pkg/protocol"
	"github.com/routecodex/routecodex/pkg/rcerr"
	"github.com/routecodex/routecodex/pkg/router"
	"github.com/routecodex/routecodex/pkg/transport"
)

// Options tune a single Execute call.
type Options struct {
	// OverrideAuth replaces the configured upstream credentials
	// (x-rcc-upstream-authorization).
	OverrideAuth string
}

// Result is the outcome of one request: a complete body, or a live SSE
// event stream in the inbound protocol.
type Result struct {
	Body   []byte
	Events <-chan codec.Event
}

// Orchestrator drives requests end to end.
type Orchestrator struct {
	registry *Registry
	router   *router.Router

	maxAttempts      int
	requestTimeout   time.Duration
	preferModelField bool

	log *slog.Logger
}

func NewOrchestrator(cfg *config.Config, registry *Registry, rt *router.Router) *Orchestrator {
	return &Orchestrator{
		registry:         registry,
		router:           rt,
		maxAttempts:      cfg.Routing.MaxAttempts,
		requestTimeout:   cfg.Server.RequestTimeout,
		preferModelField: cfg.Routing.PreferModelField,
		log:              logger.GetLogger().With("component", "pipeline"),
	}
}

// Router exposes the router for /status.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Registry exposes the instance registry for /v1/models.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Execute runs one request: decode in the inbound protocol, route, call
// upstream with candidate fallback, and bridge the response back into the
// inbound protocol.
func (o *Orchestrator) Execute(ctx context.Context, inbound codec.Protocol, payload []byte, opts Options) (*Result, error) {
	requestID := uuid.NewString()
	log := o.log.With("requestId", requestID, "protocol", string(inbound))

	inCodec, err := codec.ForProtocol(inbound)
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindInternal, "pipeline", "inbound codec", err)
	}

	req, err := inCodec.DecodeRequest(payload)
	if err != nil {
		return nil, classifyDecodeError(err)
	}

	explicit := o.extractDirectives(req)
	cls := o.router.Classify(req, explicit)

	log.Debug("request classified",
		"category", string(cls.Category),
		"estimated_tokens", cls.EstimatedTokens,
		"reason", cls.Reason)

	excluded := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		target, err := o.router.SelectNext(cls, excluded)
		if err != nil {
			if lastErr != nil {
				// Routing is exhausted; the last upstream error explains why.
				return nil, lastErr
			}
			return nil, err
		}

		result, err := o.attempt(ctx, log, target, req, opts)
		if err != nil {
			id := target.ID()
			log.Warn("target attempt failed", "target", id, "error", err)

			if rcerr.KindOf(err) == rcerr.KindCancelled {
				return nil, err
			}

			failures := 1
			var re *rcerr.Error
			if errors.As(err, &re) {
				if re.Attempts > failures {
					failures = re.Attempts
				}
				if re.RetryAfter > 0 {
					// The upstream asked for a backoff; honor it beyond
					// the failure streak.
					o.router.Health().Suspend(id, re.RetryAfter)
				}
			}
			o.router.Health().RecordFailures(id, failures)
			observability.RecordUpstreamAttempt(id, string(rcerr.KindOf(err)))
			excluded[id] = true
			lastErr = err
			continue
		}

		o.router.Health().RecordSuccess(target.ID())
		observability.RecordUpstreamAttempt(target.ID(), "success")
		if result.Response != nil {
			observability.RecordTokens(target.ID(),
				result.Response.Usage.PromptTokens,
				result.Response.Usage.CompletionTokens)
		}
		return o.bridge(ctx, log, inCodec, req, target.Model, result)
	}

	if lastErr == nil {
		lastErr = rcerr.New(rcerr.KindNoRouteAvailable, "pipeline", "no candidate targets")
	}
	return nil, lastErr
}

// extractDirectives pulls inline markers out of user text and interprets a
// provider-prefixed model field. Inline wins by default; configuration can
// flip precedence to the model field.
func (o *Orchestrator) extractDirectives(req *protocol.ChatRequest) *protocol.Directive {
	protocol.StripDirectives(req)

	var explicit *protocol.Directive
	if d, ok := protocol.SplitModelDirective(req.Model); ok {
		if _, known := o.registry.Resolve(d.Provider, d.Model); known {
			explicit = &d
			req.Model = d.Model
		}
	}

	if explicit != nil && len(req.Directives) > 0 {
		if o.preferModelField {
			req.Directives = nil
		} else {
			explicit = nil
		}
	}
	return explicit
}

// attempt runs one target: credentials, compat transforms, transport, and
// the one-shot refresh retry for OAuth-backed 401/403.
func (o *Orchestrator) attempt(ctx context.Context, log *slog.Logger, target *router.Target, req *protocol.ChatRequest, opts Options) (_ *transport.SendResult, err error) {
	ctx, span := observability.GetTracer("pipeline").Start(ctx, "pipeline.attempt",
		trace.WithAttributes(
			attribute.String("gateway.target", target.ID()),
			attribute.String("gateway.provider", target.Provider),
			attribute.String("gateway.model", target.Model),
			attribute.Bool("gateway.stream", req.Stream),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, string(rcerr.KindOf(err)))
		}
		span.End()
	}()

	inst, err := o.registry.Instance(target)
	if err != nil {
		return nil, err
	}

	outReq := compatRequest(inst, target, req)

	sendOpts := transport.SendOptions{
		Stream:       req.Stream,
		Timeout:      o.requestTimeout,
		OverrideAuth: opts.OverrideAuth,
	}

	result, err := inst.Transport.Send(ctx, outReq, sendOpts)
	if err == nil {
		return result, nil
	}

	// One forced token refresh repairs an expired-but-refreshable OAuth
	// session; a second auth failure is final for this target.
	if rcerr.KindOf(err) == rcerr.KindAuthFailure && opts.OverrideAuth == "" && inst.Auth.OAuthBacked() {
		if refresher, ok := inst.Auth.(interface{ Refresh() }); ok {
			log.Info("auth failure, forcing token refresh", "target", target.ID())
			refresher.Refresh()
			return inst.Transport.Send(ctx, outReq, sendOpts)
		}
	}
	return nil, err
}

// compatRequest applies the profile's request-side transforms and pins the
// target model.
func compatRequest(inst *Instance, target *router.Target, req *protocol.ChatRequest) *protocol.ChatRequest {
	out := *req
	out.Model = target.Model
	return compat.ApplyRequest(inst.Profile, &out)
}

// classifyDecodeError maps codec failures onto the error taxonomy:
// malformed payloads are client errors, unsupported capabilities are 422s.
func classifyDecodeError(err error) error {
	var de *codec.DecodeError
	if errors.As(err, &de) {
		kind := rcerr.KindDecode
		if de.Kind == codec.ErrUnsupported {
			kind = rcerr.KindUnsupportedFeature
		}
		return rcerr.Wrap(kind, "codec", de.Error(), err)
	}
	return rcerr.Wrap(rcerr.KindDecode, "codec", fmt.Sprintf("invalid payload: %v", err), err)
}
