package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/routecodex/routecodex/pkg/codec"
	"github.com/routecodex/routecodex/pkg/pipeline"
	"github.com/routecodex/routecodex/pkg/rcerr"
)

// maxRequestBody bounds inbound payloads at 32 MiB.
const maxRequestBody = 32 << 20

// overrideAuthHeader carries caller-supplied upstream credentials that
// bypass the configured key material for one request.
const overrideAuthHeader = "x-rcc-upstream-authorization"

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Some clients point Responses- or Anthropic-shaped payloads at the
	// chat endpoint; normalize them so the endpoint dictates the response
	// format.
	if detected := detectPayloadProtocol(payload); detected != codec.ProtocolOpenAI {
		payload, err = normalizePayload(detected, payload)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	s.execute(w, r, codec.ProtocolOpenAI, payload)
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.execute(w, r, codec.ProtocolResponses, payload)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.execute(w, r, codec.ProtocolAnthropic, payload)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, proto codec.Protocol, payload []byte) {
	opts := pipeline.Options{
		OverrideAuth: r.Header.Get(overrideAuthHeader),
	}

	result, err := s.orchestrator.Execute(r.Context(), proto, payload, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if result.Events != nil {
		writeSSE(w, result.Events)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}

// handleEmbeddings relays the request verbatim to the provider named by the
// model prefix; embeddings have no canonical form in the gateway.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		s.writeError(w, r, rcerr.Wrap(rcerr.KindDecode, "server", "invalid embeddings payload", err))
		return
	}

	var model string
	_ = json.Unmarshal(body["model"], &model)
	providerID, bareModel, ok := strings.Cut(model, ".")
	if !ok {
		s.writeError(w, r, rcerr.New(rcerr.KindDecode, "server",
			"embeddings model must be provider-qualified, like openai.text-embedding-3-small"))
		return
	}

	baseURL, auth, err := s.orchestrator.Registry().Passthrough(providerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body["model"], _ = json.Marshal(bareModel)
	outPayload, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		strings.TrimSuffix(baseURL, "/")+"/embeddings", bytes.NewReader(outPayload))
	if err != nil {
		s.writeError(w, r, rcerr.Wrap(rcerr.KindInternal, "server", "build embeddings request", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	if override := r.Header.Get(overrideAuthHeader); override != "" {
		req.Header.Set("Authorization", override)
	} else {
		headers, err := auth.AuthHeaders(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	client := &http.Client{Timeout: s.cfg.Server.RequestTimeout}
	resp, err := client.Do(req)
	if err != nil {
		s.writeError(w, r, rcerr.Wrap(rcerr.KindUpstreamUnreachable, "server", "embeddings upstream", err))
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// detectPayloadProtocol sniffs which wire shape a chat-endpoint payload is
// in. A top-level "input" marks the Responses shape; a top-level "system"
// marks the Anthropic shape (OpenAI carries system turns inside messages).
func detectPayloadProtocol(payload []byte) codec.Protocol {
	var probe struct {
		Input    json.RawMessage `json:"input"`
		System   json.RawMessage `json:"system"`
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return codec.ProtocolOpenAI
	}
	if len(probe.Input) > 0 && len(probe.Messages) == 0 {
		return codec.ProtocolResponses
	}
	if len(probe.System) > 0 {
		return codec.ProtocolAnthropic
	}
	return codec.ProtocolOpenAI
}

// normalizePayload round-trips a foreign-shaped payload through its codec
// into the OpenAI wire shape.
func normalizePayload(from codec.Protocol, payload []byte) ([]byte, error) {
	fromCodec, err := codec.ForProtocol(from, codec.WithRelaxed())
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindInternal, "server", "normalize codec", err)
	}
	req, err := fromCodec.DecodeRequest(payload)
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindDecode, "server", "normalize payload", err)
	}
	openai, err := codec.ForProtocol(codec.ProtocolOpenAI)
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindInternal, "server", "normalize codec", err)
	}
	return openai.EncodeRequest(req)
}

func readBody(r *http.Request) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, rcerr.Wrap(rcerr.KindDecode, "server", "read request body", err)
	}
	if len(payload) == 0 {
		return nil, rcerr.New(rcerr.KindDecode, "server", "empty request body")
	}
	return payload, nil
}

// writeSSE relays codec events as a server-sent event stream, flushing
// after every event so clients see tokens as they arrive.
func writeSSE(w http.ResponseWriter, events <-chan codec.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for ev := range events {
		if ev.Name != "" {
			_, _ = io.WriteString(w, "event: "+ev.Name+"\n")
		}
		_, _ = io.WriteString(w, "data: "+ev.Data+"\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
}
