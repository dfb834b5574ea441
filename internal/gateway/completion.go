package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/proxycast/proxycast/internal/convert"
	"github.com/proxycast/proxycast/internal/hooks"
	"github.com/proxycast/proxycast/internal/observability"
	"github.com/proxycast/proxycast/internal/pipeline"
	"github.com/proxycast/proxycast/pkg/protocol"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 32 << 20

func (s *Server) handleCompletion(dialect protocol.Dialect) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeDialectError(w, dialect, http.StatusMethodNotAllowed, "method not allowed", "")
			return
		}

		ctx := observability.AddDialect(r.Context(), string(dialect))
		requestID := observability.GetRequestID(ctx)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeDialectError(w, dialect, http.StatusBadRequest, "read request body", requestID)
			return
		}

		payload, err := protocol.ParsePayload(dialect, body)
		if err != nil {
			s.logger.Warn(ctx, "malformed request", "error", err)
			writeDialectError(w, dialect, http.StatusBadRequest, err.Error(), requestID)
			return
		}

		msgs, tools, err := canonicalMessages(payload)
		if err != nil {
			s.logger.Warn(ctx, "malformed request", "error", err)
			writeDialectError(w, dialect, http.StatusBadRequest, err.Error(), requestID)
			return
		}
		if len(msgs) == 0 {
			writeDialectError(w, dialect, http.StatusBadRequest, "request has no messages", requestID)
			return
		}
		if s.metrics != nil {
			s.metrics.RecordConversion(string(dialect), "canonical")
		}

		rc := &pipeline.RequestContext{
			RequestID:  requestID,
			Dialect:    dialect,
			Payload:    payload,
			Messages:   msgs,
			Tools:      tools,
			Model:      payload.Model(),
			Stream:     payload.Stream() || r.URL.Query().Get("stream") == "true",
			APIKey:     presentedKey(r),
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.Header.Get("User-Agent"),
			SessionID:  r.Header.Get("X-Session-Id"),
			StartedAt:  s.now(),
		}

		if stepErr := s.runner.Run(ctx, rc); stepErr != nil {
			status := stepErr.Status
			msg := stepErr.Message
			if status >= 500 {
				// Internal detail never reaches the client.
				s.logger.Error(ctx, "request failed", "step_error", stepErr)
				msg = "internal error"
			}
			if s.metrics != nil {
				s.metrics.RecordError("gateway", fmt.Sprintf("http_%d", status))
			}
			writeDialectError(w, dialect, status, msg, requestID)
			return
		}

		if rc.Events != nil {
			s.streamResponse(ctx, w, rc)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(rc.ResponseBody); err != nil {
			s.logger.Warn(ctx, "write response", "error", err)
		}
	}
}

// streamResponse drains the neutral event channel into the inbound dialect's
// wire framing. CodeWhisperer gets binary event-stream frames; the other two
// get SSE through their emitters.
func (s *Server) streamResponse(ctx context.Context, w http.ResponseWriter, rc *pipeline.RequestContext) {
	if s.metrics != nil {
		s.metrics.StreamStarted(string(rc.Dialect))
		defer s.metrics.StreamEnded(string(rc.Dialect))
	}

	collector := &convert.Collector{}

	switch rc.Dialect {
	case protocol.DialectCodeWhisperer:
		s.streamCodeWhisperer(ctx, w, rc, collector)
	default:
		s.streamSSE(ctx, w, rc, collector)
	}

	// Telemetry for streams lands after the drain; the pipeline's
	// telemetry step only saw the dispatch.
	_, stop, usage, err := collector.Result()
	status := "success"
	if err != nil {
		status = "error"
	}
	s.finishTelemetry(ctx, rc, string(stop), usage, status)
}

func (s *Server) streamSSE(ctx context.Context, w http.ResponseWriter, rc *pipeline.RequestContext, collector *convert.Collector) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	var emit func(ev protocol.StreamEvent) []string
	if rc.Dialect == protocol.DialectAnthropic {
		emitter := convert.NewAnthropicEmitter(rc.Model)
		emit = emitter.Emit
	} else {
		emitter := convert.NewOpenAIEmitter(rc.Model)
		emit = emitter.Emit
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-rc.Events:
			if !ok {
				return
			}
			collector.Feed(ev)
			for _, frame := range emit(ev) {
				if _, err := io.WriteString(w, frame); err != nil {
					return
				}
			}
			if flusher != nil {
				flusher.Flush()
			}
			if ev.Type == protocol.StreamMessageStop || ev.Type == protocol.StreamError {
				return
			}
		}
	}
}

func (s *Server) streamCodeWhisperer(ctx context.Context, w http.ResponseWriter, rc *pipeline.RequestContext, collector *convert.Collector) {
	w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := newCWFrameWriter(w)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-rc.Events:
			if !ok {
				return
			}
			collector.Feed(ev)
			if err := enc.writeEvent(ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if ev.Type == protocol.StreamMessageStop || ev.Type == protocol.StreamError {
				return
			}
		}
	}
}

func (s *Server) finishTelemetry(ctx context.Context, rc *pipeline.RequestContext, stopReason string, usage protocol.Usage, status string) {
	duration := s.now().Sub(rc.StartedAt)
	route := routeOf(rc)
	providerName := ""
	if route != nil && route.provider != nil {
		providerName = route.provider.Name()
	}

	if s.metrics != nil {
		s.metrics.RecordProviderRequest(providerName, rc.Model, status,
			duration.Seconds(), usage.InputTokens, usage.OutputTokens)
	}
	s.logger.Info(ctx, "request complete",
		"dialect", rc.Dialect,
		"model", rc.Model,
		"provider", providerName,
		"status", status,
		"stop_reason", stopReason,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"duration_ms", duration.Milliseconds(),
	)
	s.hub.Broadcast(Event{
		Type:      "request.finished",
		Timestamp: s.now().UTC(),
		Data: map[string]any{
			"request_id":    rc.RequestID,
			"dialect":       rc.Dialect,
			"model":         rc.Model,
			"provider":      providerName,
			"status":        status,
			"stop_reason":   stopReason,
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
			"duration_ms":   duration.Milliseconds(),
		},
	})

	if s.hooks != nil {
		hctx := hooks.HookContext{
			RequestID: rc.RequestID,
			SessionID: rc.SessionID,
			Data: map[string]any{
				"model":         rc.Model,
				"dialect":       string(rc.Dialect),
				"provider":      providerName,
				"status":        status,
				"stop_reason":   stopReason,
				"input_tokens":  usage.InputTokens,
				"output_tokens": usage.OutputTokens,
			},
		}
		go s.hooks.Fire(context.WithoutCancel(ctx), hooks.EventAfterRequest, hctx)
	}
}

// canonicalMessages lifts the dialect payload into canonical form.
func canonicalMessages(payload *protocol.Payload) ([]protocol.Message, []protocol.Tool, error) {
	switch {
	case payload.Anthropic != nil:
		return convert.FromAnthropic(payload.Anthropic)
	case payload.OpenAI != nil:
		return convert.FromOpenAI(payload.OpenAI)
	case payload.CodeWhisperer != nil:
		return convert.FromCodeWhisperer(payload.CodeWhisperer)
	default:
		return nil, nil, errors.New("empty request payload")
	}
}

// presentedKey extracts the caller's key for the auth step. The x-api-key
// form is accepted for Anthropic-dialect clients that never send
// Authorization.
func presentedKey(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return r.Header.Get("x-api-key")
}

// writeAuthError emits a 401 in whichever dialect the path implies.
func writeAuthError(w http.ResponseWriter, r *http.Request) {
	writeDialectError(w, dialectForPath(r.URL.Path), http.StatusUnauthorized, "invalid api key", "")
}

func dialectForPath(path string) protocol.Dialect {
	switch path {
	case "/v1/messages":
		return protocol.DialectAnthropic
	case "/generateAssistantResponse":
		return protocol.DialectCodeWhisperer
	default:
		return protocol.DialectOpenAI
	}
}

// writeDialectError writes the dialect-correct error envelope. 5xx bodies
// carry only the correlation ID; the detail stays in the log.
func writeDialectError(w http.ResponseWriter, dialect protocol.Dialect, status int, msg, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	if status >= 500 && requestID != "" {
		msg = fmt.Sprintf("internal error (request id %s)", requestID)
	}

	var body any
	switch dialect {
	case protocol.DialectAnthropic:
		body = protocol.NewAnthropicError(anthropicErrType(status), msg)
	case protocol.DialectCodeWhisperer:
		body = map[string]string{
			"__type":  cwErrType(status),
			"message": msg,
		}
	default:
		body = protocol.NewOpenAIError(openaiErrType(status), openaiErrCode(status), msg)
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func anthropicErrType(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed, http.StatusRequestEntityTooLarge:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func openaiErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return "invalid_request_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func openaiErrCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "invalid_api_key"
	case http.StatusTooManyRequests:
		return "rate_limit_exceeded"
	default:
		return ""
	}
}

func cwErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return "AccessDeniedException"
	case status == http.StatusTooManyRequests:
		return "ThrottlingException"
	case status >= 500:
		return "InternalServerException"
	default:
		return "ValidationException"
	}
}
