package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/proxycast/proxycast/internal/conversation"
	"github.com/proxycast/proxycast/internal/convert"
	"github.com/proxycast/proxycast/internal/credential"
	"github.com/proxycast/proxycast/internal/hooks"
	"github.com/proxycast/proxycast/internal/pipeline"
	"github.com/proxycast/proxycast/internal/providers"
	"github.com/proxycast/proxycast/internal/selector"
	"github.com/proxycast/proxycast/pkg/protocol"
)

// Core step names, in execution order. Extensions position themselves
// relative to these.
const (
	StepAuth            = "auth"
	StepTrim            = "trim"
	StepSummarise       = "summarise"
	StepSelect          = "select"
	StepConvertRequest  = "convert_request"
	StepProviderSend    = "provider_send"
	StepConvertResponse = "convert_response"
	StepTelemetry       = "telemetry"
)

// outboundKey stores the provider request shaped by convert_request.
const outboundKey = "outbound_request"

// route is the selection outcome carried through the request context.
type route struct {
	selection *selector.Selection
	provider  providers.Provider
}

func routeOf(rc *pipeline.RequestContext) *route {
	r, _ := rc.Route.(*route)
	return r
}

func (s *Server) coreSteps() []pipeline.Step {
	return []pipeline.Step{
		pipeline.StepFunc{StepName: StepAuth, Fn: s.stepAuth},
		pipeline.StepFunc{StepName: StepTrim, Fn: s.stepTrim},
		pipeline.StepFunc{StepName: StepSummarise, Fn: s.stepSummarise},
		pipeline.StepFunc{StepName: StepSelect, Fn: s.stepSelect},
		pipeline.StepFunc{StepName: StepConvertRequest, Fn: s.stepConvertRequest},
		pipeline.StepFunc{StepName: StepProviderSend, Fn: s.stepProviderSend},
		pipeline.StepFunc{StepName: StepConvertResponse, Fn: s.stepConvertResponse},
		pipeline.StepFunc{StepName: StepTelemetry, Fn: s.stepTelemetry},
	}
}

// stepAuth is the authoritative key check. The HTTP middleware rejects
// early as a fast path; extensions anchor on this step. It also pins the
// caller fingerprint and fires the before-request hooks.
func (s *Server) stepAuth(ctx context.Context, rc *pipeline.RequestContext) *pipeline.StepError {
	if key := s.cfg.Server.APIKey; key != "" && rc.APIKey != key {
		return pipeline.Abort(http.StatusUnauthorized, "invalid api key")
	}
	rc.Fingerprint = rc.RemoteAddr + "|" + rc.UserAgent

	if s.hooks != nil {
		results := s.hooks.Fire(ctx, hooks.EventBeforeRequest, hooks.HookContext{
			RequestID: rc.RequestID,
			SessionID: rc.SessionID,
			Content:   lastUserText(rc.Messages),
			Data: map[string]any{
				"model":   rc.Model,
				"dialect": string(rc.Dialect),
			},
		})
		if hooks.Blocked(results) {
			return pipeline.Abort(http.StatusForbidden, "request blocked by hook")
		}
		if extra := hooks.AdditionalContext(results); extra != "" {
			rc.Messages = append([]protocol.Message{protocol.TextMessage(protocol.RoleSystem, extra)}, rc.Messages...)
		}
	}
	return nil
}

// stepConvertRequest shapes the outbound provider request from the
// trimmed canonical conversation. The model is resolved per credential
// in provider_send so fallback re-selection can remap it.
func (s *Server) stepConvertRequest(ctx context.Context, rc *pipeline.RequestContext) *pipeline.StepError {
	if len(rc.Messages) == 0 {
		return pipeline.Abort(http.StatusBadRequest, "request has no messages")
	}
	rc.SetValue(outboundKey, providers.Request{
		Messages:       rc.Messages,
		Tools:          rc.Tools,
		MaxTokens:      maxTokensOf(rc.Payload),
		Temperature:    temperatureOf(rc.Payload),
		StopSeqs:       stopSeqsOf(rc.Payload),
		ConversationID: rc.SessionID,
	})
	if s.metrics != nil {
		if r := routeOf(rc); r != nil {
			s.metrics.RecordConversion("canonical", r.provider.Name())
		}
	}
	return nil
}

// lastUserText returns the text of the newest user message, the content a
// before_request hook matches against.
func lastUserText(msgs []protocol.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != protocol.RoleUser {
			continue
		}
		for _, b := range msgs[i].Content {
			if b.Type == protocol.BlockText {
				return b.Text
			}
		}
	}
	return ""
}

func (s *Server) stepTrim(ctx context.Context, rc *pipeline.RequestContext) *pipeline.StepError {
	before := len(rc.Messages)
	rc.Messages = conversation.Trim(s.trim, rc.Messages)
	if dropped := before - len(rc.Messages); dropped > 0 {
		s.logger.Debug(ctx, "trimmed conversation", "dropped", dropped, "kept", len(rc.Messages))
	}
	return nil
}

// stepSummarise folds older history into a synthetic system message when the
// conversation passes the threshold. Summarisation itself is a mini-tier
// completion; any failure degrades to the untouched history.
func (s *Server) stepSummarise(ctx context.Context, rc *pipeline.RequestContext) *pipeline.StepError {
	req, ok := conversation.BuildSummaryRequest(s.summary, rc.Messages)
	if !ok {
		return nil
	}

	summary, err := s.completeSummary(ctx, req)
	if err != nil {
		s.logger.Warn(ctx, "summarisation failed, keeping full history", "error", err)
		return nil
	}
	rc.Messages = conversation.AssembleWithSummary(s.summary, rc.Messages, summary)
	return nil
}

func (s *Server) completeSummary(ctx context.Context, req conversation.SummaryRequest) (string, error) {
	sel, err := s.selector.Select(ctx, s.cfg.Selector.Strategy, selector.Context{
		Tier:     credential.TierMini,
		TaskHint: "summary",
	}, s.fallbackPolicy())
	if err != nil {
		return "", err
	}
	provider, err := s.providerFor(sel.Credential)
	if err != nil {
		return "", err
	}

	msgs := []protocol.Message{
		protocol.TextMessage(protocol.RoleSystem, req.SystemPrompt),
		protocol.TextMessage(protocol.RoleUser, req.MessagesToSummarize),
	}
	result, err := provider.Complete(ctx, providers.Request{
		Model:     defaultModelFor(sel.Credential),
		Messages:  msgs,
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	return result.Message.Text(), nil
}

// stepSelect picks a credential for the requested model.
func (s *Server) stepSelect(ctx context.Context, rc *pipeline.RequestContext) *pipeline.StepError {
	sel, err := s.selectRoute(ctx, rc, nil)
	if err != nil {
		return s.selectionError(err)
	}
	rc.Route = sel
	return nil
}

func (s *Server) selectRoute(ctx context.Context, rc *pipeline.RequestContext, excluded map[string]bool) (*route, error) {
	selCtx := selector.Context{
		Tier:           tierForModel(rc.Model),
		RequestedModel: rc.Model,
		RequiresTools:  len(rc.Tools) > 0,
		RequiresVision: hasVision(rc.Messages),
	}

	sel, err := s.selector.Select(ctx, s.cfg.Selector.Strategy, selCtx, s.fallbackPolicy())
	if err != nil {
		return nil, err
	}
	if excluded[sel.Credential.ID] {
		return nil, selector.ErrNoCandidates
	}
	provider, err := s.providerFor(sel.Credential)
	if err != nil {
		return nil, err
	}
	return &route{selection: sel, provider: provider}, nil
}

func (s *Server) fallbackPolicy() selector.FallbackPolicy {
	return selector.FallbackPolicy{Kind: selector.FallbackKind(s.cfg.Selector.FallbackPolicy)}
}

func (s *Server) selectionError(err error) *pipeline.StepError {
	return &pipeline.StepError{
		Status:  http.StatusServiceUnavailable,
		Message: "no backend available for this request",
		Err:     err,
	}
}

// stepProviderSend performs the upstream call. A fallback-worthy failure
// re-enters selection with the failed credential excluded, up to the
// configured attempt budget.
func (s *Server) stepProviderSend(ctx context.Context, rc *pipeline.RequestContext) *pipeline.StepError {
	r := routeOf(rc)
	if r == nil {
		return pipeline.Abort(http.StatusInternalServerError, "no route selected")
	}

	attempts := s.cfg.Selector.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	excluded := make(map[string]bool)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := s.sendOnce(ctx, rc, r)
		if err == nil {
			if dbErr := s.store.RecordSuccess(ctx, r.selection.Credential.ID); dbErr != nil {
				s.logger.Warn(ctx, "record credential success", "error", dbErr)
			}
			rc.Route = r
			return nil
		}
		lastErr = err

		perr, ok := providers.AsError(err)
		if dbErr := s.store.RecordError(ctx, r.selection.Credential.ID); dbErr != nil {
			s.logger.Warn(ctx, "record credential error", "error", dbErr)
		}
		if !ok || !perr.Kind.ShouldFallback() {
			break
		}

		excluded[r.selection.Credential.ID] = true
		s.logger.Warn(ctx, "provider failed, trying fallback",
			"provider", r.provider.Name(), "kind", perr.Kind, "attempt", attempt+1)

		next, selErr := s.selectRoute(ctx, rc, excluded)
		if selErr != nil {
			break
		}
		r = next
	}

	return s.providerError(lastErr)
}

func (s *Server) sendOnce(ctx context.Context, rc *pipeline.RequestContext, r *route) error {
	req, _ := rc.Value(outboundKey).(providers.Request)
	req.Model = defaultModelFor(r.selection.Credential)
	if req.Model == "" {
		req.Model = rc.Model
	}

	if rc.Stream {
		events, err := r.provider.Stream(ctx, req)
		if err != nil {
			return err
		}
		rc.Events = events
		return nil
	}

	result, err := r.provider.Complete(ctx, req)
	if err != nil {
		return err
	}
	rc.Result = result
	rc.Usage = result.Usage
	rc.StopReason = result.StopReason
	return nil
}

// providerError maps an upstream failure onto the client-facing status.
func (s *Server) providerError(err error) *pipeline.StepError {
	perr, ok := providers.AsError(err)
	if !ok {
		return &pipeline.StepError{Status: http.StatusBadGateway, Message: "upstream failure", Err: err}
	}
	switch perr.Kind {
	case providers.KindInvalidRequest:
		return &pipeline.StepError{Status: http.StatusBadRequest, Message: perr.Message, Err: err}
	case providers.KindRateLimit:
		return &pipeline.StepError{Status: http.StatusTooManyRequests, Message: "upstream rate limited", Err: err}
	case providers.KindAuth:
		// All credentials exhausted on auth failures; the caller's own
		// key was already checked at the edge.
		return &pipeline.StepError{Status: http.StatusBadGateway, Message: "backend authentication failed", Err: err}
	case providers.KindTimeout:
		return &pipeline.StepError{Status: http.StatusGatewayTimeout, Message: "upstream timeout", Err: err}
	default:
		return &pipeline.StepError{Status: http.StatusBadGateway, Message: "upstream failure", Err: err}
	}
}

// stepConvertResponse renders the non-streaming result in the inbound
// dialect. Streaming responses are framed by the HTTP handler instead.
func (s *Server) stepConvertResponse(ctx context.Context, rc *pipeline.RequestContext) *pipeline.StepError {
	if rc.Events != nil {
		return nil
	}
	result, ok := rc.Result.(*providers.Result)
	if !ok || result == nil {
		return pipeline.Abort(http.StatusInternalServerError, "provider returned no result")
	}

	model := rc.Model
	if model == "" {
		model = result.Model
	}

	switch rc.Dialect {
	case protocol.DialectAnthropic:
		rc.ResponseBody = anthropicResponse(result, model)
	case protocol.DialectOpenAI:
		rc.ResponseBody = openaiResponse(result, model, s.now())
	default:
		return pipeline.Abort(http.StatusInternalServerError, "no non-streaming form for this dialect")
	}
	if s.metrics != nil {
		s.metrics.RecordConversion("canonical", string(rc.Dialect))
	}
	return nil
}

// stepTelemetry records the outcome of non-streaming requests and announces
// the dispatch of streaming ones.
func (s *Server) stepTelemetry(ctx context.Context, rc *pipeline.RequestContext) *pipeline.StepError {
	if rc.Events != nil {
		s.hub.Broadcast(Event{
			Type:      "request.streaming",
			Timestamp: s.now().UTC(),
			Data: map[string]any{
				"request_id": rc.RequestID,
				"dialect":    rc.Dialect,
				"model":      rc.Model,
			},
		})
		return nil
	}
	s.finishTelemetry(ctx, rc, string(rc.StopReason), rc.Usage, "success")
	return nil
}

func anthropicResponse(result *providers.Result, model string) protocol.AnthropicResponse {
	req := convert.ToAnthropic([]protocol.Message{result.Message}, nil)
	var content []protocol.AnthropicContentBlock
	if len(req.Messages) > 0 {
		content, _ = req.Messages[0].ContentBlocks()
	}
	stop := protocol.AnthropicStopReason(result.StopReason)
	return protocol.AnthropicResponse{
		ID:         result.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    content,
		StopReason: &stop,
		Usage: protocol.AnthropicUsage{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
		},
	}
}

func openaiResponse(result *providers.Result, model string, now time.Time) protocol.OpenAIResponse {
	req := convert.ToOpenAI([]protocol.Message{result.Message}, nil)
	var msg protocol.OpenAIMessage
	if len(req.Messages) > 0 {
		msg = req.Messages[0]
	}
	return protocol.OpenAIResponse{
		ID:      result.ID,
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
		Choices: []protocol.OpenAIChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: protocol.OpenAIFinishReason(result.StopReason),
		}},
		Usage: &protocol.OpenAIUsage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
	}
}

// providerFor builds the backend adapter for a credential. Tests swap the
// factory for a stub.
func (s *Server) providerFor(c *credential.Credential) (providers.Provider, error) {
	if s.providerFactory != nil {
		return s.providerFactory(c)
	}
	tokens := s.tokenSource(c)
	switch c.ProviderType {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			Tokens:     tokens,
			BearerAuth: c.Auth.Kind != credential.AuthAPIKey,
		}), nil
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{Tokens: tokens}), nil
	case "gemini":
		return providers.NewGeminiProvider(providers.GeminiConfig{Tokens: tokens}), nil
	case "codewhisperer":
		return providers.NewCodeWhispererProvider(providers.CodeWhispererConfig{
			Tokens:     tokens,
			ProfileArn: c.Auth.ProfileArn,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", c.ProviderType)
	}
}

func (s *Server) tokenSource(c *credential.Credential) providers.TokenSource {
	switch c.Auth.Kind {
	case credential.AuthAPIKey:
		return providers.StaticToken(c.Auth.Key)
	default:
		return credential.NewRefreshingToken(s.store, oauthConfigFor(c), c)
	}
}

// oauthConfigFor returns the token-endpoint configuration for a
// credential's refresh protocol.
func oauthConfigFor(c *credential.Credential) *oauth2.Config {
	switch c.ProviderType {
	case "anthropic":
		return &oauth2.Config{
			ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			Endpoint: oauth2.Endpoint{TokenURL: "https://console.anthropic.com/v1/oauth/token"},
		}
	case "codewhisperer":
		region := c.Auth.Region
		if region == "" {
			region = "us-east-1"
		}
		return &oauth2.Config{
			Endpoint: oauth2.Endpoint{
				TokenURL: fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region),
			},
		}
	case "gemini":
		return &oauth2.Config{
			Endpoint: oauth2.Endpoint{TokenURL: "https://oauth2.googleapis.com/token"},
		}
	default:
		return &oauth2.Config{}
	}
}

// tierForModel maps a requested model onto a tier by name convention.
func tierForModel(model string) credential.Tier {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return credential.TierMax
	case strings.Contains(m, "haiku"), strings.Contains(m, "mini"), strings.Contains(m, "flash"):
		return credential.TierMini
	default:
		return credential.TierPro
	}
}

// defaultModelFor picks the upstream model name when the credential's
// backend does not serve the requested one natively.
func defaultModelFor(c *credential.Credential) string {
	switch c.ProviderType {
	case "codewhisperer":
		return convert.MapCWModel("")
	default:
		return ""
	}
}

func hasVision(msgs []protocol.Message) bool {
	for _, m := range msgs {
		for _, b := range m.Content {
			if b.Type == protocol.BlockImage {
				return true
			}
		}
	}
	return false
}

func maxTokensOf(p *protocol.Payload) int {
	switch {
	case p.Anthropic != nil:
		return p.Anthropic.MaxTokens
	case p.OpenAI != nil:
		return p.OpenAI.MaxTokens
	default:
		return 0
	}
}

func temperatureOf(p *protocol.Payload) *float64 {
	switch {
	case p.Anthropic != nil:
		return p.Anthropic.Temperature
	case p.OpenAI != nil:
		return p.OpenAI.Temperature
	default:
		return nil
	}
}

func stopSeqsOf(p *protocol.Payload) []string {
	if p.Anthropic != nil {
		return p.Anthropic.StopSequences
	}
	return nil
}
