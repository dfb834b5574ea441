package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/proxycast/proxycast/internal/config"
	"github.com/proxycast/proxycast/internal/credential"
	"github.com/proxycast/proxycast/internal/hooks"
	"github.com/proxycast/proxycast/internal/memory"
	"github.com/proxycast/proxycast/internal/observability"
	"github.com/proxycast/proxycast/internal/pipeline"
	"github.com/proxycast/proxycast/internal/providers"
	"github.com/proxycast/proxycast/internal/selector"
	"github.com/proxycast/proxycast/internal/storage"
	"github.com/proxycast/proxycast/pkg/protocol"
)

type stubProvider struct {
	name     string
	result   *providers.Result
	events   []protocol.StreamEvent
	err      error
	requests int
	lastReq  providers.Request
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Complete(ctx context.Context, req providers.Request) (*providers.Result, error) {
	p.requests++
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func (p *stubProvider) Stream(ctx context.Context, req providers.Request) (<-chan protocol.StreamEvent, error) {
	p.requests++
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan protocol.StreamEvent, len(p.events))
	for _, ev := range p.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func okResult() *providers.Result {
	return &providers.Result{
		ID:         "resp-1",
		Model:      "claude-sonnet-4-20250514",
		Message:    protocol.TextMessage(protocol.RoleAssistant, "hello there"),
		StopReason: protocol.StopEndTurn,
		Usage:      protocol.Usage{InputTokens: 12, OutputTokens: 4, TotalTokens: 16},
	}
}

type testEnv struct {
	server *Server
	store  *credential.Store
	pool   *credential.Pool
}

func newTestEnv(t *testing.T, factory func(c *credential.Credential) (providers.Provider, error)) *testEnv {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	store := credential.NewStore(db, 3)
	pool := credential.NewPool(store, time.Minute, logger.Slog())

	settings := config.Defaults()
	settings.Server.APIKey = "pc-test-key"

	s := NewServer(Options{
		Settings: settings,
		Logger:   logger,
		Store:    store,
		Pool:     pool,
		Selector: selector.New(pool),
		Memories: memory.NewStore(db),
		Switcher: config.NewSwitcher(filepath.Join(t.TempDir(), "config.json")),
	})
	s.providerFactory = factory
	return &testEnv{server: s, store: store, pool: pool}
}

func (e *testEnv) seed(t *testing.T, providerType string, tier credential.Tier) *credential.Credential {
	t.Helper()
	c := &credential.Credential{
		ProviderType: providerType,
		Tier:         tier,
		Auth:         credential.Auth{Kind: credential.AuthAPIKey, Key: "sk-test-" + providerType},
		IsHealthy:    true,
		Capabilities: credential.Capabilities{Vision: true, Tools: true, ContextLen: 200000},
	}
	if err := e.store.Create(context.Background(), c); err != nil {
		t.Fatalf("create credential: %v", err)
	}
	if err := e.pool.Sync(context.Background()); err != nil {
		t.Fatalf("sync pool: %v", err)
	}
	return c
}

func (e *testEnv) request(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer pc-test-key")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.request(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAuthRejection(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		path     string
		wantFrag string
	}{
		{"/v1/messages", "authentication_error"},
		{"/v1/chat/completions", "invalid_api_key"},
		{"/generateAssistantResponse", "AccessDeniedException"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(`{}`))
			rec := httptest.NewRecorder()
			env.server.routes().ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantFrag) {
				t.Errorf("body = %s, want fragment %q", rec.Body.String(), tt.wantFrag)
			}
		})
	}
}

func TestAuthXAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "pc-test-key")
	rec := httptest.NewRecorder()
	env.server.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.request(http.MethodPost, "/v1/messages", `{"model": nope}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var envl protocol.AnthropicError
	if err := json.NewDecoder(rec.Body).Decode(&envl); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envl.Error.Type != "invalid_request_error" {
		t.Errorf("error type = %q", envl.Error.Type)
	}
}

func TestNoCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"model":"claude-sonnet-4-20250514","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	rec := env.request(http.MethodPost, "/v1/messages", body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestOpenAICompletion(t *testing.T) {
	stub := &stubProvider{name: "anthropic", result: okResult()}
	env := newTestEnv(t, func(c *credential.Credential) (providers.Provider, error) {
		return stub, nil
	})
	env.seed(t, "anthropic", credential.TierPro)

	body := `{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"}]}`
	rec := env.request(http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp protocol.OpenAIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicCompletion(t *testing.T) {
	stub := &stubProvider{name: "anthropic", result: okResult()}
	env := newTestEnv(t, func(c *credential.Credential) (providers.Provider, error) {
		return stub, nil
	})
	env.seed(t, "anthropic", credential.TierPro)

	body := `{"model":"claude-sonnet-4-20250514","max_tokens":256,"messages":[{"role":"user","content":"hi"}]}`
	rec := env.request(http.MethodPost, "/v1/messages", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp protocol.AnthropicResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Type != "message" || resp.Role != "assistant" {
		t.Errorf("type/role = %q/%q", resp.Type, resp.Role)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hello there" {
		t.Errorf("content = %+v", resp.Content)
	}
	if resp.StopReason == nil || *resp.StopReason != "end_turn" {
		t.Errorf("stop_reason = %v", resp.StopReason)
	}
}

func streamEvents() []protocol.StreamEvent {
	return []protocol.StreamEvent{
		{Type: protocol.StreamMessageStart, ID: "resp-1", Model: "claude-sonnet-4-20250514"},
		{Type: protocol.StreamTextDelta, Text: "hello "},
		{Type: protocol.StreamTextDelta, Text: "world"},
		{Type: protocol.StreamMessageStop, StopReason: protocol.StopEndTurn,
			Usage: protocol.Usage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7}},
	}
}

func TestOpenAIStreaming(t *testing.T) {
	stub := &stubProvider{name: "anthropic", events: streamEvents()}
	env := newTestEnv(t, func(c *credential.Credential) (providers.Provider, error) {
		return stub, nil
	})
	env.seed(t, "anthropic", credential.TierPro)

	body := `{"model":"claude-sonnet-4-20250514","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := env.request(http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `"content":"hello "`) {
		t.Errorf("missing first delta: %s", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]") {
		t.Errorf("missing DONE sentinel: %s", out)
	}
}

func TestAnthropicStreaming(t *testing.T) {
	stub := &stubProvider{name: "anthropic", events: streamEvents()}
	env := newTestEnv(t, func(c *credential.Credential) (providers.Provider, error) {
		return stub, nil
	})
	env.seed(t, "anthropic", credential.TierPro)

	body := `{"model":"claude-sonnet-4-20250514","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := env.request(http.MethodPost, "/v1/messages", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := rec.Body.String()
	for _, frag := range []string{"event: message_start", "event: content_block_delta", "event: message_stop"} {
		if !strings.Contains(out, frag) {
			t.Errorf("missing %q in stream: %s", frag, out)
		}
	}
}

func TestCodeWhispererStreaming(t *testing.T) {
	stub := &stubProvider{name: "codewhisperer", events: streamEvents()}
	env := newTestEnv(t, func(c *credential.Credential) (providers.Provider, error) {
		return stub, nil
	})
	env.seed(t, "codewhisperer", credential.TierPro)

	body := `{"conversationState":{"chatTriggerType":"MANUAL","currentMessage":{"userInputMessage":{"content":"hi","modelId":"claude-sonnet-4-20250514"}},"history":[]}}`
	rec := env.request(http.MethodPost, "/generateAssistantResponse", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.amazon.eventstream" {
		t.Errorf("content type = %q", ct)
	}
	raw := rec.Body.Bytes()
	if !bytes.Contains(raw, []byte("assistantResponseEvent")) {
		t.Errorf("missing assistantResponseEvent frame")
	}
	if !bytes.Contains(raw, []byte(`"content":"hello "`)) {
		t.Errorf("missing text payload")
	}
}

func TestProviderFallback(t *testing.T) {
	good := &stubProvider{name: "anthropic", result: okResult()}
	rateLimited := &stubProvider{name: "anthropic", err: &providers.Error{
		Kind: providers.KindRateLimit, Provider: "anthropic", Status: 429, Message: "slow down",
	}}

	var firstID string
	env := newTestEnv(t, func(c *credential.Credential) (providers.Provider, error) {
		if c.ID == firstID {
			return rateLimited, nil
		}
		return good, nil
	})
	first := env.seed(t, "anthropic", credential.TierPro)
	firstID = first.ID
	env.seed(t, "anthropic", credential.TierPro)

	body := `{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"}]}`
	rec := env.request(http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if good.requests == 0 {
		t.Error("fallback credential was never tried")
	}
}

func TestProviderExhaustion(t *testing.T) {
	rateLimited := &stubProvider{name: "anthropic", err: &providers.Error{
		Kind: providers.KindRateLimit, Provider: "anthropic", Status: 429, Message: "slow down",
	}}
	env := newTestEnv(t, func(c *credential.Credential) (providers.Provider, error) {
		return rateLimited, nil
	})
	env.seed(t, "anthropic", credential.TierPro)

	body := `{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"}]}`
	rec := env.request(http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body = %s", rec.Code, rec.Body.String())
	}
}

func TestModelsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "anthropic", credential.TierPro)
	env.seed(t, "gemini", credential.TierMini)

	rec := env.request(http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" {
		t.Errorf("object = %q", resp.Object)
	}
	ids := make(map[string]bool)
	for _, m := range resp.Data {
		ids[m.ID] = true
	}
	if !ids["claude-sonnet-4-20250514"] || !ids["gemini-2.0-flash"] {
		t.Errorf("model ids = %v", ids)
	}
}

func TestCredentialCRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	create := `{"provider_type":"anthropic","tier":"pro","auth":{"kind":"api_key","key":"sk-ant-secret-value-1"}}`
	rec := env.request(http.MethodPost, "/admin/credentials", create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created credentialView
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created credential has no id")
	}
	if strings.Contains(rec.Body.String(), "sk-ant-secret-value-1") {
		t.Error("create response leaked the full key")
	}

	rec = env.request(http.MethodGet, "/admin/credentials", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), created.ID) {
		t.Errorf("list missing new credential: %s", rec.Body.String())
	}

	rec = env.request(http.MethodPatch, "/admin/credentials/"+created.ID, `{"is_healthy":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var patched credentialView
	if err := json.NewDecoder(rec.Body).Decode(&patched); err != nil {
		t.Fatalf("decode patched: %v", err)
	}
	if patched.IsHealthy {
		t.Error("credential still healthy after patch")
	}

	rec = env.request(http.MethodDelete, "/admin/credentials/"+created.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = env.request(http.MethodGet, "/admin/credentials/"+created.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", rec.Code)
	}
}

func TestInvalidCredentialCreate(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.request(http.MethodPost, "/admin/credentials", `{"provider_type":"anthropic","tier":"gold","auth":{"kind":"api_key","key":"x"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.request(http.MethodGet, "/healthz", "")
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-fixed")
	rec = httptest.NewRecorder()
	env.server.routes().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-fixed" {
		t.Errorf("request id = %q, want req-fixed", got)
	}
}

func TestStartRejectsBusyPort(t *testing.T) {
	env := newTestEnv(t, nil)

	blocker := httptest.NewServer(http.NotFoundHandler())
	defer blocker.Close()
	var port int
	fmt.Sscanf(blocker.Listener.Addr().String(), "127.0.0.1:%d", &port)

	env.server.cfg.Server.Host = "127.0.0.1"
	env.server.cfg.Server.Port = port

	err := env.server.Start(context.Background())
	if err == nil {
		env.server.Shutdown(context.Background())
		t.Fatal("expected bind error")
	}
	if !errors.Is(err, ErrPortInUse) {
		t.Errorf("error = %v, want ErrPortInUse", err)
	}
}

func withHooks(t *testing.T, env *testEnv, defs []hooks.HookDefinition) {
	t.Helper()
	engine, err := hooks.NewEngine(defs, env.server.logger.Slog())
	if err != nil {
		t.Fatalf("new hook engine: %v", err)
	}
	env.server.hooks = engine
}

func TestHookBlocksRequest(t *testing.T) {
	stub := &stubProvider{name: "anthropic", result: okResult()}
	env := newTestEnv(t, func(c *credential.Credential) (providers.Provider, error) {
		return stub, nil
	})
	env.seed(t, "anthropic", credential.TierPro)
	withHooks(t, env, []hooks.HookDefinition{{
		Event:    hooks.EventBeforeRequest,
		Command:  "exit 1",
		Blocking: true,
	}})

	body := `{"model":"claude-sonnet-4-20250514","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	rec := env.request(http.MethodPost, "/v1/messages", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if envelope.Error.Type != "permission_error" {
		t.Errorf("error type = %q, want permission_error", envelope.Error.Type)
	}
	if stub.requests != 0 {
		t.Errorf("provider saw %d requests, want 0", stub.requests)
	}
}

func TestHookInjectsContext(t *testing.T) {
	stub := &stubProvider{name: "anthropic", result: okResult()}
	env := newTestEnv(t, func(c *credential.Credential) (providers.Provider, error) {
		return stub, nil
	})
	env.seed(t, "anthropic", credential.TierPro)
	withHooks(t, env, []hooks.HookDefinition{{
		Event:   hooks.EventBeforeRequest,
		Command: `echo '{"additional_context":"answer in french"}'`,
	}})

	body := `{"model":"claude-sonnet-4-20250514","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	rec := env.request(http.MethodPost, "/v1/messages", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if stub.requests != 1 {
		t.Fatalf("provider saw %d requests, want 1", stub.requests)
	}
	msgs := stub.lastReq.Messages
	if len(msgs) == 0 || msgs[0].Role != protocol.RoleSystem {
		t.Fatalf("first message = %+v, want injected system message", msgs)
	}
	if got := msgs[0].Content[0].Text; got != "answer in french" {
		t.Errorf("injected context = %q", got)
	}
}

func TestMemoryAdmin(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(http.MethodPost, "/admin/memories",
		`{"category":"preference","content":"the user prefers concise answers","importance":200}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created memory.Memory
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created memory: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created memory has no id")
	}

	rec = env.request(http.MethodPost, "/admin/memories/search",
		`{"query":"concise answers"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d: %s", rec.Code, rec.Body.String())
	}
	var searched struct {
		Results []struct {
			Memory memory.Memory `json:"memory"`
			Score  float64       `json:"score"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &searched); err != nil {
		t.Fatalf("decode search results: %v", err)
	}
	if len(searched.Results) != 1 || searched.Results[0].Memory.ID != created.ID {
		t.Fatalf("search results = %+v, want the stored memory", searched.Results)
	}
	if searched.Results[0].Score <= 0 {
		t.Errorf("score = %v, want > 0", searched.Results[0].Score)
	}

	rec = env.request(http.MethodDelete, "/admin/memories/"+created.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = env.request(http.MethodGet, "/admin/memories/"+created.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestProviderSwitch(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(http.MethodPut, "/admin/config/providers",
		`{"anthropic_api_key":"sk-ant-live-0123456789"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); strings.Contains(body, "sk-ant-live-0123456789") {
		t.Errorf("response leaks the full key: %s", body)
	}
	if !strings.Contains(rec.Body.String(), "sk-ant-") {
		t.Errorf("response missing key prefix: %s", rec.Body.String())
	}
	if env.server.cfg.Providers.AnthropicAPIKey != "sk-ant-live-0123456789" {
		t.Errorf("running config not updated: %+v", env.server.cfg.Providers)
	}

	rec = env.request(http.MethodPost, "/admin/config/providers", `{}`)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestCoreStepOrder(t *testing.T) {
	reg := pipeline.NewRegistry((&Server{}).coreSteps()...)
	want := []string{
		StepAuth, StepTrim, StepSummarise, StepSelect,
		StepConvertRequest, StepProviderSend, StepConvertResponse, StepTelemetry,
	}
	steps := reg.OrderedSteps()
	if len(steps) != len(want) {
		t.Fatalf("got %d core steps, want %d", len(steps), len(want))
	}
	for i, step := range steps {
		if step.Name() != want[i] {
			t.Errorf("step[%d] = %q, want %q", i, step.Name(), want[i])
		}
	}
}

func TestRegisterBeforeAuth(t *testing.T) {
	reg := pipeline.NewRegistry((&Server{}).coreSteps()...)
	guard := pipeline.StepFunc{StepName: "guard", Fn: func(ctx context.Context, rc *pipeline.RequestContext) *pipeline.StepError {
		return nil
	}}
	if err := reg.Register(guard, pipeline.Before(StepAuth), 0); err != nil {
		t.Fatalf("register before auth: %v", err)
	}

	names := make([]string, 0)
	for _, step := range reg.OrderedSteps() {
		names = append(names, step.Name())
	}
	if names[0] != "guard" || names[1] != StepAuth {
		t.Fatalf("order = %v, want guard strictly before auth", names)
	}
	want := []string{
		StepTrim, StepSummarise, StepSelect, StepConvertRequest,
		StepProviderSend, StepConvertResponse, StepTelemetry,
	}
	for i, name := range names[2:] {
		if name != want[i] {
			t.Errorf("step[%d] = %q, want %q (no other step may move)", i+2, name, want[i])
		}
	}
}
