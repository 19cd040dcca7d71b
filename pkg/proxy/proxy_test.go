package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tollgate/pkg/apierr"
	"github.com/pario-ai/tollgate/pkg/auth"
	"github.com/pario-ai/tollgate/pkg/budget"
	"github.com/pario-ai/tollgate/pkg/config"
	"github.com/pario-ai/tollgate/pkg/governor"
	"github.com/pario-ai/tollgate/pkg/models"
	"github.com/pario-ai/tollgate/pkg/ratelimit"
	"github.com/pario-ai/tollgate/pkg/syncer"
	"github.com/pario-ai/tollgate/pkg/validate"
)

const upstreamOK = `{"id":"msg_1","model":"claude-3-haiku-20240307","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":12,"output_tokens":34}}`

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, header string) (auth.Identity, error) {
	subject, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subject == "" || subject == "bad" {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{Subject: subject}, nil
}

type fakeTiers map[string]string

func (f fakeTiers) Resolve(_ context.Context, subject string) string {
	if t, ok := f[subject]; ok {
		return t
	}
	return "free"
}

type outcomes struct {
	mu   sync.Mutex
	seen []models.CallOutcome
}

func (o *outcomes) Record(c models.CallOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, c)
}

func (o *outcomes) last(t *testing.T) models.CallOutcome {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.seen)
	return o.seen[len(o.seen)-1]
}

type fakeSync struct {
	runs int
	err  error
}

func (f *fakeSync) Run(context.Context) (syncer.Result, error) {
	f.runs++
	return syncer.Result{}, f.err
}

func (f *fakeSync) Get(_ context.Context, source string) (models.SyncStatus, error) {
	return models.SyncStatus{Source: source, Status: models.SyncSuccess, ExerciseCount: 42}, nil
}

type upstreamFake struct {
	mu       sync.Mutex
	status   int
	body     string
	calls    int
	lastReq  models.UpstreamRequest
	lastHead http.Header
}

func (u *upstreamFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.lastHead = r.Header.Clone()
	_ = json.NewDecoder(r.Body).Decode(&u.lastReq)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(u.status)
	_, _ = io.WriteString(w, u.body)
}

type harness struct {
	srv      *Server
	upstream *upstreamFake
	upSrv    *httptest.Server
	rec      *outcomes
	sync     *fakeSync
	cfg      *config.Config
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()
	up := &upstreamFake{status: http.StatusOK, body: upstreamOK}
	upSrv := httptest.NewServer(up)
	t.Cleanup(upSrv.Close)

	cfg := config.Default()
	cfg.Upstream.URL = upSrv.URL + "/v1/messages"
	cfg.Upstream.APIKey = "sk-upstream"
	cfg.Upstream.Timeout = 5 * time.Second
	cfg.Sync.Token = "sync-secret"
	if tweak != nil {
		tweak(cfg)
	}

	gov := governor.New(
		governor.NewMemoryStore(),
		ratelimit.Limit{Window: cfg.RateLimit.Window, MaxRequests: cfg.RateLimit.MaxRequests},
		budget.New(cfg.Budgets(), cfg.DefaultTier),
	)
	h := &harness{upstream: up, upSrv: upSrv, rec: &outcomes{}, sync: &fakeSync{}, cfg: cfg}
	h.srv = New(cfg, Deps{
		Verifier:   fakeVerifier{},
		Tiers:      fakeTiers{"premium-user": "premium"},
		Validator:  validate.FromConfig(cfg),
		Governor:   gov,
		Forwarder:  NewForwarder(cfg.Upstream, cfg.Gateway),
		Recorder:   h.rec,
		Sync:       h.sync,
		SyncStatus: h.sync,
	})
	return h
}

func (h *harness) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var b errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b), w.Body.String())
	return b.Error
}

const hello = `{"messages":[{"role":"user","content":"hello there"}]}`

func TestMessagesPassthrough(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodPost, "/v1/messages", "user-1", hello)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, upstreamOK, w.Body.String())
	assert.Equal(t, "19", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Reset"))

	assert.Equal(t, "sk-upstream", h.upstream.lastHead.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", h.upstream.lastHead.Get("anthropic-version"))
	assert.Equal(t, "claude-3-haiku-20240307", h.upstream.lastReq.Model)
	assert.Equal(t, 1024, h.upstream.lastReq.MaxTokens)
	assert.InDelta(t, 0.7, h.upstream.lastReq.Temperature, 1e-9)
	assert.Equal(t, []models.Message{{Role: "user", Content: "hello there"}}, h.upstream.lastReq.Messages)

	o := h.rec.last(t)
	assert.True(t, o.Success)
	assert.Equal(t, "user-1", o.Subject)
	assert.Equal(t, "free", o.Tier)
	assert.Equal(t, 12, o.InputTokens)
	assert.Equal(t, 34, o.OutputTokens)
}

func TestMessagesUpstreamServerError(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.status = http.StatusServiceUnavailable
	h.upstream.body = `{"error":{"type":"overloaded_error","message":"internal detail"}}`

	w := h.do(http.MethodPost, "/v1/messages", "user-1", hello)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "AI service error", errorMessage(t, w).Message)
	assert.NotContains(t, w.Body.String(), "internal detail")

	o := h.rec.last(t)
	assert.False(t, o.Success)
	assert.Equal(t, "api_error_503", o.FailureCategory)
}

func TestMessagesUpstreamClientError(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.status = http.StatusBadRequest
	h.upstream.body = `{"error":{"message":"prompt is too long"}}`

	w := h.do(http.MethodPost, "/v1/messages", "user-1", hello)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "AI service error", errorMessage(t, w).Message)
	assert.Equal(t, "api_error_400", h.rec.last(t).FailureCategory)
}

func TestMessagesTransportFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.upSrv.Close()

	w := h.do(http.MethodPost, "/v1/messages", "user-1", hello)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "AI service temporarily unavailable", errorMessage(t, w).Message)
	assert.Equal(t, models.FailureTransport, h.rec.last(t).FailureCategory)
}

func TestMessagesUnauthorized(t *testing.T) {
	h := newHarness(t, nil)

	for _, token := range []string{"", "bad"} {
		w := h.do(http.MethodPost, "/v1/messages", token, hello)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, msgUnauthorized, errorMessage(t, w).Message)

		o := h.rec.last(t)
		assert.Equal(t, "anonymous", o.Subject)
		assert.Equal(t, models.FailureAuth, o.FailureCategory)
	}
	assert.Zero(t, h.upstream.calls)
}

func TestMessagesValidationFailure(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodPost, "/v1/messages", "user-1", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "messages is required and must be non-empty array", errorMessage(t, w).Message)
	assert.Equal(t, models.FailureValidation, h.rec.last(t).FailureCategory)

	w = h.do(http.MethodPost, "/v1/messages", "user-1",
		`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorMessage(t, w).Message, "requires premium subscription")
	assert.Equal(t, "claude-3-5-sonnet-20241022", h.rec.last(t).Model)

	w = h.do(http.MethodPost, "/v1/messages", "user-1", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, h.upstream.calls)
}

func TestMessagesInvalidPayloadsAreRateLimited(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.RateLimit.MaxRequests = 2 })

	codes := make(map[int]int)
	for i := 0; i < 10; i++ {
		w := h.do(http.MethodPost, "/v1/messages", "user-1", `{"messages":[]}`)
		codes[w.Code]++
	}
	assert.Equal(t, map[int]int{http.StatusBadRequest: 2, http.StatusTooManyRequests: 8}, codes)
	assert.Equal(t, models.FailureRateLimit, h.rec.last(t).FailureCategory)

	// The window is shared with valid calls.
	w := h.do(http.MethodPost, "/v1/messages", "user-1", hello)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	d := errorMessage(t, w)
	assert.Equal(t, "Rate limit exceeded", d.Message)
	require.NotNil(t, d.RetryAfter)
	assert.Zero(t, h.upstream.calls)
}

func TestMessagesBodyTooLarge(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Gateway.MaxBodyBytes = 64 })

	body := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", 200) + `"}]}`
	w := h.do(http.MethodPost, "/v1/messages", "user-1", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Request body too large", errorMessage(t, w).Message)
	assert.Equal(t, "19", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, models.FailureValidation, h.rec.last(t).FailureCategory)
	assert.Zero(t, h.upstream.calls)
}

func TestMessagesPremiumModel(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodPost, "/v1/messages", "premium-user",
		`{"model":"claude-3-5-sonnet-20241022","max_tokens":9000,"temperature":3,"messages":[{"role":"user","content":"hi"}]}`)
	// max_tokens above the ceiling is a validation failure, not a clamp.
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/v1/messages", "premium-user",
		`{"model":"claude-3-5-sonnet-20241022","max_tokens":2000,"temperature":3,"system":"be brief","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "claude-3-5-sonnet-20241022", h.upstream.lastReq.Model)
	assert.Equal(t, 2000, h.upstream.lastReq.MaxTokens)
	assert.Equal(t, 1.0, h.upstream.lastReq.Temperature)
	assert.Equal(t, "be brief", h.upstream.lastReq.System)
	assert.Equal(t, "premium", h.rec.last(t).Tier)
}

func TestMessagesRateLimited(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.RateLimit.MaxRequests = 2 })

	for i := 0; i < 2; i++ {
		w := h.do(http.MethodPost, "/v1/messages", "user-1", hello)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := h.do(http.MethodPost, "/v1/messages", "user-1", hello)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))

	d := errorMessage(t, w)
	assert.Equal(t, "Rate limit exceeded", d.Message)
	require.NotNil(t, d.RetryAfter)
	assert.LessOrEqual(t, *d.RetryAfter, 60)
	assert.Positive(t, *d.RetryAfter)
	assert.Equal(t, models.FailureRateLimit, h.rec.last(t).FailureCategory)
	assert.Equal(t, 2, h.upstream.calls)

	// Another subject is unaffected.
	w = h.do(http.MethodPost, "/v1/messages", "user-2", hello)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMessagesBudgetExceeded(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		free := c.Tiers["free"]
		free.Budget.DailyInput = 2
		c.Tiers["free"] = free
	})

	w := h.do(http.MethodPost, "/v1/messages", "user-1", hello)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	d := errorMessage(t, w)
	assert.Equal(t, "Daily input token limit exceeded, resets at UTC midnight", d.Message)
	require.NotNil(t, d.RetryAfter)
	assert.Positive(t, *d.RetryAfter)
	assert.Equal(t, "19", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, models.FailureBudget, h.rec.last(t).FailureCategory)
	assert.Zero(t, h.upstream.calls)
}

func TestMessagesMethodNotAllowed(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(http.MethodGet, "/v1/messages", "user-1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "Method not allowed", errorMessage(t, w).Message)
}

func TestSyncTrigger(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodPost, "/sync", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Unauthorized", errorMessage(t, w).Message)

	w = h.do(http.MethodGet, "/sync?token=wrong", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, h.sync.runs)

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("x-sync-token", "sync-secret")
	w = httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = h.do(http.MethodGet, "/sync?token=sync-secret", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodPost, "/sync", "", `{"token":"sync-secret"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, h.sync.runs)
}

func TestSyncTriggerError(t *testing.T) {
	h := newHarness(t, nil)
	h.sync.err = apierr.Wrap(apierr.CodeSyncFatal, "catalog sync failed", errors.New("wger API error: 500"))

	w := h.do(http.MethodGet, "/sync?token=sync-secret", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, errorMessage(t, w).Message, "wger API error: 500")
}

func TestSyncRequiresConfiguredToken(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Sync.Token = "" })
	w := h.do(http.MethodGet, "/sync?token=", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, h.sync.runs)
}

func TestSyncStatus(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodGet, "/sync/status?token=sync-secret", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st models.SyncStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "wger", st.Source)
	assert.Equal(t, 42, st.ExerciseCount)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBuild(t *testing.T) {
	cfg := config.Default()
	f := NewForwarder(cfg.Upstream, cfg.Gateway)

	neg := -0.5
	big := 8000
	long := strings.Repeat("é", cfg.Gateway.MaxSystemLength+10)
	up := f.Build(&models.MessagesRequest{
		Temperature: &neg,
		MaxTokens:   &big,
		System:      long,
		Messages:    []models.Message{{Role: "user", Content: "x"}},
	})
	assert.Equal(t, cfg.Gateway.DefaultModel, up.Model)
	assert.Equal(t, 0.0, up.Temperature)
	assert.Equal(t, cfg.Gateway.MaxTokensLimit, up.MaxTokens)
	assert.Equal(t, cfg.Gateway.MaxSystemLength, len([]rune(up.System)))

	blank := f.Build(&models.MessagesRequest{System: "   "})
	assert.Empty(t, blank.System)
	assert.Equal(t, cfg.Gateway.DefaultMaxTokens, blank.MaxTokens)
}

func TestCeilSeconds(t *testing.T) {
	assert.Equal(t, 0, ceilSeconds(0))
	assert.Equal(t, 1, ceilSeconds(time.Millisecond))
	assert.Equal(t, 40, ceilSeconds(39*time.Second+time.Nanosecond))
	assert.Equal(t, 60, ceilSeconds(time.Minute))
}
