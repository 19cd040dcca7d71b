// Package proxy is the gateway's HTTP surface: the governed messages
// endpoint, the manual catalog sync trigger, and health and metrics.
package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pario-ai/tollgate/pkg/apierr"
	"github.com/pario-ai/tollgate/pkg/auth"
	"github.com/pario-ai/tollgate/pkg/catalog"
	"github.com/pario-ai/tollgate/pkg/config"
	"github.com/pario-ai/tollgate/pkg/governor"
	"github.com/pario-ai/tollgate/pkg/metrics"
	"github.com/pario-ai/tollgate/pkg/models"
	"github.com/pario-ai/tollgate/pkg/syncer"
	"github.com/pario-ai/tollgate/pkg/validate"
)

const (
	msgUnauthorized = "Unauthorized: Invalid or missing identity token"
	anonymous       = "anonymous"
)

// Verifier authenticates the caller's identity token.
type Verifier interface {
	Verify(ctx context.Context, authHeader string) (auth.Identity, error)
}

// TierResolver maps a subject to its subscription tier.
type TierResolver interface {
	Resolve(ctx context.Context, subject string) string
}

// Admitter runs the admission gates for one call. Throttle runs the rate
// gate alone for calls rejected before admission.
type Admitter interface {
	Admit(ctx context.Context, subject, tier string, estimate int) governor.Decision
	Throttle(ctx context.Context, subject string) governor.Decision
}

// Recorder takes a call outcome for background recording.
type Recorder interface {
	Record(o models.CallOutcome)
}

// SyncRunner performs one catalog sync.
type SyncRunner interface {
	Run(ctx context.Context) (syncer.Result, error)
}

// SyncStatusReader reads the sync status record of a source.
type SyncStatusReader interface {
	Get(ctx context.Context, source string) (models.SyncStatus, error)
}

// Deps are the components the server is wired with. Sync and SyncStatus may
// be nil, in which case the sync endpoints answer 503.
type Deps struct {
	Verifier   Verifier
	Tiers      TierResolver
	Validator  *validate.Validator
	Governor   Admitter
	Forwarder  *Forwarder
	Recorder   Recorder
	Sync       SyncRunner
	SyncStatus SyncStatusReader
}

// Server is the tollgate HTTP server.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router chi.Router
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, d Deps) *Server {
	s := &Server{cfg: cfg, deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "Not found", nil)
	})

	r.Post("/v1/messages", s.handleMessages)
	r.Get("/sync", s.handleSync)
	r.Post("/sync", s.handleSync)
	r.Get("/sync/status", s.handleSyncStatus)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Listen).Msg("tollgate listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// handleMessages runs one governed call: verify the caller, resolve the
// tier, validate the payload, admit it against rate and budget, forward it
// upstream and answer. A rejected payload still passes the rate gate. Usage
// and audit recording happen after the response and never block it.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	outcome := models.CallOutcome{Subject: anonymous, Model: s.cfg.Gateway.DefaultModel}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("subject", outcome.Subject).Msg("messages handler panicked")
			s.fail(w, outcome, models.FailureInternal, apierr.New(apierr.CodeInternal, msgUpstreamDown), nil)
		}
	}()

	id, err := s.deps.Verifier.Verify(ctx, r.Header.Get("Authorization"))
	if err != nil {
		log.Warn().Err(err).Msg("rejected identity token")
		s.fail(w, outcome, models.FailureAuth, apierr.Wrap(apierr.CodeAuthFailure, msgUnauthorized, err), nil)
		return
	}
	outcome.Subject = id.Subject
	outcome.Tier = s.deps.Tiers.Resolve(ctx, id.Subject)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Gateway.MaxBodyBytes))
	if err != nil {
		e := apierr.Wrap(apierr.CodeValidationFailure, "Failed to read request body", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			e.Message = "Request body too large"
		}
		s.reject(w, r, outcome, e)
		return
	}
	outcome.Model = requestedModel(body, outcome.Model)

	req, estimate, err := s.deps.Validator.Validate(body, outcome.Tier)
	if err != nil {
		s.reject(w, r, outcome, err)
		return
	}

	d := s.deps.Governor.Admit(ctx, outcome.Subject, outcome.Tier, estimate)
	setRateHeaders(w, d)
	if !d.Allowed {
		category := models.FailureRateLimit
		if d.Outcome == governor.OutcomeBudgetExceeded {
			category = models.FailureBudget
		}
		retryAfter := ceilSeconds(d.RetryAfter)
		s.fail(w, outcome, category, d.Err(), &retryAfter)
		return
	}

	payload := s.deps.Forwarder.Build(req)
	outcome.Model = payload.Model
	res, err := s.deps.Forwarder.Forward(ctx, payload)
	if err != nil {
		category := models.FailureTransport
		if res != nil {
			category = models.FailureAPIError(res.StatusCode)
		}
		s.fail(w, outcome, category, err, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)

	outcome.Success = true
	outcome.InputTokens = res.Usage.InputTokens
	outcome.OutputTokens = res.Usage.OutputTokens
	s.deps.Recorder.Record(outcome)
}

// fail answers a call attempt with err and records the failed outcome.
func (s *Server) fail(w http.ResponseWriter, o models.CallOutcome, category string, err error, retryAfter *int) {
	o.Success = false
	o.FailureCategory = category
	writeError(w, err, retryAfter)
	s.deps.Recorder.Record(o)
}

// reject answers a call whose payload failed validation. The attempt still
// counts against the rate window, and a caller already over the limit gets
// the rate denial instead of the validation error.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, o models.CallOutcome, err error) {
	d := s.deps.Governor.Throttle(r.Context(), o.Subject)
	setRateHeaders(w, d)
	if !d.Allowed {
		retryAfter := ceilSeconds(d.RetryAfter)
		s.fail(w, o, models.FailureRateLimit, d.Err(), &retryAfter)
		return
	}
	s.fail(w, o, models.FailureValidation, err, nil)
}

func setRateHeaders(w http.ResponseWriter, d governor.Decision) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(d.ResetIn)))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Catalog sync is not configured", nil)
		return
	}
	if !s.syncAuthorized(r) {
		writeJSONError(w, http.StatusForbidden, "Unauthorized", nil)
		return
	}

	// A client disconnect must not abort a run halfway through a page.
	if _, err := s.deps.Sync.Run(context.WithoutCancel(r.Context())); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.SyncStatus == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Catalog sync is not configured", nil)
		return
	}
	if !s.syncAuthorized(r) {
		writeJSONError(w, http.StatusForbidden, "Unauthorized", nil)
		return
	}
	st, err := s.deps.SyncStatus.Get(r.Context(), catalog.Source)
	if err != nil {
		log.Error().Err(err).Msg("read sync status")
		writeJSONError(w, http.StatusInternalServerError, "Failed to read sync status", nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// syncAuthorized checks the shared sync token from the x-sync-token header,
// the token query parameter or a JSON body field, in that order. An empty
// configured token authorizes nobody.
func (s *Server) syncAuthorized(r *http.Request) bool {
	want := s.cfg.Sync.Token
	if want == "" {
		return false
	}
	got := r.Header.Get("x-sync-token")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	if got == "" && r.Body != nil {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err == nil {
			got = body.Token
		}
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// requestedModel reads the model a body asks for, for audit entries of calls
// that fail before validation completes.
func requestedModel(body []byte, fallback string) string {
	var peek struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &peek); err != nil || peek.Model == "" {
		return fallback
	}
	return peek.Model
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

type errorDetail struct {
	Message    string `json:"message"`
	RetryAfter *int   `json:"retryAfter,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// writeError answers with the status and caller-safe message of err. Errors
// outside the taxonomy become a generic 500.
func writeError(w http.ResponseWriter, err error, retryAfter *int) {
	var e *apierr.Error
	if !errors.As(err, &e) {
		log.Error().Err(err).Msg("unclassified error")
		writeJSONError(w, http.StatusInternalServerError, msgUpstreamDown, nil)
		return
	}
	if e.Cause != nil && e.Code != apierr.CodeValidationFailure {
		log.Debug().Err(e.Cause).Str("code", string(e.Code)).Msg("request failed")
	}
	writeJSONError(w, e.HTTPStatus(), e.Message, retryAfter)
}

func writeJSONError(w http.ResponseWriter, code int, message string, retryAfter *int) {
	writeJSON(w, code, errorBody{Error: errorDetail{Message: message, RetryAfter: retryAfter}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}
