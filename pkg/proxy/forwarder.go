package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pario-ai/tollgate/pkg/apierr"
	"github.com/pario-ai/tollgate/pkg/config"
	"github.com/pario-ai/tollgate/pkg/metrics"
	"github.com/pario-ai/tollgate/pkg/models"
)

// Caller-facing messages for upstream failures. Upstream detail is logged only.
const (
	msgUpstreamError    = "AI service error"
	msgUpstreamDown     = "AI service temporarily unavailable"
	maxLoggedErrorBytes = 2048
)

// Forwarder builds the sanitized upstream payload and calls the model API.
type Forwarder struct {
	url     string
	apiKey  string
	version string
	gateway config.GatewayConfig
	client  *http.Client
}

// NewForwarder creates a Forwarder from the upstream and gateway config.
func NewForwarder(up config.UpstreamConfig, gw config.GatewayConfig) *Forwarder {
	return &Forwarder{
		url:     up.URL,
		apiKey:  up.APIKey,
		version: up.Version,
		gateway: gw,
		client:  &http.Client{Timeout: up.Timeout},
	}
}

// Build turns a validated request into the payload sent upstream: the model
// defaults when absent, temperature is clamped into [0,1] with a default,
// max_tokens is capped at the hard ceiling and the system prompt is trimmed
// to its size cap. Messages pass through unchanged.
func (f *Forwarder) Build(req *models.MessagesRequest) models.UpstreamRequest {
	up := models.UpstreamRequest{
		Model:       req.Model,
		MaxTokens:   f.gateway.DefaultMaxTokens,
		Temperature: f.gateway.DefaultTemperature,
		Messages:    req.Messages,
	}
	if up.Model == "" {
		up.Model = f.gateway.DefaultModel
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		up.MaxTokens = *req.MaxTokens
	}
	if f.gateway.MaxTokensLimit > 0 {
		up.MaxTokens = min(up.MaxTokens, f.gateway.MaxTokensLimit)
	}
	if req.Temperature != nil {
		up.Temperature = max(0, min(1, *req.Temperature))
	}
	if strings.TrimSpace(req.System) != "" {
		up.System = truncateRunes(req.System, f.gateway.MaxSystemLength)
	}
	return up
}

// Result is an upstream response. Body is forwarded to the client as is.
type Result struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Usage      models.UpstreamUsage
}

// Forward sends payload upstream. A non-2xx response returns both the Result
// and an UPSTREAM_ERROR: 5xx maps to 502, 4xx keeps its status, and in both
// cases the message is generic. A transport failure returns a nil Result and
// a TRANSPORT_FAILURE.
func (f *Forwarder) Forward(ctx context.Context, payload models.UpstreamRequest) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, msgUpstreamDown, fmt.Errorf("encode upstream request: %w", err))
	}

	res, err := f.do(ctx, body)
	if err != nil {
		metrics.UpstreamCalls.WithLabelValues(metrics.StatusClass(0)).Inc()
		return nil, apierr.Wrap(apierr.CodeTransportFailure, msgUpstreamDown, err)
	}
	metrics.UpstreamCalls.WithLabelValues(metrics.StatusClass(res.StatusCode)).Inc()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		log.Error().
			Int("status", res.StatusCode).
			Str("model", payload.Model).
			Str("body", string(res.Body[:min(len(res.Body), maxLoggedErrorBytes)])).
			Msg("upstream returned error")
		status := res.StatusCode
		if status >= 500 {
			status = http.StatusBadGateway
		}
		e := apierr.Wrap(apierr.CodeUpstreamError, msgUpstreamError, fmt.Errorf("upstream status %d", res.StatusCode))
		e.Status = status
		return res, e
	}

	var parsed models.UpstreamResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		log.Warn().Err(err).Msg("upstream response is not JSON, forwarding without usage")
	} else if parsed.Usage != nil {
		res.Usage = *parsed.Usage
	}
	return res, nil
}

func (f *Forwarder) do(ctx context.Context, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", f.apiKey)
	if f.version != "" {
		req.Header.Set("anthropic-version", f.version)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Header:     resp.Header,
	}, nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
