// Package validate checks inbound messages payloads before they reach the
// admission governor. Validation is pure: it does no I/O and the same body and
// tier always produce the same verdict.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/pario-ai/tollgate/pkg/apierr"
	"github.com/pario-ai/tollgate/pkg/config"
	"github.com/pario-ai/tollgate/pkg/models"
)

// Rejection reasons, checked in this order. Every error returned by Validate
// is an *apierr.Error with CodeValidationFailure wrapping one of these.
var (
	ErrMalformedBody        = errors.New("malformed JSON body")
	ErrNoMessages           = errors.New("messages is required and must be non-empty array")
	ErrTooManyMessages      = errors.New("too many messages")
	ErrNonTextContent       = errors.New("only text messages are supported")
	ErrMessageTooLong       = errors.New("message too long")
	ErrInvalidRole          = errors.New("invalid message role")
	ErrModelNotAllowed      = errors.New("model not allowed")
	ErrModelRequiresUpgrade = errors.New("model requires upgrade")
	ErrMaxTokens            = errors.New("invalid max_tokens")
	ErrSystemTooLong        = errors.New("system prompt too long")
)

// Limits are the payload caps the validator enforces.
type Limits struct {
	MaxMessages      int
	MaxMessageLength int
	MaxSystemLength  int
	MaxTokensLimit   int
	CharsPerToken    int
	DefaultModel     string
}

// Validator holds the immutable model tables and limits.
type Validator struct {
	limits      Limits
	models      []string
	tierModels  map[string][]string
	defaultTier string
}

// New creates a Validator. tierModels maps tier name to its model allowlist;
// unknown tiers use defaultTier's list.
func New(limits Limits, allModels []string, tierModels map[string][]string, defaultTier string) *Validator {
	return &Validator{
		limits:      limits,
		models:      allModels,
		tierModels:  tierModels,
		defaultTier: defaultTier,
	}
}

// FromConfig builds a Validator from the gateway config.
func FromConfig(cfg *config.Config) *Validator {
	g := cfg.Gateway
	return New(Limits{
		MaxMessages:      g.MaxMessages,
		MaxMessageLength: g.MaxMessageLength,
		MaxSystemLength:  g.MaxSystemLength,
		MaxTokensLimit:   g.MaxTokensLimit,
		CharsPerToken:    g.CharsPerToken,
		DefaultModel:     g.DefaultModel,
	}, cfg.Models, cfg.TierModels(), cfg.DefaultTier)
}

type rawMessage struct {
	Role    json.RawMessage `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Validate parses body and checks it against the limits and tier allowlist.
// On success it returns the parsed request and the estimated input token
// count: ceil((message chars + system chars) / charsPerToken).
func (v *Validator) Validate(body []byte, tier string) (*models.MessagesRequest, int, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, 0, reject(ErrMalformedBody, "Invalid JSON body")
	}

	var raw []json.RawMessage
	if m, ok := fields["messages"]; !ok || json.Unmarshal(m, &raw) != nil || len(raw) == 0 {
		return nil, 0, reject(ErrNoMessages, "messages is required and must be non-empty array")
	}
	if len(raw) > v.limits.MaxMessages {
		return nil, 0, reject(ErrTooManyMessages, fmt.Sprintf("Too many messages (max %d)", v.limits.MaxMessages))
	}

	req := &models.MessagesRequest{Messages: make([]models.Message, 0, len(raw))}
	totalChars := 0
	for _, r := range raw {
		var rm rawMessage
		if err := json.Unmarshal(r, &rm); err != nil {
			return nil, 0, reject(ErrNonTextContent, "Only text messages are supported")
		}
		content, ok := asString(rm.Content)
		if !ok {
			return nil, 0, reject(ErrNonTextContent, "Only text messages are supported")
		}
		n := utf8.RuneCountInString(content)
		if n > v.limits.MaxMessageLength {
			return nil, 0, reject(ErrMessageTooLong, fmt.Sprintf("Message too long (max %d chars)", v.limits.MaxMessageLength))
		}
		role, _ := asString(rm.Role)
		if role != "user" && role != "assistant" {
			return nil, 0, reject(ErrInvalidRole, "Invalid message role")
		}
		totalChars += n
		req.Messages = append(req.Messages, models.Message{Role: role, Content: content})
	}

	model := v.limits.DefaultModel
	if m, ok := fields["model"]; ok && !isNull(m) {
		s, ok := asString(m)
		if !ok {
			return nil, 0, reject(ErrModelNotAllowed, v.notAllowedMessage())
		}
		if s != "" {
			model = s
		}
	}
	if !slices.Contains(v.models, model) {
		return nil, 0, reject(ErrModelNotAllowed, v.notAllowedMessage())
	}
	allowed := v.allowedModels(tier)
	if !slices.Contains(allowed, model) {
		return nil, 0, reject(ErrModelRequiresUpgrade, fmt.Sprintf(
			"Model %s requires premium subscription. Available models: %s",
			model, strings.Join(allowed, ", ")))
	}
	req.Model = model

	if m, ok := fields["max_tokens"]; ok && !isNull(m) {
		var f float64
		if err := json.Unmarshal(m, &f); err != nil || f < 0 || f != math.Trunc(f) || f > float64(v.limits.MaxTokensLimit) {
			return nil, 0, reject(ErrMaxTokens, fmt.Sprintf("max_tokens must be <= %d", v.limits.MaxTokensLimit))
		}
		if f > 0 {
			n := int(f)
			req.MaxTokens = &n
		}
	}

	if m, ok := fields["temperature"]; ok {
		var f float64
		if json.Unmarshal(m, &f) == nil && !isNull(m) {
			req.Temperature = &f
		}
	}

	systemChars := 0
	if m, ok := fields["system"]; ok {
		if s, ok := asString(m); ok {
			systemChars = utf8.RuneCountInString(s)
			if systemChars > v.limits.MaxSystemLength {
				return nil, 0, reject(ErrSystemTooLong, fmt.Sprintf("System prompt too long (max %d chars)", v.limits.MaxSystemLength))
			}
			req.System = s
		}
	}

	per := v.limits.CharsPerToken
	if per <= 0 {
		per = 4
	}
	estimate := (totalChars + systemChars + per - 1) / per
	return req, estimate, nil
}

func (v *Validator) allowedModels(tier string) []string {
	if m, ok := v.tierModels[tier]; ok {
		return m
	}
	return v.tierModels[v.defaultTier]
}

func (v *Validator) notAllowedMessage() string {
	return "Model not allowed. Use: " + strings.Join(v.models, ", ")
}

func reject(cause error, message string) error {
	return apierr.Wrap(apierr.CodeValidationFailure, message, cause)
}

func asString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
