// Package auth verifies bearer identity tokens issued by a trusted issuer.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/tollgate/pkg/config"
)

var (
	// ErrMissingToken is returned when no bearer token is present.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned when the token is invalid for any reason.
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the verified caller.
type Identity struct {
	Subject string
	Email   string
}

type idClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Verifier validates identity tokens against one issuer. Keys are either a
// shared HMAC secret, RSA public keys selected by the "kid" header, or both.
type Verifier struct {
	issuer   string
	audience string
	secret   []byte
	keys     map[string]*rsa.PublicKey
	parser   *jwt.Parser
}

// NewVerifier creates a Verifier. The issuer and at least one key source are
// required.
func NewVerifier(issuer, audience string, secret []byte, keys map[string]*rsa.PublicKey) (*Verifier, error) {
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("auth: trusted issuer is required")
	}
	if len(secret) == 0 && len(keys) == 0 {
		return nil, fmt.Errorf("auth: no verification keys configured")
	}
	var methods []string
	if len(secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if len(keys) > 0 {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	return &Verifier{
		issuer:   issuer,
		audience: audience,
		secret:   secret,
		keys:     keys,
		parser:   jwt.NewParser(jwt.WithValidMethods(methods)),
	}, nil
}

// FromConfig builds a Verifier from the auth config. PublicKeysFile is a YAML
// map of key id to PEM-encoded RSA public key.
func FromConfig(cfg config.AuthConfig) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var keys map[string]*rsa.PublicKey
	if cfg.PublicKeysFile != "" {
		data, err := os.ReadFile(cfg.PublicKeysFile)
		if err != nil {
			return nil, fmt.Errorf("read public keys: %w", err)
		}
		var pems map[string]string
		if err := yaml.Unmarshal(data, &pems); err != nil {
			return nil, fmt.Errorf("parse public keys: %w", err)
		}
		keys = make(map[string]*rsa.PublicKey, len(pems))
		for kid, pem := range pems {
			key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
			if err != nil {
				return nil, fmt.Errorf("public key %q: %w", kid, err)
			}
			keys[kid] = key
		}
	}
	return NewVerifier(cfg.Issuer, cfg.Audience, []byte(cfg.HMACSecret), keys)
}

// Verify checks the Authorization header value and returns the caller's
// identity. All failures wrap ErrMissingToken or ErrInvalidToken.
func (v *Verifier) Verify(_ context.Context, authHeader string) (Identity, error) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &idClaims{}
	token, err := v.parser.ParseWithClaims(strings.TrimSpace(raw), claims, v.keyFunc)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if !claims.VerifyIssuer(v.issuer, true) {
		return Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return Identity{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return Identity{Subject: claims.Subject, Email: claims.Email}, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.secret) == 0 {
			return nil, fmt.Errorf("hmac tokens not accepted")
		}
		return v.secret, nil
	case *jwt.SigningMethodRSA:
		kid, _ := token.Header["kid"].(string)
		if key, ok := v.keys[kid]; ok {
			return key, nil
		}
		if kid == "" && len(v.keys) == 1 {
			for _, key := range v.keys {
				return key, nil
			}
		}
		return nil, fmt.Errorf("unknown key id %q", kid)
	default:
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
}
