package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const logPrefix = "auth:jwt"

// Defaults for JWTOptions.
const (
	DefaultHeader = "authorization"
	DefaultQuery  = "token"
)

// JWTOptions configures the JWT authenticator.
type JWTOptions struct {
	// Secret is an HMAC key or a PEM-encoded RSA public key. When empty the
	// token is decoded without signature verification.
	Secret []byte
	// Header carrying the token, optionally prefixed with "Bearer " or "Basic ".
	Header string
	// Query parameter checked when the header is absent.
	Query string
	// Algorithms accepted; defaults to HS256.
	Algorithms []string
	Audience   string
	Issuer     string
	Leeway     time.Duration
}

var schemeRegex = regexp.MustCompile(`(?i)^(bearer|basic)\s+(.+)$`)

type jwtAuthenticator struct {
	opts   JWTOptions
	rsaKey *rsa.PublicKey
}

// JWT returns an Authenticator that accepts requests carrying a valid token.
// The identity is the token's jwt.MapClaims.
func JWT(opts JWTOptions) (Authenticator, error) {
	if opts.Header == "" {
		opts.Header = DefaultHeader
	}
	if opts.Query == "" {
		opts.Query = DefaultQuery
	}
	if len(opts.Algorithms) == 0 {
		opts.Algorithms = []string{"HS256"}
	}

	a := &jwtAuthenticator{opts: opts}
	if strings.HasPrefix(strings.TrimSpace(string(opts.Secret)), "-----BEGIN") {
		key, err := jwt.ParseRSAPublicKeyFromPEM(opts.Secret)
		if err != nil {
			return nil, fmt.Errorf("%s - invalid RSA public key: %w", logPrefix, err)
		}
		a.rsaKey = key
	}
	return a, nil
}

// Token extracts the raw token from r, or "" if none was sent.
func (a *jwtAuthenticator) Token(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(a.opts.Header)); v != "" {
		if m := schemeRegex.FindStringSubmatch(v); m != nil {
			return m[2]
		}
		return v
	}
	return r.URL.Query().Get(a.opts.Query)
}

func (a *jwtAuthenticator) Authenticate(r *http.Request) (any, error) {
	raw := a.Token(r)
	if raw == "" {
		return nil, failure("No auth token found.", nil)
	}

	claims := jwt.MapClaims{}
	var token *jwt.Token
	var err error
	if len(a.opts.Secret) == 0 {
		token, _, err = jwt.NewParser().ParseUnverified(raw, claims)
		if err == nil {
			err = a.checkUnverified(token, claims)
		}
	} else {
		token, err = jwt.ParseWithClaims(raw, claims, a.key, a.parserOptions()...)
	}
	if err != nil {
		return nil, failure("Invalid auth token.", err)
	}

	if typ, ok := token.Header["typ"]; ok && typ != "JWT" {
		return nil, failure("Invalid auth token.", fmt.Errorf("%s - unexpected token type %v", logPrefix, typ))
	}
	return claims, nil
}

func (a *jwtAuthenticator) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods(a.opts.Algorithms)}
	if a.opts.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.opts.Audience))
	}
	if a.opts.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.opts.Issuer))
	}
	if a.opts.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(a.opts.Leeway))
	}
	return opts
}

func (a *jwtAuthenticator) key(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if a.rsaKey != nil {
			return nil, errors.New(logPrefix + " - HMAC token presented to an RSA key")
		}
		return a.opts.Secret, nil
	case *jwt.SigningMethodRSA:
		if a.rsaKey == nil {
			return nil, errors.New(logPrefix + " - RSA token presented to an HMAC key")
		}
		return a.rsaKey, nil
	default:
		return nil, fmt.Errorf("%s - unsupported signing method %s", logPrefix, t.Method.Alg())
	}
}

// checkUnverified applies the algorithm and claim checks that verified
// parsing would.
func (a *jwtAuthenticator) checkUnverified(token *jwt.Token, claims jwt.MapClaims) error {
	if alg := token.Method.Alg(); !slices.Contains(a.opts.Algorithms, alg) {
		return fmt.Errorf("%s - signing method %s is not allowed: %w", logPrefix, alg, jwt.ErrTokenSignatureInvalid)
	}
	if exp, err := claims.GetExpirationTime(); err != nil {
		return err
	} else if exp != nil && time.Now().After(exp.Add(a.opts.Leeway)) {
		return jwt.ErrTokenExpired
	}
	if a.opts.Issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != a.opts.Issuer {
			return jwt.ErrTokenInvalidIssuer
		}
	}
	if a.opts.Audience != "" {
		aud, err := claims.GetAudience()
		if err != nil || !slices.Contains(aud, a.opts.Audience) {
			return jwt.ErrTokenInvalidAudience
		}
	}
	return nil
}
