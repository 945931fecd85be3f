package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	defaultIssuer       = "threadline-auth"
	defaultAudience     = "threadline-api"
	defaultLeeway       = 30 * time.Second
	defaultJWKSCacheTTL = 5 * time.Minute
)

var (
	errUnknownKey = errors.New("unknown token key")
	// ErrSubjectMissing is returned for a valid token without a subject.
	ErrSubjectMissing = errors.New("token subject missing")
)

// Config configures user access-token verification.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Claims are the identity claims of a verified access token.
type Claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Verifier validates RS256 user access tokens against a JWKS endpoint.
type Verifier struct {
	issuer     string
	audience   string
	leeway     time.Duration
	jwksURL    string
	httpClient *http.Client
	refreshes  singleflight.Group

	mu         sync.RWMutex
	rsaKeys    map[string]*rsa.PublicKey
	keysExpire time.Time
}

// NewVerifier creates a verifier and loads the key set once.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	v := &Verifier{
		issuer:     strings.TrimSpace(cfg.Issuer),
		audience:   strings.TrimSpace(cfg.Audience),
		leeway:     cfg.Leeway,
		jwksURL:    jwksURL,
		httpClient: cfg.HTTPClient,
	}
	if v.issuer == "" {
		v.issuer = defaultIssuer
	}
	if v.audience == "" {
		v.audience = defaultAudience
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	if v.httpClient == nil {
		v.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if err := v.refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Verify validates the token and returns its claims. An unknown kid or an
// expired key cache triggers one JWKS refresh.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := v.parse(token)
	if err != nil {
		if !errors.Is(err, errUnknownKey) && !v.keysExpired() {
			return Claims{}, err
		}
		if refreshErr := v.refresh(ctx); refreshErr != nil {
			return Claims{}, refreshErr
		}
		if claims, err = v.parse(token); err != nil {
			return Claims{}, err
		}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrSubjectMissing
	}
	return claims, nil
}

// VerifySubject validates the token and returns the subject user ID.
func (v *Verifier) VerifySubject(ctx context.Context, token string) (string, error) {
	claims, err := v.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(claims.Subject), nil
}

func (v *Verifier) parse(token string) (Claims, error) {
	claims := Claims{}
	v.mu.RLock()
	keys := v.rsaKeys
	v.mu.RUnlock()
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[strings.TrimSpace(kid)]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	return claims, nil
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Now().UTC().After(v.keysExpire)
}

// refresh collapses concurrent refreshes into one JWKS fetch.
func (v *Verifier) refresh(ctx context.Context) error {
	_, err, _ := v.refreshes.Do("jwks", func() (any, error) {
		return nil, v.fetchJWKS(ctx)
	})
	return err
}

func (v *Verifier) fetchJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var payload struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(payload.Keys))
	for _, k := range payload.Keys {
		kid := strings.TrimSpace(k.Kid)
		if !strings.EqualFold(strings.TrimSpace(k.Kty), "RSA") || kid == "" {
			continue
		}
		if pub, err := parseRSAPublicKey(k.N, k.E); err == nil {
			keys[kid] = pub
		}
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}

	ttl := parseCacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	v.mu.Lock()
	v.rsaKeys = keys
	v.keysExpire = time.Now().UTC().Add(ttl)
	v.mu.Unlock()
	return nil
}

func parseRSAPublicKey(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 0 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func parseCacheMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
