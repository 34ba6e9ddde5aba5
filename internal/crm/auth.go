package crm

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	grantTypePassword  = "password"
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	tokenPath          = "/services/oauth2/token"
	assertionLifetime  = 3 * time.Minute
)

// Token is an OAuth access token bound to the instance that issued it.
type Token struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
	TokenType   string `json:"token_type"`
	IssuedAt    string `json:"issued_at"`
}

type TokenSource interface {
	Token(ctx context.Context) (*Token, error)
}

// StaticToken serves a pre-issued token.
type StaticToken struct {
	AccessToken string
	InstanceURL string
}

func (s StaticToken) Token(_ context.Context) (*Token, error) {
	return &Token{AccessToken: s.AccessToken, InstanceURL: strings.TrimRight(s.InstanceURL, "/"), TokenType: "Bearer"}, nil
}

// PasswordGrant logs in with the OAuth username-password flow. The
// security token, if any, is appended to the password.
type PasswordGrant struct {
	LoginURL      string
	ClientID      string
	ClientSecret  string
	Username      string
	Password      string
	SecurityToken string
	HTTP          *resty.Client
}

func (g *PasswordGrant) Token(ctx context.Context) (*Token, error) {
	return requestToken(ctx, g.HTTP, g.LoginURL, map[string]string{
		"grant_type":    grantTypePassword,
		"client_id":     g.ClientID,
		"client_secret": g.ClientSecret,
		"username":      g.Username,
		"password":      g.Password + g.SecurityToken,
	})
}

// JWTBearer exchanges an RS256-signed assertion for an access token.
type JWTBearer struct {
	LoginURL string
	ClientID string
	Username string
	Key      *rsa.PrivateKey
	HTTP     *resty.Client

	now func() time.Time
}

// LoadPrivateKey reads a PEM-encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Assertion builds the signed JWT sent to the token endpoint.
func (g *JWTBearer) Assertion() (string, error) {
	now := time.Now
	if g.now != nil {
		now = g.now
	}
	claims := jwt.RegisteredClaims{
		Issuer:    g.ClientID,
		Subject:   g.Username,
		Audience:  jwt.ClaimStrings{strings.TrimRight(g.LoginURL, "/")},
		ExpiresAt: jwt.NewNumericDate(now().Add(assertionLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.Key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

func (g *JWTBearer) Token(ctx context.Context) (*Token, error) {
	assertion, err := g.Assertion()
	if err != nil {
		return nil, err
	}
	return requestToken(ctx, g.HTTP, g.LoginURL, map[string]string{
		"grant_type": grantTypeJWTBearer,
		"assertion":  assertion,
	})
}

func requestToken(ctx context.Context, hc *resty.Client, loginURL string, form map[string]string) (*Token, error) {
	if hc == nil {
		hc = resty.New().SetTimeout(30 * time.Second)
	}
	endpoint := strings.TrimRight(loginURL, "/") + tokenPath

	var tok Token
	resp, err := hc.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&tok).
		Post(endpoint)
	if err != nil {
		return nil, fmt.Errorf("crm token request: %w", err)
	}
	if resp.IsError() {
		return nil, newAPIError(resp.StatusCode(), "POST", tokenPath, resp.Body())
	}
	if tok.AccessToken == "" || tok.InstanceURL == "" {
		return nil, fmt.Errorf("crm token response missing access_token or instance_url")
	}
	tok.InstanceURL = strings.TrimRight(tok.InstanceURL, "/")
	return &tok, nil
}

// CachedTokenSource reuses a token until Invalidate is called.
type CachedTokenSource struct {
	src TokenSource

	mu  sync.Mutex
	tok *Token
}

func NewCachedTokenSource(src TokenSource) *CachedTokenSource {
	return &CachedTokenSource{src: src}
}

func (c *CachedTokenSource) Token(ctx context.Context) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok != nil {
		return c.tok, nil
	}
	tok, err := c.src.Token(ctx)
	if err != nil {
		return nil, err
	}
	c.tok = tok
	return tok, nil
}

// Invalidate drops the cached token so the next call logs in again.
func (c *CachedTokenSource) Invalidate() {
	c.mu.Lock()
	c.tok = nil
	c.mu.Unlock()
}
