package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"carelink.org/internal/ids"
)

const (
	issuer          = "carelink"
	serviceTokenTTL = 2 * time.Minute
)

// Client talks to the remote key service over HTTP. Each request carries a
// short-lived HS256 service identity token so the key service can attribute
// and reject callers.
type Client struct {
	baseURL    string
	authSecret []byte
	http       *http.Client
	now        func() time.Time
}

// ClientOption configures the remote client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client (used by tests).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// NewClient constructs a remote key service client with a bounded timeout.
func NewClient(baseURL, authSecret string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("kms: base url is required")
	}
	if strings.TrimSpace(authSecret) == "" {
		return nil, errors.New("kms: auth secret is required")
	}
	c := &Client{
		baseURL:    baseURL,
		authSecret: []byte(authSecret),
		http:       &http.Client{Timeout: 5 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	return c.call(ctx, "/v1/keys/wrap", plaintext)
}

func (c *Client) Unwrap(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return c.call(ctx, "/v1/keys/unwrap", ciphertext)
}

func (c *Client) call(ctx context.Context, path string, material []byte) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"material": base64.RawURLEncoding.EncodeToString(material),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	token, err := c.serviceToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var out struct {
		Material string `json:"material"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(out.Material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decoded, nil
}

// serviceToken mints the per-request identity token presented to the key
// service.
func (c *Client) serviceToken() (string, error) {
	now := c.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "disclosure-service",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(serviceTokenTTL)),
		ID:        ids.New(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.authSecret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}
