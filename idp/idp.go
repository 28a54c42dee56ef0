// Package idp wraps the OpenID Connect authorization code flow: building the
// authorization redirect with a fresh state value, and exchanging the
// returned code for tokens with failures classified by cause.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"

	"github.com/jmcleod/gatehand/internal/uuid"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{oidc.ScopeOpenID, "profile", "email"}

// Config describes the registered client at the provider.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	// CallbackPath is appended to the request origin to form redirect_uri.
	CallbackPath string
	Endpoint     oauth2.Endpoint
}

// Client performs the authorization code flow for one provider client. A
// single Client serves any number of virtual hosts: redirect_uri is derived
// from the origin of each request.
type Client struct {
	cfg        Config
	httpClient *http.Client
	verifier   *oidc.IDTokenVerifier
	newState   func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for discovery and token requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithVerifier enables ID token verification on exchange.
func WithVerifier(v *oidc.IDTokenVerifier) Option {
	return func(c *Client) {
		c.verifier = v
	}
}

// New returns a Client for an explicitly configured endpoint.
func New(cfg Config, opts ...Option) *Client {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	c := &Client{
		cfg:        cfg,
		httpClient: cleanhttp.DefaultPooledClient(),
		newState:   uuid.New,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover resolves the provider's endpoints from its issuer URL and returns
// a Client that verifies the ID tokens it receives.
func Discover(ctx context.Context, issuer string, cfg Config, opts ...Option) (*Client, error) {
	c := New(cfg, opts...)
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering provider %s: %w", issuer, err)
	}
	c.cfg.Endpoint = provider.Endpoint()
	if c.verifier == nil {
		c.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	}
	return c, nil
}

// RedirectURI returns the callback URL for requests arriving at origin.
func (c *Client) RedirectURI(origin string) string {
	return strings.TrimSuffix(origin, "/") + c.cfg.CallbackPath
}

func (c *Client) oauth2Config(origin string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint:     c.cfg.Endpoint,
		RedirectURL:  c.RedirectURI(origin),
		Scopes:       c.cfg.Scopes,
	}
}

// AuthorizationRequest returns the provider authorization URL for a request
// arriving at origin, together with the state value embedded in it.
func (c *Client) AuthorizationRequest(origin string) (authURL, state string) {
	state = c.newState()
	return c.oauth2Config(origin).AuthCodeURL(state), state
}

// Exchange trades an authorization code for tokens. The origin must be the
// one used to build the authorization request. Every failure is returned as
// an *ExchangeError.
func (c *Client) Exchange(ctx context.Context, origin, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth2Config(origin).Exchange(ctx, code)
	if err != nil {
		return nil, classify(err)
	}
	if c.verifier != nil {
		if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
			if _, err := c.verifier.Verify(ctx, raw); err != nil {
				return nil, &ExchangeError{Kind: FailureUnexpected, Err: fmt.Errorf("verifying id_token: %w", err)}
			}
		}
	}
	return tok, nil
}

func classify(err error) *ExchangeError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			return &ExchangeError{
				Kind:        FailureInvalidGrant,
				Code:        re.ErrorCode,
				Description: re.ErrorDescription,
				Err:         err,
			}
		}
		return &ExchangeError{Kind: FailureUnexpected, Err: err}
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return &ExchangeError{Kind: FailureTransport, Err: ue.Err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &ExchangeError{Kind: FailureTransport, Err: err}
	}
	return &ExchangeError{Kind: FailureUnexpected, Err: err}
}
