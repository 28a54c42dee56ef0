// Package api implements the forward-auth endpoint: it decides, for every
// request a reverse proxy forwards to it, whether to send the browser to the
// identity provider, complete a login callback, revalidate an existing
// session, or log the user out.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/jmcleod/gatehand/hostconfig"
	"github.com/jmcleod/gatehand/session"
)

// SessionStore persists local sessions. *session.Store satisfies it.
type SessionStore interface {
	CreateSession(ctx context.Context, token string, upstream []byte, notAfter time.Time) (*session.Session, error)
	ValidateSessionToken(ctx context.Context, token string) (*session.Session, bool, error)
	InvalidateSession(ctx context.Context, id string) error
}

// Authenticator runs the authorization code flow. *idp.Client satisfies it.
type Authenticator interface {
	AuthorizationRequest(origin string) (authURL, state string)
	Exchange(ctx context.Context, origin, code string) (*oauth2.Token, error)
}

// HostResolver maps a forwarded host to its upstream capabilities.
// *hostconfig.Resolver satisfies it.
type HostResolver interface {
	Resolve(ctx context.Context, host string) (*hostconfig.Capabilities, error)
}

// Paths are the endpoint paths. ForwardAuth and Health are routed by the
// Router; Callback and Logout are matched against the forwarded URI.
type Paths struct {
	ForwardAuth string
	Callback    string
	Logout      string
	Health      string
}

// DefaultPaths are used unless WithPaths overrides them.
var DefaultPaths = Paths{
	ForwardAuth: "/oauth2/traefik",
	Callback:    "/oauth2/callback",
	Logout:      "/oauth2/logout",
	Health:      "/health",
}

// API holds the dependencies of the forward-auth handlers.
type API struct {
	sessions SessionStore
	auth     Authenticator
	hosts    HostResolver
	paths    Paths
	cookies  cookiePolicy
	clock    clockwork.Clock
	audit    *auditLogger
	alertFn  AlertFunc
	webhook  *auditWebhook

	callbackMaxFailures int
	trustedProxies      []netip.Prefix
	limiter             *callbackRateLimiter
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithClock sets the clock used for upstream cookie lifetimes.
func WithClock(clock clockwork.Clock) Option {
	return func(a *API) {
		a.clock = clock
	}
}

// WithInsecureCookies drops the Secure attribute and the __Host- prefix from
// the cookies the API sets. Only for plain-HTTP development setups.
func WithInsecureCookies(insecure bool) Option {
	return func(a *API) {
		a.cookies = newCookiePolicy(!insecure)
	}
}

// WithPaths overrides the endpoint paths. Empty fields keep their defaults.
func WithPaths(p Paths) Option {
	return func(a *API) {
		if p.ForwardAuth != "" {
			a.paths.ForwardAuth = p.ForwardAuth
		}
		if p.Callback != "" {
			a.paths.Callback = p.Callback
		}
		if p.Logout != "" {
			a.paths.Logout = p.Logout
		}
		if p.Health != "" {
			a.paths.Health = p.Health
		}
	}
}

// WithAlertFunc registers a callback for login failure spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards audit events to url. authHeader, when set, is a
// "Name: value" header added to every delivery.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader)
		}
	}
}

// WithCallbackRateLimit locks a client out after maxFailures failed login
// callbacks, with exponential backoff. Zero or less disables the limit.
func WithCallbackRateLimit(maxFailures int) Option {
	return func(a *API) {
		a.callbackMaxFailures = maxFailures
	}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header names the
// client for rate limiting. Without it the peer address is the client.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// New creates a new API instance.
func New(sessions SessionStore, auth Authenticator, hosts HostResolver, opts ...Option) *API {
	a := &API{
		sessions: sessions,
		auth:     auth,
		hosts:    hosts,
		paths:    DefaultPaths,
		cookies:  newCookiePolicy(true),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.clock, a.alertFn)
	}
	a.audit.webhook = a.webhook
	if a.callbackMaxFailures > 0 {
		a.limiter = newCallbackRateLimiter(a.clock, a.callbackMaxFailures)
	}
	return a
}

// Close flushes pending audit deliveries.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with the forward-auth and health routes.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Get(a.paths.Health, a.Health)
	r.With(NoStore).HandleFunc(a.paths.ForwardAuth, a.ForwardAuth)
	return r
}

// Health always answers 200 "OK".
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "OK")
}
