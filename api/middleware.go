package api

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	stateCookieName   = "state"
	sessionCookieName = "session"
	hostCookiePrefix  = "__Host-"

	stateCookieMaxAge = 10 * time.Minute
)

// cookiePolicy names and scopes the cookies the API sets. Secure and the
// __Host- prefix always move together.
type cookiePolicy struct {
	secure  bool
	state   string
	session string
}

func newCookiePolicy(secure bool) cookiePolicy {
	p := cookiePolicy{
		secure:  secure,
		state:   stateCookieName,
		session: sessionCookieName,
	}
	if secure {
		p.state = hostCookiePrefix + stateCookieName
		p.session = hostCookiePrefix + sessionCookieName
	}
	return p
}

func (p cookiePolicy) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   p.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(maxAge / time.Second),
	}
	if maxAge <= 0 {
		c.Value = ""
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
	}
	return c
}

func (p cookiePolicy) writeStateCookie(w http.ResponseWriter, state string) {
	http.SetCookie(w, p.cookie(p.state, state, stateCookieMaxAge))
}

func (p cookiePolicy) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, p.cookie(p.state, "", 0))
}

func (p cookiePolicy) writeSessionCookie(w http.ResponseWriter, token string, maxAge time.Duration) {
	if maxAge < time.Second {
		p.clearSessionCookie(w)
		return
	}
	http.SetCookie(w, p.cookie(p.session, token, maxAge))
}

func (p cookiePolicy) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, p.cookie(p.session, "", 0))
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

var errMissingForwardedHeader = errors.New("missing forwarded header")

// forwardedRequest is the original request as described by the reverse proxy.
type forwardedRequest struct {
	proto string
	host  string
	port  string
	url   *url.URL
}

// parseForwarded reconstructs the original request URL from the
// X-Forwarded-Proto, -Host, -Port and -Uri headers. All four are required.
func parseForwarded(r *http.Request) (*forwardedRequest, error) {
	f := &forwardedRequest{
		proto: strings.ToLower(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))),
		host:  strings.TrimSpace(r.Header.Get("X-Forwarded-Host")),
		port:  strings.TrimSpace(r.Header.Get("X-Forwarded-Port")),
	}
	uri := strings.TrimSpace(r.Header.Get("X-Forwarded-Uri"))
	if f.proto == "" || f.host == "" || f.port == "" || uri == "" {
		return nil, errMissingForwardedHeader
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}

	hostport := f.host
	if _, _, err := net.SplitHostPort(f.host); err != nil {
		hostport = joinHostPort(f.host, f.port)
	}
	u, err := url.Parse(f.proto + "://" + hostport + uri)
	if err != nil {
		return nil, err
	}
	f.url = u
	return f, nil
}

// origin returns scheme://host, carrying a port only when it is not the
// scheme's default and the forwarded host does not already include one.
func (f *forwardedRequest) origin() string {
	if _, _, err := net.SplitHostPort(f.host); err == nil {
		return f.proto + "://" + f.host
	}
	if (f.proto == "https" && f.port == "443") || (f.proto == "http" && f.port == "80") {
		return f.proto + "://" + f.host
	}
	return f.proto + "://" + joinHostPort(f.host, f.port)
}

// joinHostPort is net.JoinHostPort for a host that may already carry IPv6
// brackets.
func joinHostPort(host, port string) string {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return net.JoinHostPort(host, port)
}
