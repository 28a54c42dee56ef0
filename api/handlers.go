package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmcleod/gatehand/session"
	"github.com/jmcleod/gatehand/upstream"
)

// ForwardAuth is the endpoint the reverse proxy calls for every request. The
// forwarded URI selects the callback, logout or protected-resource flow.
func (a *API) ForwardAuth(w http.ResponseWriter, r *http.Request) {
	f, err := parseForwarded(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, msgInvalidForwardAuth)
		return
	}

	switch f.url.Path {
	case a.paths.Callback:
		a.callback(w, r, f)
	case a.paths.Logout:
		a.logout(w, r, f)
	default:
		a.revalidate(w, r, f)
	}
}

// revalidate checks the session cookie against the credential store and
// the upstream application. On success the upstream cookies are returned in
// a Cookie response header for the proxy to copy into the real request.
func (a *API) revalidate(w http.ResponseWriter, r *http.Request, f *forwardedRequest) {
	ctx := r.Context()
	token := cookieValue(r, a.cookies.session)
	if token == "" {
		a.redirectToAuth(w, r, f)
		return
	}

	sess, ok, err := a.sessions.ValidateSessionToken(ctx, token)
	switch {
	case errors.Is(err, session.ErrCorruptSession):
		a.audit.logFailure(ctx, AuditSessionInvalidated, f, "corrupt_session",
			slog.String("session_id", session.EncodeToken(token)[:sessionIDPrefixLen]))
		a.cookies.clearSessionCookie(w)
		a.redirectToAuth(w, r, f)
		return
	case err != nil:
		slog.Error("validating session", "error", err)
		writeText(w, http.StatusInternalServerError, msgInternal)
		return
	case !ok:
		a.audit.logFailure(ctx, AuditSessionExpired, f, "missing_or_expired")
		a.cookies.clearSessionCookie(w)
		a.redirectToAuth(w, r, f)
		return
	}

	jar, err := upstream.Unmarshal(sess.Upstream)
	if err != nil {
		a.invalidate(w, r, f, sess.ID, "corrupt_upstream_cookies")
		return
	}
	cookieHeader := jar.Header()

	caps, err := resolveHost(ctx, a.hosts, f.host)
	if err != nil {
		writeText(w, http.StatusBadGateway, hostConfigFailure(err))
		return
	}

	valid, err := callValidate(ctx, caps.Validate, cookieHeader)
	if err != nil {
		slog.Warn("upstream validate failed", "host", f.host, "error", err)
		writeText(w, http.StatusBadGateway, "Failed to validate session with upstream service")
		return
	}
	if !valid {
		a.invalidate(w, r, f, sess.ID, "upstream_rejected")
		return
	}

	if sess.Renewed {
		a.cookies.writeSessionCookie(w, token, sess.MaxAge(a.clock.Now()))
		a.audit.logEvent(ctx, AuditSessionRenewed, f, sess.ID)
	}
	w.Header().Set("Cookie", cookieHeader)
	writeText(w, http.StatusOK, "OK")
}

// invalidate removes the session from the store and the browser, then starts
// a fresh login.
func (a *API) invalidate(w http.ResponseWriter, r *http.Request, f *forwardedRequest, id, reason string) {
	ctx := r.Context()
	if err := a.sessions.InvalidateSession(ctx, id); err != nil {
		slog.Error("invalidating session", "error", err)
		writeText(w, http.StatusInternalServerError, msgInternal)
		return
	}
	a.audit.logEvent(ctx, AuditSessionInvalidated, f, id, slog.String("reason", reason))
	a.cookies.clearSessionCookie(w)
	a.redirectToAuth(w, r, f)
}

func hostConfigFailure(err error) string {
	return fmt.Sprintf("Failed to load host configuration: %v", err)
}
