package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmcleod/gatehand/idp"
	"github.com/jmcleod/gatehand/session"
	"github.com/jmcleod/gatehand/upstream"
)

// redirectToAuth sends the browser to the identity provider with a fresh
// state value, remembered in the state cookie for the callback.
func (a *API) redirectToAuth(w http.ResponseWriter, r *http.Request, f *forwardedRequest) {
	authURL, state := a.auth.AuthorizationRequest(f.origin())
	a.cookies.writeStateCookie(w, state)
	a.audit.log(r.Context(), AuditRedirectToAuth, f)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// callback completes the authorization code flow, logs in to the upstream
// application and establishes the local session. The browser is always sent
// back to the origin root, not the page it first asked for.
func (a *API) callback(w http.ResponseWriter, r *http.Request, f *forwardedRequest) {
	ctx := r.Context()
	query := f.url.Query()
	code := query.Get("code")
	state := query.Get("state")
	stored := cookieValue(r, a.cookies.state)
	a.cookies.clearStateCookie(w)

	client := clientAddress(r, a.trustedProxies)
	if blocked, retryAfter := a.limiter.check(client); blocked {
		a.audit.logFailure(ctx, AuditLoginFailure, f, "rate_limited", slog.String("client", client))
		writeRateLimited(w, retryAfter)
		return
	}

	if code == "" || stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(state)) != 1 {
		a.limiter.recordFailure(client)
		a.audit.logFailure(ctx, AuditLoginFailure, f, "invalid_state_or_code")
		writeText(w, http.StatusBadRequest, msgInvalidCallback)
		return
	}

	origin := f.origin()
	if _, err := a.auth.Exchange(ctx, origin, code); err != nil {
		a.audit.logFailure(ctx, AuditLoginFailure, f, "code_exchange", slog.String("error", err.Error()))
		var xerr *idp.ExchangeError
		switch {
		case errors.As(err, &xerr) && xerr.Kind == idp.FailureInvalidGrant:
			a.limiter.recordFailure(client)
			writeText(w, http.StatusUnauthorized, "Authentication failed: "+xerr.Code)
		case errors.As(err, &xerr) && xerr.Kind == idp.FailureTransport:
			writeText(w, http.StatusBadGateway, "Failed to reach identity provider")
		default:
			writeText(w, http.StatusInternalServerError, msgInternal)
		}
		return
	}

	token, err := session.GenerateToken()
	if err != nil {
		slog.Error("generating session token", "error", err)
		writeText(w, http.StatusInternalServerError, msgInternal)
		return
	}

	caps, err := resolveHost(ctx, a.hosts, f.host)
	if err != nil {
		a.audit.logFailure(ctx, AuditLoginFailure, f, "host_config", slog.String("error", err.Error()))
		writeText(w, http.StatusBadGateway, hostConfigFailure(err))
		return
	}

	resp, err := callLogin(ctx, caps.Login)
	if err != nil {
		a.limiter.recordFailure(client)
		a.audit.logFailure(ctx, AuditLoginFailure, f, "upstream_login", slog.String("error", err.Error()))
		writeText(w, http.StatusBadGateway, "Failed to authenticate with upstream service")
		return
	}
	defer resp.Body.Close()
	if !loginSucceeded(resp) {
		a.limiter.recordFailure(client)
		a.audit.logFailure(ctx, AuditLoginFailure, f, "upstream_login", slog.Int("status", resp.StatusCode))
		writeText(w, http.StatusBadGateway, fmt.Sprintf("Failed to authenticate with upstream service: %d", resp.StatusCode))
		return
	}

	now := a.clock.Now()
	jar := upstream.FromResponse(resp, now)
	payload, err := jar.Marshal()
	if err != nil {
		slog.Error("encoding upstream cookies", "error", err)
		writeText(w, http.StatusInternalServerError, msgInternal)
		return
	}
	sess, err := a.sessions.CreateSession(ctx, token, payload, jar.NotAfter())
	if err != nil {
		slog.Error("creating session", "error", err)
		writeText(w, http.StatusInternalServerError, msgInternal)
		return
	}

	a.limiter.recordSuccess(client)
	a.cookies.writeSessionCookie(w, token, min(sess.MaxAge(now), jar.MaxAge(now, session.Lifetime)))
	a.audit.logEvent(ctx, AuditLoginSuccess, f, sess.ID, slog.Int("upstream_cookies", len(jar)))
	http.Redirect(w, r, origin+"/", http.StatusFound)
}

// logout ends the local session. Forward-auth has no status for "session
// terminated", so the current request is denied with 401. When the stored
// session cannot be removed the cookie is kept, so the user can retry.
func (a *API) logout(w http.ResponseWriter, r *http.Request, f *forwardedRequest) {
	ctx := r.Context()
	var id string
	if token := cookieValue(r, a.cookies.session); token != "" {
		id = session.EncodeToken(token)
		if err := a.sessions.InvalidateSession(ctx, id); err != nil {
			slog.Error("invalidating session on logout", "error", err)
			writeText(w, http.StatusInternalServerError, msgInternal)
			return
		}
	}
	a.cookies.clearSessionCookie(w)
	w.Header().Set("Clear-Site-Data", `"cookies"`)
	a.audit.logEvent(ctx, AuditLogout, f, id)
	writeText(w, http.StatusUnauthorized, "You have been logged out.")
}
