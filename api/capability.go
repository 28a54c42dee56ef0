package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmcleod/gatehand/hostconfig"
)

// callLogin invokes an upstream login capability, converting a panic into an
// error so a faulty host configuration fails only the current request.
func callLogin(ctx context.Context, login hostconfig.LoginFunc) (resp *http.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp, err = nil, fmt.Errorf("upstream login panicked: %v", p)
		}
	}()
	resp, err = login(ctx)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("upstream login returned no response")
	}
	return resp, nil
}

func callValidate(ctx context.Context, validate hostconfig.ValidateFunc, cookieHeader string) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, fmt.Errorf("upstream validate panicked: %v", p)
		}
	}()
	return validate(ctx, cookieHeader)
}

// resolveHost asks the resolver for the capabilities of host. A resolver
// that panics is reported as a failed resolution.
func resolveHost(ctx context.Context, hosts HostResolver, host string) (caps *hostconfig.Capabilities, err error) {
	defer func() {
		if p := recover(); p != nil {
			caps, err = nil, fmt.Errorf("host config resolution panicked: %v", p)
		}
	}()
	return hosts.Resolve(ctx, host)
}

// loginSucceeded reports whether an upstream login response established a
// session. Only 2xx counts.
func loginSucceeded(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
