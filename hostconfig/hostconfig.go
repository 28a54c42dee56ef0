// Package hostconfig maps the host of a forwarded request to the pair of
// capabilities that log in to, and validate a session with, the protected
// application behind it.
package hostconfig

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnknownHost is returned when no configuration exists for a host.
	ErrUnknownHost = errors.New("unknown host")
	// ErrInvalidHostName is returned for host names that cannot name a
	// configuration entry.
	ErrInvalidHostName = errors.New("invalid host name")
)

// LoginFunc logs in to the protected application. The returned response's
// Set-Cookie entries become the session's upstream cookies; the caller closes
// its body.
type LoginFunc func(ctx context.Context) (*http.Response, error)

// ValidateFunc reports whether cookieHeader still carries a live session at
// the protected application.
type ValidateFunc func(ctx context.Context, cookieHeader string) (bool, error)

// Capabilities is the resolved configuration for one host.
type Capabilities struct {
	Login    LoginFunc
	Validate ValidateFunc
}

// Loader loads the capabilities for a short host name.
type Loader interface {
	Load(ctx context.Context, name string) (*Capabilities, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, name string) (*Capabilities, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, name string) (*Capabilities, error) {
	return f(ctx, name)
}

// Resolver caches loaded capabilities per full host for its own lifetime.
// Failed loads are not cached and are never retried by the Resolver itself;
// the next request for the host tries again.
type Resolver struct {
	loader     Loader
	baseDomain string

	mu    sync.RWMutex
	cache map[string]*Capabilities
	group singleflight.Group
}

// NewResolver returns a Resolver that strips baseDomain from hosts before
// asking loader. An empty baseDomain disables stripping.
func NewResolver(loader Loader, baseDomain string) *Resolver {
	return &Resolver{
		loader:     loader,
		baseDomain: strings.Trim(strings.ToLower(baseDomain), "."),
		cache:      make(map[string]*Capabilities),
	}
}

// ShortName returns the configuration name for host: the host without its
// port and without the base domain suffix.
func (r *Resolver) ShortName(host string) string {
	name := normalize(host)
	if h, _, err := net.SplitHostPort(name); err == nil {
		name = h
	}
	if r.baseDomain != "" {
		name = strings.TrimSuffix(name, "."+r.baseDomain)
	}
	return name
}

// Resolve returns the capabilities for host, loading them on first use.
// Concurrent first requests for the same host share one load.
func (r *Resolver) Resolve(ctx context.Context, host string) (*Capabilities, error) {
	key := normalize(host)
	if key == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidHostName)
	}

	r.mu.RLock()
	caps, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return caps, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		caps, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			return caps, nil
		}

		name := r.ShortName(host)
		caps, err := r.load(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("loading host config %q: %w", name, err)
		}
		if caps == nil || caps.Login == nil || caps.Validate == nil {
			return nil, fmt.Errorf("loading host config %q: incomplete capabilities", name)
		}

		r.mu.Lock()
		r.cache[key] = caps
		r.mu.Unlock()
		return caps, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Capabilities), nil
}

// load calls the loader, turning a panic into an error so that every caller
// sharing the flight sees a failed load instead of a crash.
func (r *Resolver) load(ctx context.Context, name string) (caps *Capabilities, err error) {
	defer func() {
		if p := recover(); p != nil {
			caps, err = nil, fmt.Errorf("loader panicked: %v", p)
		}
	}()
	return r.loader.Load(ctx, name)
}

func normalize(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		h, port = host, ""
	}
	if ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(h, ".")); err == nil {
		h = ascii
	}
	if port != "" {
		return net.JoinHostPort(h, port)
	}
	return h
}
