package hostconfig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk description of one host, read from
// <dir>/<name>.yaml. Values may reference the process environment as ${VAR}.
type FileConfig struct {
	Login    LoginConfig    `yaml:"login"`
	Validate ValidateConfig `yaml:"validate"`
}

// LoginConfig describes the request that logs in to the application.
type LoginConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Form    map[string]string `yaml:"form"`
	Body    string            `yaml:"body"`
}

// ValidateConfig describes the request that checks a cookie set.
type ValidateConfig struct {
	URL          string            `yaml:"url"`
	Method       string            `yaml:"method"`
	Headers      map[string]string `yaml:"headers"`
	ExpectStatus []int             `yaml:"expect_status"`
}

// maxLoginRedirects bounds the redirect chain a login may walk.
const maxLoginRedirects = 10

// FileLoader is a Loader reading YAML files from a directory.
type FileLoader struct {
	dir        string
	httpClient *http.Client
}

// FileLoaderOption configures a FileLoader.
type FileLoaderOption func(*FileLoader)

// WithHTTPClient sets the client used by the built capabilities. Its
// redirect policy and cookie jar are replaced: validate never follows
// redirects, login follows them with a fresh jar per call.
func WithHTTPClient(hc *http.Client) FileLoaderOption {
	return func(l *FileLoader) {
		l.httpClient = hc
	}
}

// NewFileLoader returns a FileLoader for dir.
func NewFileLoader(dir string, opts ...FileLoaderOption) *FileLoader {
	l := &FileLoader{
		dir:        dir,
		httpClient: cleanhttp.DefaultPooledClient(),
	}
	for _, opt := range opts {
		opt(l)
	}
	hc := *l.httpClient
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	l.httpClient = &hc
	return l
}

func (l *FileLoader) Load(_ context.Context, name string) (*Capabilities, error) {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHostName, name)
	}

	path := filepath.Join(l.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownHost, name)
		}
		return nil, err
	}

	var fc FileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &fc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := fc.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Capabilities{
		Login:    l.login(fc.Login),
		Validate: l.validate(fc.Validate),
	}, nil
}

func (fc *FileConfig) validate() error {
	for _, f := range []struct{ field, raw string }{
		{"login.url", fc.Login.URL},
		{"validate.url", fc.Validate.URL},
	} {
		field, raw := f.field, f.raw
		if raw == "" {
			return fmt.Errorf("%s is required", field)
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL", field)
		}
	}
	if len(fc.Login.Form) > 0 && fc.Login.Body != "" {
		return errors.New("login.form and login.body are mutually exclusive")
	}
	return nil
}

func (l *FileLoader) login(cfg LoginConfig) LoginFunc {
	return func(ctx context.Context) (*http.Response, error) {
		method := strings.ToUpper(cfg.Method)
		var (
			body        io.Reader
			contentType string
		)
		switch {
		case len(cfg.Form) > 0:
			form := url.Values{}
			for k, v := range cfg.Form {
				form.Set(k, v)
			}
			body = strings.NewReader(form.Encode())
			contentType = "application/x-www-form-urlencoded"
		case cfg.Body != "":
			body = strings.NewReader(cfg.Body)
		}
		if method == "" {
			method = http.MethodGet
			if body != nil {
				method = http.MethodPost
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}
		return l.followLogin(req)
	}
}

// followLogin sends req and follows redirects, replaying the cookies set
// along the way. Set-Cookie entries from every hop are copied onto the final
// response in the order they were received, so a login that answers
// "302 + Set-Cookie" and lands on a 2xx page still yields its cookies.
func (l *FileLoader) followLogin(req *http.Request) (*http.Response, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	var hops []string
	hc := *l.httpClient
	hc.Jar = jar
	hc.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= maxLoginRedirects {
			return fmt.Errorf("stopped after %d redirects", maxLoginRedirects)
		}
		if next.Response != nil {
			hops = append(hops, next.Response.Header.Values("Set-Cookie")...)
		}
		return nil
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if len(hops) > 0 {
		final := resp.Header.Values("Set-Cookie")
		resp.Header.Del("Set-Cookie")
		for _, v := range append(hops, final...) {
			resp.Header.Add("Set-Cookie", v)
		}
	}
	return resp, nil
}

func (l *FileLoader) validate(cfg ValidateConfig) ValidateFunc {
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	return func(ctx context.Context, cookieHeader string) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, method, cfg.URL, nil)
		if err != nil {
			return false, err
		}
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}
		if cookieHeader != "" {
			req.Header.Set("Cookie", cookieHeader)
		}

		resp, err := l.httpClient.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if len(cfg.ExpectStatus) > 0 {
			return slices.Contains(cfg.ExpectStatus, resp.StatusCode), nil
		}
		return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
	}
}
