// Package upstream captures and replays the cookies issued by a protected
// application's own login endpoint.
package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Cookie is a captured upstream cookie. Expires is absolute; a relative
// Max-Age is converted at capture time so the ceiling can be recomputed later.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitzero"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"http_only,omitempty"`
	SameSite string    `json:"same_site,omitempty"`
}

// Jar is an ordered set of upstream cookies.
type Jar []Cookie

// FromResponse captures the Set-Cookie entries of resp.
func FromResponse(resp *http.Response, now time.Time) Jar {
	return FromCookies(resp.Cookies(), now)
}

// FromCookies converts parsed Set-Cookie entries into a Jar. Entries that
// delete a cookie (negative Max-Age or an Expires not after now) are skipped
// and drop any earlier entry of the same name. A later entry replaces an
// earlier one of the same name.
func FromCookies(cookies []*http.Cookie, now time.Time) Jar {
	jar := make(Jar, 0, len(cookies))
	for _, c := range cookies {
		jar = jar.without(c.Name)
		if c.MaxAge < 0 {
			continue
		}
		uc := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: sameSiteString(c.SameSite),
		}
		switch {
		case c.MaxAge > 0:
			uc.Expires = time.Unix(now.Add(time.Duration(c.MaxAge)*time.Second).Unix(), 0).UTC()
		case !c.Expires.IsZero():
			if !c.Expires.After(now) {
				continue
			}
			uc.Expires = c.Expires.UTC()
		}
		jar = append(jar, uc)
	}
	return jar
}

func (j Jar) without(name string) Jar {
	return slices.DeleteFunc(j, func(c Cookie) bool { return c.Name == name })
}

// Marshal serializes the jar for persistence.
func (j Jar) Marshal() ([]byte, error) {
	if j == nil {
		j = Jar{}
	}
	return json.Marshal(j)
}

// Unmarshal parses a serialized jar. An empty payload yields an empty jar.
func Unmarshal(data []byte) (Jar, error) {
	if len(data) == 0 {
		return Jar{}, nil
	}
	var jar Jar
	if err := json.Unmarshal(data, &jar); err != nil {
		return nil, fmt.Errorf("decoding upstream cookies: %w", err)
	}
	return jar, nil
}

// Header renders the jar as a Cookie request header value.
func (j Jar) Header() string {
	pairs := make([]string, 0, len(j))
	for _, c := range j {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

// NotAfter returns the earliest expiry among the jar's cookies, or the zero
// time when no cookie carries one.
func (j Jar) NotAfter() time.Time {
	var earliest time.Time
	for _, c := range j {
		if c.Expires.IsZero() {
			continue
		}
		if earliest.IsZero() || c.Expires.Before(earliest) {
			earliest = c.Expires
		}
	}
	return earliest
}

// MaxAge returns the lifetime a local session wrapping the jar may have at
// now: the shortest remaining upstream lifetime, capped at limit.
func (j Jar) MaxAge(now time.Time, limit time.Duration) time.Duration {
	notAfter := j.NotAfter()
	if notAfter.IsZero() {
		return limit
	}
	return min(notAfter.Sub(now), limit)
}

func sameSiteString(s http.SameSite) string {
	switch s {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return ""
	}
}
