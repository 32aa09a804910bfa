// internal/discovery/normalize.go
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsupportedScheme is returned for anything other than http and https.
var ErrUnsupportedScheme = errors.New("unsupported scheme")

// volatileParams are query parameters that vary between visits to the same
// logical page. They never contribute to page identity.
var volatileParams = map[string]struct{}{
	"fbclid": {}, "gclid": {}, "msclkid": {}, "dclid": {},
	"_ga": {}, "_gl": {}, "mc_cid": {}, "mc_eid": {}, "ref": {},
	"sessionid": {}, "session_id": {}, "sid": {}, "phpsessid": {}, "jsessionid": {},
	"_": {}, "cb": {}, "cachebuster": {}, "timestamp": {}, "ts": {},
}

func isVolatile(key string) bool {
	k := strings.ToLower(key)
	if strings.HasPrefix(k, "utm_") {
		return true
	}
	_, ok := volatileParams[k]
	return ok
}

// Normalize resolves rawURL against baseURL (which may be empty) and returns
// its canonical form: lowercase scheme and host, no default port, no
// fragment, volatile query parameters removed, remaining parameters sorted,
// an empty path replaced by "/" and a trailing slash trimmed elsewhere.
func Normalize(rawURL, baseURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}

	if !u.IsAbs() {
		switch {
		case baseURL != "":
			base, err := url.Parse(baseURL)
			if err != nil {
				return nil, fmt.Errorf("invalid base URL provided: %w", err)
			}
			u = base.ResolveReference(u)
		case u.Host != "":
			// Scheme-relative ("//host/path") with nothing to inherit from.
			u.Scheme = "https"
		default:
			return nil, fmt.Errorf("relative URL without base: %s", rawURL)
		}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("URL has no host: %s", rawURL)
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	switch {
	case u.Path == "":
		u.Path = "/"
	case len(u.Path) > 1 && strings.HasSuffix(u.Path, "/"):
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}
	u.RawPath = ""

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if isVolatile(key) {
				q.Del(key)
			}
		}
		// Encode sorts by key.
		u.RawQuery = q.Encode()
	}
	u.ForceQuery = false

	return u, nil
}

// IdentityOf returns the stable page identity for an already canonical URL.
func IdentityOf(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

// Canonicalize normalizes rawURL and returns the canonical string together
// with its identity.
func Canonicalize(rawURL, baseURL string) (canonical, identity string, err error) {
	u, err := Normalize(rawURL, baseURL)
	if err != nil {
		return "", "", err
	}
	canonical = u.String()
	return canonical, IdentityOf(canonical), nil
}
