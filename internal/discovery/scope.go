// internal/discovery/scope.go
package discovery

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ScopeManager decides which discovered URLs belong to the explored site.
type ScopeManager interface {
	IsInScope(u *url.URL) bool
	GetRootDomain() string
}

// BasicScopeManager keeps exploration on the start URL's registrable domain.
type BasicScopeManager struct {
	startHost         string
	rootDomain        string
	includeSubdomains bool
}

// NewBasicScopeManager derives the scope from the start URL.
func NewBasicScopeManager(initialURL string, includeSubdomains bool) (*BasicScopeManager, error) {
	u, err := url.Parse(initialURL)
	if err != nil {
		return nil, err
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return nil, fmt.Errorf("initial URL must have a hostname: %s", initialURL)
	}

	// eTLD+1 handles 'example.co.uk' as well as 'sub.example.com'. Hosts the
	// list cannot classify (localhost, bare IPs) scope to themselves.
	domain, err := publicsuffix.EffectiveTLDPlusOne(hostname)
	if err != nil {
		domain = hostname
	}

	return &BasicScopeManager{
		startHost:         hostname,
		rootDomain:        domain,
		includeSubdomains: includeSubdomains,
	}, nil
}

// IsInScope checks if the URL is on the start host, the root domain or,
// when configured, one of its subdomains.
func (s *BasicScopeManager) IsInScope(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if host == s.rootDomain || host == s.startHost {
		return true
	}
	// The dot prevents "notexample.com" from matching "example.com".
	return s.includeSubdomains && strings.HasSuffix(host, "."+s.rootDomain)
}

// GetRootDomain returns the eTLD+1 defining the scope.
func (s *BasicScopeManager) GetRootDomain() string {
	return s.rootDomain
}

// AllowAll is a scope that accepts every URL.
type AllowAll struct{}

func (AllowAll) IsInScope(*url.URL) bool { return true }
func (AllowAll) GetRootDomain() string   { return "" }
