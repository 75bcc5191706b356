package gateway

import "strings"

// OriginPolicy decides which reporting origins may deliver inbound messages.
//
// The accepted set is intentionally tiny: the host's own origin, the local
// file origin, and the opaque "null" origin a fully sandboxed surface
// reports. Loopback origins are accepted only when the policy is built in
// development mode.
type OriginPolicy struct {
	self    string
	allowed map[string]bool
	devMode bool
}

// staticAllowList is the fixed set of non-self origins a sandboxed surface
// may legitimately report.
var staticAllowList = []string{
	"file://",
	"null",
}

// NewOriginPolicy creates a policy for the given host origin.
func NewOriginPolicy(selfOrigin string, devMode bool) *OriginPolicy {
	allowed := make(map[string]bool, len(staticAllowList)+1)
	for _, o := range staticAllowList {
		allowed[o] = true
	}
	if selfOrigin != "" {
		allowed[selfOrigin] = true
	}
	return &OriginPolicy{
		self:    selfOrigin,
		allowed: allowed,
		devMode: devMode,
	}
}

// Check reports whether the origin may deliver messages.
func (p *OriginPolicy) Check(origin string) bool {
	if p.allowed[origin] {
		return true
	}
	if p.devMode && isLoopback(origin) {
		return true
	}
	return false
}

// Self returns the host's own origin.
func (p *OriginPolicy) Self() string {
	return p.self
}

// isLoopback reports whether origin points at the local machine.
func isLoopback(origin string) bool {
	for _, prefix := range []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
		"http://[::1]",
		"https://[::1]",
	} {
		if origin == prefix {
			return true
		}
		// Allow an explicit port after the host.
		if strings.HasPrefix(origin, prefix+":") {
			return true
		}
	}
	return false
}
