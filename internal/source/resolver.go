// Package source validates media references before anything is fetched.
//
// Policy, in order:
//   - local-file schemes are rejected outright;
//   - absolute filesystem paths are accepted only inside the per-job sandbox;
//   - absolute http(s) URLs must target an allow-listed host or one of its
//     subdomains (loopback optionally allowed for local testing);
//   - relative references are resolved against an already validated base and
//     the result is checked against the same allow-list.
package source

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// ErrRejected is returned for any source that fails the policy.
var ErrRejected = errors.New("source rejected")

func reject(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// Policy configures a Resolver.
type Policy struct {
	AllowedDomains []string
	AllowLoopback  bool
	// SandboxDir is the only directory absolute paths may point into.
	SandboxDir string
}

// Resolver turns a clip's media reference into a safe, fetchable location.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	domains       []string
	allowLoopback bool
	sandbox       string
}

// NewResolver creates a resolver for p.
func NewResolver(p Policy) *Resolver {
	r := &Resolver{allowLoopback: p.AllowLoopback}
	for _, d := range p.AllowedDomains {
		d = normalizeHost(d)
		if d != "" {
			r.domains = append(r.domains, d)
		}
	}
	if p.SandboxDir != "" {
		if abs, err := filepath.Abs(p.SandboxDir); err == nil {
			r.sandbox = filepath.Clean(abs)
		}
	}
	return r
}

// WithSandbox returns a copy of r whose sandbox is dir.
func (r *Resolver) WithSandbox(dir string) *Resolver {
	cp := *r
	cp.sandbox = ""
	if dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			cp.sandbox = filepath.Clean(abs)
		}
	}
	return &cp
}

// ParseBase validates a base URL used for relative references.
func (r *Resolver) ParseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, reject("invalid base url: %v", err)
	}
	if !u.IsAbs() {
		return nil, reject("base url must be absolute")
	}
	if err := r.checkURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Resolve validates raw and returns the location to hand to the media tools.
// base may be nil, in which case relative references are rejected.
func (r *Resolver) Resolve(raw string, base *url.URL) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", reject("empty source")
	}
	if strings.ContainsAny(raw, "\x00\r\n") {
		return "", reject("control characters in source")
	}
	if hasFileScheme(raw) {
		return "", reject("local file scheme")
	}

	if isAbsolutePath(raw) {
		return r.resolvePath(raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", reject("unparseable source: %v", err)
	}

	if u.Scheme != "" {
		if err := r.checkURL(u); err != nil {
			return "", err
		}
		return u.String(), nil
	}

	if base == nil {
		return "", reject("relative source without base url")
	}
	if err := r.checkURL(base); err != nil {
		return "", err
	}
	resolved := base.ResolveReference(u)
	if err := r.checkURL(resolved); err != nil {
		return "", err
	}
	return resolved.String(), nil
}

// Allowed reports whether raw passes the policy.
func (r *Resolver) Allowed(raw string, base *url.URL) bool {
	_, err := r.Resolve(raw, base)
	return err == nil
}

func (r *Resolver) resolvePath(p string) (string, error) {
	if r.sandbox == "" {
		return "", reject("absolute path outside sandbox")
	}
	clean := filepath.Clean(p)
	rel, err := filepath.Rel(r.sandbox, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", reject("absolute path outside sandbox")
	}
	return clean, nil
}

func (r *Resolver) checkURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return reject("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return reject("credentials in url")
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return reject("missing host")
	}
	if isLoopback(host) {
		if r.allowLoopback {
			return nil
		}
		return reject("loopback host %q", host)
	}
	if !r.hostAllowed(host) {
		return reject("domain %q not allow-listed", host)
	}
	return nil
}

func (r *Resolver) hostAllowed(host string) bool {
	for _, d := range r.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

func isLoopback(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func hasFileScheme(raw string) bool {
	return strings.HasPrefix(strings.ToLower(raw), "file:")
}

// isAbsolutePath catches both unix paths and windows drive/UNC paths so the
// decision does not depend on the host OS.
func isAbsolutePath(raw string) bool {
	if strings.HasPrefix(raw, "//") {
		return false
	}
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, `\`) {
		return true
	}
	if len(raw) >= 3 && raw[1] == ':' && (raw[2] == '\\' || raw[2] == '/') {
		c := raw[0] | 0x20
		return c >= 'a' && c <= 'z'
	}
	return filepath.IsAbs(raw)
}
