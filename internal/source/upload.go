package source

import (
	"net/url"
	"strings"
)

// signatureParams are query keys that mark a URL as pre-signed by a known
// object-storage provider.
var signatureParams = []string{
	"X-Amz-Signature",
	"X-Goog-Signature",
	"Signature",
	"sig",
}

// UploadPolicy validates job output destinations at submission time.
type UploadPolicy struct {
	resolver *Resolver
}

// NewUploadPolicy builds an upload policy. Loopback destinations are plain
// http only when allowLoopback is set; everything else must be https.
func NewUploadPolicy(domains []string, allowLoopback bool) *UploadPolicy {
	return &UploadPolicy{resolver: NewResolver(Policy{
		AllowedDomains: domains,
		AllowLoopback:  allowLoopback,
	})}
}

// Check returns nil when raw is a pre-signed write URL on an approved provider.
func (p *UploadPolicy) Check(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !u.IsAbs() {
		return reject("upload target must be an absolute url")
	}
	if err := p.resolver.checkURL(u); err != nil {
		return err
	}
	if strings.ToLower(u.Scheme) != "https" && !isLoopback(normalizeHost(u.Hostname())) {
		return reject("upload target must use https")
	}
	q := u.Query()
	for _, key := range signatureParams {
		if q.Get(key) != "" {
			return nil
		}
	}
	return reject("upload target is not pre-signed")
}

// StoragePath returns the object path of an upload target, without query.
func StoragePath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.EscapedPath(), "/")
}
