package fleet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NormalizeTarget canonicalizes a target URL so equivalent spellings
// hash to the same identity: lowercased scheme and host, default ports
// stripped, trailing slash on an empty path dropped.
func NormalizeTarget(target string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return "", fmt.Errorf("parse target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("missing host")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	if u.Path == "/" {
		u.Path = ""
	}
	u.Fragment = ""
	return u.String(), nil
}

// TaskIdentity computes the stable dedup hash for a task: SHA-256 over
// the normalized target, method, and sorted parameters.
func TaskIdentity(normalizedTarget, method string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(normalizedTarget)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// DomainOf extracts the lowercase hostname from a target URL, or
// "unknown" when it cannot be parsed.
func DomainOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
