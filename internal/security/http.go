// Package security guards outbound URL fetches against SSRF.
//
// URL sources are user-supplied, so every fetch target (and every
// redirect hop) is validated: scheme whitelist, dangerous hostname
// checks, and resolved-IP range checks.
package security

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
)

// HTTP validates outbound HTTP requests to prevent SSRF attacks.
type HTTP struct {
	maxResponseSize int64
	allowedSchemes  []string
	timeout         time.Duration

	clientOnce sync.Once
	client     *http.Client
}

// NewHTTP creates a new HTTP validator with a 5MB response cap and a
// 30 second request timeout.
func NewHTTP() *HTTP {
	return &HTTP{
		maxResponseSize: 5 * 1024 * 1024,
		allowedSchemes:  []string{"http", "https"},
		timeout:         30 * time.Second,
	}
}

// ValidateURL validates whether a URL is safe to fetch.
// Checks protocol, hostname, and resolved IP address ranges.
func (v *HTTP) ValidateURL(urlStr string) error {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsedURL.Scheme)
	if !slices.Contains(v.allowedSchemes, scheme) {
		return fmt.Errorf("disallowed protocol: %s (only http/https allowed)", parsedURL.Scheme)
	}

	hostname := parsedURL.Hostname()
	if hostname == "" {
		return fmt.Errorf("invalid hostname")
	}

	if isDangerousHostname(hostname) {
		slog.Warn("SSRF attempt - dangerous hostname detected",
			"url", urlStr,
			"hostname", hostname,
			"security_event", "ssrf_dangerous_hostname")
		return fmt.Errorf("access denied: accessing internal networks or metadata services is not allowed")
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("unable to resolve hostname: %w", err)
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			slog.Warn("SSRF attempt - private IP detected",
				"url", urlStr,
				"hostname", hostname,
				"resolved_ip", ip.String(),
				"security_event", "ssrf_private_ip")
			return fmt.Errorf("access denied: accessing internal network IPs is not allowed (%s)", ip.String())
		}
	}

	return nil
}

// MaxResponseSize returns the maximum response body size in bytes.
func (v *HTTP) MaxResponseSize() int64 {
	return v.maxResponseSize
}

// Client returns the shared SSRF-safe HTTP client for this validator.
// Redirects are limited to 3 hops and every hop is re-validated.
func (v *HTTP) Client() *http.Client {
	v.clientOnce.Do(func() {
		v.client = &http.Client{
			Timeout: v.timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					slog.Warn("excessive redirects detected",
						"url", req.URL.String(),
						"redirect_count", len(via),
						"security_event", "excessive_redirects")
					return fmt.Errorf("stopped after 3 redirects")
				}

				if err := v.ValidateURL(req.URL.String()); err != nil {
					slog.Warn("SSRF attempt - unsafe redirect detected",
						"redirect_url", req.URL.String(),
						"original_url", via[0].URL.String(),
						"redirect_chain_length", len(via),
						"security_event", "ssrf_unsafe_redirect")
					return fmt.Errorf("redirect to unsafe URL: %w", err)
				}

				return nil
			},
		}
	})
	return v.client
}

// isDangerousHostname checks for local hostnames and cloud metadata endpoints.
func isDangerousHostname(hostname string) bool {
	hostname = strings.ToLower(hostname)

	localHostnames := []string{
		"localhost",
		"127.0.0.1",
		"::1",
		"0.0.0.0",
	}
	if slices.Contains(localHostnames, hostname) {
		return true
	}

	metadataEndpoints := []string{
		"169.254.169.254", // AWS, Azure, GCP
		"metadata.google.internal",
		"metadata",
	}
	for _, endpoint := range metadataEndpoints {
		if hostname == endpoint || strings.Contains(hostname, endpoint) {
			return true
		}
	}

	return false
}

// isPrivateIP checks if an IP is in a private or otherwise unroutable range.
func isPrivateIP(ip net.IP) bool {
	privateIPv4Ranges := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local (cloud metadata)
		"0.0.0.0/8",
		"224.0.0.0/4", // multicast
		"240.0.0.0/4", // reserved
	}

	for _, cidr := range privateIPv4Ranges {
		_, subnet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if subnet.Contains(ip) {
			return true
		}
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	// IPv6 Unique Local Address (ULA) fc00::/7
	if len(ip) == net.IPv6len && (ip[0] == 0xfc || ip[0] == 0xfd) {
		return true
	}

	return false
}
