package transform

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrEgressBlocked is the sentinel for egress policy violations.
// errors.Is(err, ErrEgressBlocked) matches every EgressError.
var ErrEgressBlocked = errors.New("egress blocked")

// EgressError reports an egress policy violation for a specific parameter.
type EgressError struct {
	// Key is the parameter key holding the offending URL.
	Key string
	// Host is the hostname that was rejected (empty for malformed URLs).
	Host string
	// Reason is a short human-readable explanation.
	Reason string
}

// Error implements the error interface.
func (e *EgressError) Error() string {
	return fmt.Sprintf("egress blocked for %q: %s", e.Key, e.Reason)
}

// Unwrap returns ErrEgressBlocked so errors.Is works.
func (e *EgressError) Unwrap() error {
	return ErrEgressBlocked
}

// privateNetworks contains CIDR ranges blocked when BlockPrivate is set,
// preventing SSRF against internal services and cloud metadata endpoints.
var privateNetworks []*net.IPNet

func init() {
	cidrs := []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC 1918 private
		"172.16.0.0/12",  // RFC 1918 private
		"192.168.0.0/16", // RFC 1918 private
		"169.254.0.0/16", // Link-local (cloud metadata at 169.254.169.254)
		"::1/128",        // IPv6 loopback
		"fc00::/7",       // IPv6 unique local
		"fe80::/10",      // IPv6 link-local
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR in privateNetworks: " + cidr)
		}
		privateNetworks = append(privateNetworks, network)
	}
}

func isPrivateIP(ip net.IP) bool {
	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// CheckEgress scans string parameter values for URL-shaped content and
// validates each against the egress config. It returns an EgressError on the
// first violation. A malformed value under a URL-suggesting key is a policy
// violation, not something to silently ignore.
func CheckEgress(cfg *EgressConfig, params map[string]interface{}) error {
	if cfg == nil {
		return nil
	}
	return walkEgress(cfg, "", params)
}

func walkEgress(cfg *EgressConfig, key string, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, vv := range t {
			if err := walkEgress(cfg, k, vv); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, vv := range t {
			if err := walkEgress(cfg, key, vv); err != nil {
				return err
			}
		}
	case string:
		return checkEgressString(cfg, key, t)
	}
	return nil
}

// urlKey reports whether a parameter key suggests its value should be a URL.
func urlKey(key string) bool {
	k := strings.ToLower(key)
	return k == "url" || k == "uri" || k == "endpoint" || k == "callback" ||
		strings.HasSuffix(k, "_url") || strings.HasSuffix(k, "_uri")
}

func checkEgressString(cfg *EgressConfig, key, val string) error {
	looksLikeURL := strings.HasPrefix(val, "http://") || strings.HasPrefix(val, "https://") ||
		strings.HasPrefix(val, "ws://") || strings.HasPrefix(val, "wss://")

	if !looksLikeURL {
		if urlKey(key) && val != "" {
			return &EgressError{Key: key, Reason: "malformed URL in URL-typed parameter"}
		}
		return nil
	}

	u, err := url.Parse(val)
	if err != nil || u.Hostname() == "" {
		return &EgressError{Key: key, Reason: "malformed URL"}
	}
	host := strings.ToLower(u.Hostname())

	if cfg.BlockPrivate {
		if host == "localhost" || strings.HasSuffix(host, ".local") {
			return &EgressError{Key: key, Host: host, Reason: "private hostname"}
		}
		if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
			return &EgressError{Key: key, Host: host, Reason: "private IP range"}
		}
	}

	if len(cfg.AllowList) > 0 && !hostAllowed(host, cfg.AllowList) {
		return &EgressError{Key: key, Host: host, Reason: "host not in allow list"}
	}

	return nil
}

// hostAllowed reports whether host matches an allow-list entry exactly or is
// a subdomain of one.
func hostAllowed(host string, allowList []string) bool {
	for _, entry := range allowList {
		e := strings.ToLower(strings.TrimSpace(entry))
		if e == "" {
			continue
		}
		if host == e || strings.HasSuffix(host, "."+e) {
			return true
		}
	}
	return false
}
