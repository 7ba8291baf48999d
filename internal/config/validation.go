package config

import (
	"errors"
	"net"
	"strings"
)

// Validate performs semantic checks beyond what mapstructure decoding can
// express, refusing to start the daemon on an unusable configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.CacheDir == "" {
		return newFieldError("cache_dir", "must not be empty")
	}
	if c.DaemonPort <= 0 || c.DaemonPort > 65535 {
		return newFieldError("daemon_port", "must be in 1-65535")
	}
	if c.AdminPort != 0 && (c.AdminPort <= 0 || c.AdminPort > 65535) {
		return newFieldError("admin_port", "must be in 1-65535")
	}
	if c.AdminPort == c.DaemonPort && c.AdminAddr == c.DaemonAddr {
		return newFieldError("admin_port", "must differ from daemon_port on the same bind address")
	}
	if c.ExpireHours < 0 {
		return newFieldError("expire_hours", "must not be negative")
	}
	if c.Limit.BytesPerSecond() < 0 {
		return newFieldError("limit", "must not be negative")
	}
	if c.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("fetch_timeout", "must be greater than 0")
	}
	if c.Daemon.Retry < 0 {
		return newFieldError("retry", "must not be negative")
	}

	if len(c.PathMap) == 0 {
		return newFieldError("path_map", "must configure at least one vhost")
	}
	for vhost, hosts := range c.PathMap {
		if strings.TrimSpace(vhost) == "" {
			return newFieldError("path_map", "vhost name must not be blank")
		}
		if len(hosts) == 0 {
			return newFieldError("path_map", "vhost "+vhost+" needs at least one candidate host")
		}
	}

	if err := validateACLList(c.ACL.AllowedHosts, "allowed_hosts"); err != nil {
		return err
	}
	if err := validateACLList(c.ACL.DeniedHosts, "denied_hosts"); err != nil {
		return err
	}
	if err := validateACLList(c.ACL.AllowedHosts6, "allowed_hosts_6"); err != nil {
		return err
	}
	if err := validateACLList(c.ACL.DeniedHosts6, "denied_hosts_6"); err != nil {
		return err
	}

	if c.Proxy.Use && c.Proxy.HTTP == "" && c.Proxy.HTTPS == "" {
		return newFieldError("use_proxy", "requires http_proxy or https_proxy to be set")
	}

	return nil
}

// validateACLList accepts "*", single addresses, base/mask CIDRs (numeric
// prefix or dotted mask), and start-end ranges — the same grammar
// internal/acl parses at request time. Validating here fails fast at
// startup instead of on the first client connection.
func validateACLList(entries []string, field string) error {
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" || entry == "*" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				parts := strings.SplitN(entry, "/", 2)
				if len(parts) != 2 || net.ParseIP(parts[0]) == nil || net.ParseIP(parts[1]) == nil {
					return newFieldError(field, "malformed CIDR entry: "+entry)
				}
			}
			continue
		}
		if strings.Contains(entry, "-") {
			parts := strings.SplitN(entry, "-", 2)
			if len(parts) != 2 || net.ParseIP(strings.TrimSpace(parts[0])) == nil || net.ParseIP(strings.TrimSpace(parts[1])) == nil {
				return newFieldError(field, "malformed range entry: "+entry)
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return newFieldError(field, "malformed address entry: "+entry)
		}
	}
	return nil
}
