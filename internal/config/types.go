package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration accepts both bare-seconds integers and Go duration strings
// ("30s", "5m") when decoded from TOML or environment overrides.
type Duration time.Duration

// UnmarshalText lets Viper decode "30s", "5m", or a plain integer of seconds.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue returns the underlying time.Duration.
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteRate is an egress bandwidth cap expressed as bytes/sec, accepting the
// pkg-cacher `limit` syntax: a bare integer, or an integer suffixed `k`/`m`.
type ByteRate int64

// UnmarshalText parses "500000", "500k", or "2m" into bytes/sec.
func (r *ByteRate) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*r = 0
		return nil
	}

	mult := int64(1)
	suffix := raw[len(raw)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1024
		raw = raw[:len(raw)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		raw = raw[:len(raw)-1]
	}

	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid bandwidth limit: %s", raw)
	}
	*r = ByteRate(value * mult)
	return nil
}

// BytesPerSecond returns the parsed rate; zero means unlimited.
func (r ByteRate) BytesPerSecond() int64 {
	return int64(r)
}

// ProxyConfig describes an optional parent HTTP/HTTPS proxy with basic auth.
type ProxyConfig struct {
	Use      bool   `mapstructure:"use_proxy"`
	HTTP     string `mapstructure:"http_proxy"`
	HTTPS    string `mapstructure:"https_proxy"`
	UseAuth  bool   `mapstructure:"use_proxy_auth"`
	HTTPAuth string `mapstructure:"http_proxy_auth"`
	HTTPSAuth string `mapstructure:"https_proxy_auth"`
}

// ACLConfig lists the allow/deny host patterns evaluated by internal/acl.
// Each entry is a single address, a `base/mask` CIDR, or a `start-end` range.
type ACLConfig struct {
	AllowedHosts  []string `mapstructure:"allowed_hosts"`
	DeniedHosts   []string `mapstructure:"denied_hosts"`
	AllowedHosts6 []string `mapstructure:"allowed_hosts_6"`
	DeniedHosts6  []string `mapstructure:"denied_hosts_6"`
}

// DaemonConfig groups the process-lifecycle knobs that are the external
// collaborator's responsibility to act on; this daemon only parses and
// exposes them (spec.md §1 "out of scope: process daemonisation plumbing").
type DaemonConfig struct {
	User    string `mapstructure:"user"`
	Group   string `mapstructure:"group"`
	Chroot  string `mapstructure:"chroot"`
	PIDFile string `mapstructure:"pidfile"`
	Fork    bool   `mapstructure:"fork"`
	Retry   int    `mapstructure:"retry"`
}

// Config is the full on-disk configuration record (spec.md §6 table).
type Config struct {
	CacheDir string `mapstructure:"cache_dir"`
	LogDir   string `mapstructure:"logdir"`

	DaemonPort int    `mapstructure:"daemon_port"`
	DaemonAddr string `mapstructure:"daemon_addr"`

	AdminAddr string `mapstructure:"admin_addr"`
	AdminPort int    `mapstructure:"admin_port"`

	Daemon DaemonConfig `mapstructure:",squash"`

	// PathMap holds, per vhost, the ordered list of candidate upstream base
	// URLs/hosts parsed from the semicolon/comma `path_map` directive.
	PathMap map[string][]string `mapstructure:"-"`
	// PathMapRaw is the raw `path_map` config value before parsing, e.g.
	// "debian ftp.debian.org security.debian.org; fedora dl.fedoraproject.org".
	PathMapRaw string `mapstructure:"path_map"`

	ACL ACLConfig `mapstructure:",squash"`

	OfflineMode  bool `mapstructure:"offline_mode"`
	ExpireHours  int  `mapstructure:"expire_hours"`
	UseETags     bool `mapstructure:"use_etags"`

	Proxy ProxyConfig `mapstructure:",squash"`

	RequireValidSSL bool     `mapstructure:"require_valid_ssl"`
	Limit           ByteRate `mapstructure:"limit"`
	FetchTimeout    Duration `mapstructure:"fetch_timeout"`
	UseInterface    string   `mapstructure:"use_interface"`

	Debug             bool `mapstructure:"debug"`
	GenerateReports   bool `mapstructure:"generate_reports"`
	CleanCache        bool `mapstructure:"clean_cache"`
	CGIAdviseToUse    bool `mapstructure:"cgi_advise_to_use"`

	// TreatAmbiguousRevalidationAsExpired resolves spec.md §9's first open
	// question: a successful HEAD revalidation carrying neither ETag nor
	// Last-Modified is treated as HIT by default (conservative), unless
	// this is set.
	TreatAmbiguousRevalidationAsExpired bool `mapstructure:"treat_ambiguous_revalidation_as_expired"`

	LogMaxSize    int  `mapstructure:"log_max_size"`
	LogMaxBackups int  `mapstructure:"log_max_backups"`
	LogCompress   bool `mapstructure:"log_compress"`
}

// UpstreamCandidates returns the ordered candidate host list for a vhost.
func (c *Config) UpstreamCandidates(vhost string) ([]string, bool) {
	hosts, ok := c.PathMap[vhost]
	return hosts, ok
}

// KnownVhosts returns the set of vhost names recognised by path_map.
func (c *Config) KnownVhosts() []string {
	names := make([]string, 0, len(c.PathMap))
	for name := range c.PathMap {
		names = append(names, name)
	}
	return names
}
