package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// envPrefix matches spec.md §6: "all PKG_CACHER_<KEY> variables override
// the corresponding lowercased configuration key".
const envPrefix = "PKG_CACHER"

// Load reads and decodes the TOML configuration file at path, applying
// defaults, environment overrides, and semantic validation.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "pkg-cacher.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	decodeHooks := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		byteRateDecodeHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks)); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	pathMap, err := parsePathMap(cfg.PathMapRaw)
	if err != nil {
		return nil, err
	}
	cfg.PathMap = pathMap

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("resolving cache_dir: %w", err)
	}
	cfg.CacheDir = absCache

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", "/var/cache/pkg-cacher")
	v.SetDefault("logdir", "/var/log/pkg-cacher")
	v.SetDefault("daemon_port", 8080)
	v.SetDefault("daemon_addr", "0.0.0.0")
	v.SetDefault("admin_addr", "127.0.0.1")
	v.SetDefault("admin_port", 8081)
	v.SetDefault("allowed_hosts", []string{"*"})
	v.SetDefault("denied_hosts", []string{})
	v.SetDefault("allowed_hosts_6", []string{"*"})
	v.SetDefault("denied_hosts_6", []string{})
	v.SetDefault("expire_hours", 0)
	v.SetDefault("use_etags", true)
	v.SetDefault("require_valid_ssl", true)
	v.SetDefault("limit", "0")
	v.SetDefault("fetch_timeout", "43s")
	v.SetDefault("retry", 3)
	v.SetDefault("log_max_size", 100)
	v.SetDefault("log_max_backups", 10)
	v.SetDefault("log_compress", true)
}

func applyDefaults(c *Config) {
	if c.FetchTimeout.DurationValue() == 0 {
		c.FetchTimeout = Duration(43 * time.Second)
	}
	if c.Daemon.Retry == 0 {
		c.Daemon.Retry = 3
	}
}

// parsePathMap splits the `path_map` directive into an ordered per-vhost
// candidate list. Entries are separated by ';' or '\n'; within an entry the
// first field is the vhost name and the rest are candidate hosts.
func parsePathMap(raw string) (map[string][]string, error) {
	result := map[string][]string{}
	raw = strings.ReplaceAll(raw, "\n", ";")
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Fields(strings.ReplaceAll(entry, ",", " "))
		if len(fields) < 2 {
			return nil, newFieldError("path_map", fmt.Sprintf("entry %q needs a vhost and at least one host", entry))
		}
		vhost := fields[0]
		if _, exists := result[vhost]; exists {
			return nil, newFieldError("path_map", fmt.Sprintf("duplicate vhost %q", vhost))
		}
		result[vhost] = append([]string(nil), fields[1:]...)
	}
	return result, nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			var d Duration
			if err := d.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
			return d, nil
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type: %T", v)
		}
	}
}

func byteRateDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(ByteRate(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			var r ByteRate
			if err := r.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
			return r, nil
		case int:
			return ByteRate(v), nil
		case int64:
			return ByteRate(v), nil
		case float64:
			return ByteRate(int64(v)), nil
		case ByteRate:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported limit type: %T", v)
		}
	}
}

// parseInt supports decimal or 0x-prefixed hex. The loader does not call
// it; no directive is decoded through it.
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}
