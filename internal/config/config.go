// Package config loads server configuration from the process environment,
// optionally seeded from a .env file, following the variable table this
// server has carried since its flag-based predecessor was replaced.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	rtmperrors "github.com/alxayo/go-rtmp/internal/errors"
)

// Config holds every externally tunable setting. Zero-value Config is not
// valid; use Load.
type Config struct {
	BindAddress string
	RTMPPort    int
	SSLPort     int

	SSLCert                string
	SSLKey                 string
	SSLCheckReloadSeconds  int

	IDMaxLength int

	RTMPPlayWhitelist []string

	MaxIPConcurrentConnections int
	ConcurrentLimitWhitelist   []string

	RTMPChunkSize   uint32
	GOPCacheSizeMB  int
	MsgBufferSize   int

	CallbackURL      string
	JWTSecret        string
	CustomJWTSubject string
	RTMPHost         string

	ControlUse       bool
	ControlBaseURL   string
	ControlSecret    string
	ExternalIP       string
	ExternalPort     int
	ExternalSSL      bool

	RedisUse     bool
	RedisHost    string
	RedisPort    int
	RedisPassword string
	RedisChannel string
	RedisTLS     bool

	LogLevel string
}

// Load reads a `.env` file (if present; its absence is not an error) and
// then the process environment, applying the defaults this server has
// always shipped with.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, rtmperrors.NewConfigError(".env", err)
	}

	cfg := &Config{
		BindAddress: os.Getenv("BIND_ADDRESS"),

		SSLCert: os.Getenv("SSL_CERT"),
		SSLKey:  os.Getenv("SSL_KEY"),

		RTMPPlayWhitelist: splitList(os.Getenv("RTMP_PLAY_WHITELIST")),

		ConcurrentLimitWhitelist: splitList(os.Getenv("CONCURRENT_LIMIT_WHITELIST")),

		CallbackURL:      os.Getenv("CALLBACK_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		CustomJWTSubject: os.Getenv("CUSTOM_JWT_SUBJECT"),
		RTMPHost:         os.Getenv("RTMP_HOST"),

		ControlBaseURL: os.Getenv("CONTROL_BASE_URL"),
		ControlSecret:  os.Getenv("CONTROL_SECRET"),
		ExternalIP:     os.Getenv("EXTERNAL_IP"),

		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisChannel:  os.Getenv("REDIS_CHANNEL"),

		LogLevel: envOrDefault("RTMP_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RTMPPort, err = envInt("RTMP_PORT", 1935); err != nil {
		return nil, err
	}
	if cfg.SSLPort, err = envInt("SSL_PORT", 443); err != nil {
		return nil, err
	}
	if cfg.SSLCheckReloadSeconds, err = envInt("SSL_CHECK_RELOAD_SECONDS", 60); err != nil {
		return nil, err
	}
	if cfg.IDMaxLength, err = envInt("ID_MAX_LENGTH", 128); err != nil {
		return nil, err
	}
	if cfg.MaxIPConcurrentConnections, err = envInt("MAX_IP_CONCURRENT_CONNECTIONS", 4); err != nil {
		return nil, err
	}
	chunkSize, err := envInt("RTMP_CHUNK_SIZE", 4096)
	if err != nil {
		return nil, err
	}
	cfg.RTMPChunkSize = uint32(chunkSize)
	if cfg.GOPCacheSizeMB, err = envInt("GOP_CACHE_SIZE_MB", 16); err != nil {
		return nil, err
	}
	if cfg.MsgBufferSize, err = envInt("MSG_BUFFER_SIZE", 8); err != nil {
		return nil, err
	}
	if cfg.ExternalPort, err = envInt("EXTERNAL_PORT", 0); err != nil {
		return nil, err
	}
	if cfg.RedisPort, err = envInt("REDIS_PORT", 6379); err != nil {
		return nil, err
	}

	if cfg.ControlUse, err = envBool("CONTROL_USE", false); err != nil {
		return nil, err
	}
	if cfg.ExternalSSL, err = envBool("EXTERNAL_SSL", false); err != nil {
		return nil, err
	}
	if cfg.RedisUse, err = envBool("REDIS_USE", false); err != nil {
		return nil, err
	}
	if cfg.RedisTLS, err = envBool("REDIS_TLS", false); err != nil {
		return nil, err
	}

	if cfg.ControlUse && cfg.CallbackURL != "" {
		return nil, rtmperrors.NewConfigError("CONTROL_USE", fmt.Errorf("CONTROL_USE and CALLBACK_URL are mutually exclusive"))
	}

	return cfg, nil
}

// ParseCIDRWhitelist resolves a whitelist entry list (possibly containing
// the literal wildcard "*") into parsed CIDR networks plus a flag for the
// wildcard case. Shared by admission and play whitelisting.
func ParseCIDRWhitelist(entries []string) (nets []*net.IPNet, allowAll bool, err error) {
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if e == "*" {
			allowAll = true
			continue
		}
		if !strings.Contains(e, "/") {
			e += "/32"
			if strings.Contains(e, ":") {
				e = strings.TrimSuffix(e, "/32") + "/128"
			}
		}
		_, n, perr := net.ParseCIDR(e)
		if perr != nil {
			return nil, false, rtmperrors.NewConfigError("whitelist", fmt.Errorf("invalid CIDR %q: %w", e, perr))
		}
		nets = append(nets, n)
	}
	return nets, allowAll, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, rtmperrors.NewConfigError(key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, rtmperrors.NewConfigError(key, err)
	}
	return b, nil
}
