package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the intercomd server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	ServerDomain string // SIP domain embedded in issued credentials
	ServerIP     string // public IP of the telephony host, echoed in /health

	ARIHost     string
	ARIPort     int
	ARIUser     string
	ARIPassword string
	ARIApp      string // Stasis application name the orchestrator subscribes to

	RedisHost     string
	RedisPort     int
	RedisPassword string

	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string

	CallTokenTTLSec int // TTL for call/channel/endpoint/outgoing records
	RingTimeoutSec  int // ring timer and originate: record TTL

	HTTPPort int

	DoorphoneRecipient string // user id that receives doorphone call pushes
	PushURL            string // push vendor batch endpoint
	PushAccessToken    string // optional bearer token for the push vendor
	FCMCredentials     string // optional service-account JSON file for direct FCM

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultARIPort      = 8088
	defaultRedisPort    = 6379
	defaultPostgresPort = 5432
	defaultHTTPPort     = 8080
	defaultCallTokenTTL = 120
	defaultRingTimeout  = 60
	defaultPushURL      = "https://exp.host/--/api/v2/push/send"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// envPrefix is the prefix for all intercomd environment variables.
const envPrefix = "INTERCOMD_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults. Any missing required value
// is a startup error.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("intercomd", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerDomain, "server-domain", "", "SIP domain embedded in issued credentials")
	fs.StringVar(&cfg.ServerIP, "server-ip", "", "public IP of the telephony host")
	fs.StringVar(&cfg.ARIHost, "ari-host", "", "telephony engine ARI host")
	fs.IntVar(&cfg.ARIPort, "ari-port", defaultARIPort, "telephony engine ARI port")
	fs.StringVar(&cfg.ARIUser, "ari-user", "", "ARI basic-auth user")
	fs.StringVar(&cfg.ARIPassword, "ari-password", "", "ARI basic-auth password")
	fs.StringVar(&cfg.ARIApp, "ari-app", "", "Stasis application name")
	fs.StringVar(&cfg.RedisHost, "redis-host", "", "redis host for session records")
	fs.IntVar(&cfg.RedisPort, "redis-port", defaultRedisPort, "redis port")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.StringVar(&cfg.PostgresHost, "postgres-host", "", "postgres host for realtime config")
	fs.IntVar(&cfg.PostgresPort, "postgres-port", defaultPostgresPort, "postgres port")
	fs.StringVar(&cfg.PostgresDB, "postgres-db", "", "postgres database name")
	fs.StringVar(&cfg.PostgresUser, "postgres-user", "", "postgres user")
	fs.StringVar(&cfg.PostgresPassword, "postgres-password", "", "postgres password")
	fs.IntVar(&cfg.CallTokenTTLSec, "call-token-ttl", defaultCallTokenTTL, "TTL in seconds for per-call session records")
	fs.IntVar(&cfg.RingTimeoutSec, "ring-timeout", defaultRingTimeout, "seconds before an unanswered doorphone call is hung up")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.StringVar(&cfg.DoorphoneRecipient, "doorphone-recipient", "", "user id that receives doorphone call pushes")
	fs.StringVar(&cfg.PushURL, "push-url", defaultPushURL, "push vendor batch endpoint")
	fs.StringVar(&cfg.PushAccessToken, "push-access-token", "", "optional bearer token for the push vendor")
	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "optional service-account JSON file for direct FCM delivery")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	strFields := map[string]*string{
		"server-domain":       &cfg.ServerDomain,
		"server-ip":           &cfg.ServerIP,
		"ari-host":            &cfg.ARIHost,
		"ari-user":            &cfg.ARIUser,
		"ari-password":        &cfg.ARIPassword,
		"ari-app":             &cfg.ARIApp,
		"redis-host":          &cfg.RedisHost,
		"redis-password":      &cfg.RedisPassword,
		"postgres-host":       &cfg.PostgresHost,
		"postgres-db":         &cfg.PostgresDB,
		"postgres-user":       &cfg.PostgresUser,
		"postgres-password":   &cfg.PostgresPassword,
		"doorphone-recipient": &cfg.DoorphoneRecipient,
		"push-url":            &cfg.PushURL,
		"push-access-token":   &cfg.PushAccessToken,
		"fcm-credentials":     &cfg.FCMCredentials,
		"log-level":           &cfg.LogLevel,
		"log-format":          &cfg.LogFormat,
	}
	intFields := map[string]*int{
		"ari-port":       &cfg.ARIPort,
		"redis-port":     &cfg.RedisPort,
		"postgres-port":  &cfg.PostgresPort,
		"call-token-ttl": &cfg.CallTokenTTLSec,
		"ring-timeout":   &cfg.RingTimeoutSec,
		"http-port":      &cfg.HTTPPort,
	}

	for name, dst := range strFields {
		if set[name] {
			continue
		}
		if val, ok := os.LookupEnv(envVarName(name)); ok && val != "" {
			*dst = val
		}
	}
	for name, dst := range intFields {
		if set[name] {
			continue
		}
		if val, ok := os.LookupEnv(envVarName(name)); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				*dst = v
			}
		}
	}
}

// envVarName maps a flag name to its environment variable,
// e.g. "ari-host" -> "INTERCOMD_ARI_HOST".
func envVarName(flagName string) string {
	return envPrefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// validate checks that required values are present and sane.
func (c *Config) validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"server-domain", c.ServerDomain},
		{"server-ip", c.ServerIP},
		{"ari-host", c.ARIHost},
		{"ari-user", c.ARIUser},
		{"ari-password", c.ARIPassword},
		{"ari-app", c.ARIApp},
		{"redis-host", c.RedisHost},
		{"postgres-host", c.PostgresHost},
		{"postgres-db", c.PostgresDB},
		{"postgres-user", c.PostgresUser},
		{"postgres-password", c.PostgresPassword},
		{"doorphone-recipient", c.DoorphoneRecipient},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required (env %s)", r.name, envVarName(r.name))
		}
	}

	for _, p := range []struct {
		name  string
		value int
	}{
		{"ari-port", c.ARIPort},
		{"redis-port", c.RedisPort},
		{"postgres-port", c.PostgresPort},
		{"http-port", c.HTTPPort},
	} {
		if p.value < 1 || p.value > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.name, p.value)
		}
	}

	if c.RingTimeoutSec < 1 {
		return fmt.Errorf("ring-timeout must be positive, got %d", c.RingTimeoutSec)
	}
	// The ring timer must not fire after the session records have expired:
	// a timed-out call relies on call:<token> still being present.
	if c.CallTokenTTLSec < c.RingTimeoutSec {
		return fmt.Errorf("call-token-ttl (%d) must be >= ring-timeout (%d)", c.CallTokenTTLSec, c.RingTimeoutSec)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// CallTokenTTL returns the session record TTL as a duration.
func (c *Config) CallTokenTTL() time.Duration {
	return time.Duration(c.CallTokenTTLSec) * time.Second
}

// RingTimeout returns the ring timer duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

// RedisAddr returns the host:port address of the redis server.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

// PostgresDSN returns the connection string for the realtime config database.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB)
}

// ARIBaseURL returns the REST base of the telephony engine,
// e.g. "http://pbx:8088/ari". Credentials are carried in the
// Authorization header, never in the URL.
func (c *Config) ARIBaseURL() string {
	return fmt.Sprintf("http://%s:%d/ari", c.ARIHost, c.ARIPort)
}

// ARIWebSocketURL returns the event-stream endpoint for the configured
// Stasis application.
func (c *Config) ARIWebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d/ari/events?app=%s&subscribeAll=false", c.ARIHost, c.ARIPort, c.ARIApp)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
