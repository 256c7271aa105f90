package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// WSConfig holds the gateway's transport knobs. Zero timeouts and limits
// take defaults; the origin fields are used as given.
type WSConfig struct {
	// DevInsecure disables websocket.Accept's origin verification. Not TLS related.
	DevInsecure bool

	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	HelloTimeout    time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultWSConfig requires a localhost origin.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		HelloTimeout:      wsDefaultHelloTimeout,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// WSConfigFromEnv overlays HERALD_WS_* variables on DefaultWSConfig.
// Unparseable or non-positive values keep the default.
func WSConfigFromEnv() WSConfig {
	c := DefaultWSConfig()
	c.DevInsecure = wsEnv("HERALD_WS_DEV_INSECURE", c.DevInsecure, strconv.ParseBool)
	c.OriginRequired = wsEnv("HERALD_WS_ORIGIN_REQUIRED", c.OriginRequired, strconv.ParseBool)
	c.AllowedOrigins = wsEnv("HERALD_WS_ALLOWED_ORIGINS", c.AllowedOrigins, splitCSV)

	c.WriteTimeout = wsEnv("HERALD_WS_WRITE_TIMEOUT", c.WriteTimeout, positiveDuration)
	c.ReadIdleTimeout = wsEnv("HERALD_WS_READ_IDLE_TIMEOUT", c.ReadIdleTimeout, positiveDuration)
	c.HelloTimeout = wsEnv("HERALD_WS_HELLO_TIMEOUT", c.HelloTimeout, positiveDuration)
	c.HeartbeatInterval = wsEnv("HERALD_WS_HEARTBEAT_INTERVAL", c.HeartbeatInterval, positiveDuration)
	c.HeartbeatTimeout = wsEnv("HERALD_WS_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout, positiveDuration)

	c.RateEvents = wsEnv("HERALD_WS_RATE_EVENTS", c.RateEvents, positiveInt)
	c.RateWindow = wsEnv("HERALD_WS_RATE_WINDOW", c.RateWindow, positiveDuration)
	return c
}

func (c WSConfig) withDefaults() WSConfig {
	d := DefaultWSConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = d.HelloTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

func wsEnv[T any](key string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

var errNotPositive = errors.New("must be > 0")

func positiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err == nil && n <= 0 {
		err = errNotPositive
	}
	return n, err
}

func positiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err == nil && d <= 0 {
		err = errNotPositive
	}
	return d, err
}

func splitCSV(s string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// originPolicy checks the Origin header against an allowlist of full
// origins or bare hosts. "*" allows any origin.
type originPolicy struct {
	required bool
	allowed  []string

	// Host patterns handed to websocket.Accept, which rejects cross-origin
	// requests whose host matches none of them.
	patterns []string
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{required: required}
	for _, a := range allowed {
		if a = strings.TrimSpace(a); a != "" {
			p.allowed = append(p.allowed, a)
		}
	}

	for _, a := range p.allowed {
		h := originHost(a)
		if h == "" || slices.Contains(p.patterns, h) {
			continue
		}
		p.patterns = append(p.patterns, h)
	}
	slices.Sort(p.patterns)
	return p
}

func (p originPolicy) check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(p.allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range p.allowed {
		if a == "*" || a == origin {
			return nil
		}
		if host != "" && host == originHost(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost lowercases the host of an origin or host[:port], dropping scheme and port.
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(s)
}
