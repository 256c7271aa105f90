package app

import (
	"fmt"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Bus backbones.
const (
	BusNone  = "none"
	BusRedis = "redis"
	BusNATS  = "nats"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// Store is inferred from DatabaseURL / SQLitePath when empty.
	Store       string
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	SQLitePath  string

	// Bus is inferred from RedisURL / NATSURL when empty.
	Bus        string
	RedisURL   string
	NATSURL    string
	BusChannel string
	BusSecret  string

	PresenceHeartbeat time.Duration
	SessionQueue      int
	CatchUpBuffer     int
	CatchUpPage       int

	// If true, /readyz returns 503 unless a durable store is configured.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("HERALD_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("HERALD_LOG_LEVEL", "info"),
		LogFormat: EnvString("HERALD_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("HERALD_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HERALD_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HERALD_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HERALD_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("HERALD_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("HERALD_SHUTDOWN_TIMEOUT", 10*time.Second),

		Store:       strings.ToLower(EnvString("HERALD_STORE", "")),
		DatabaseURL: EnvString("HERALD_DATABASE_URL", ""),
		DBSchema:    EnvString("HERALD_DB_SCHEMA", "herald"),
		DBMaxConns:  EnvInt32("HERALD_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("HERALD_DB_MIN_CONNS", 0),
		SQLitePath:  EnvString("HERALD_SQLITE_PATH", ""),

		Bus:        strings.ToLower(EnvString("HERALD_BUS", "")),
		RedisURL:   EnvString("HERALD_REDIS_URL", ""),
		NATSURL:    EnvString("HERALD_NATS_URL", ""),
		BusChannel: EnvString("HERALD_BUS_CHANNEL", ""),
		BusSecret:  EnvString("HERALD_BUS_SECRET", ""),

		PresenceHeartbeat: EnvDuration("HERALD_PRESENCE_HEARTBEAT", 15*time.Second),
		SessionQueue:      EnvInt("HERALD_SESSION_QUEUE", 256),
		CatchUpBuffer:     EnvInt("HERALD_CATCHUP_BUFFER", 1024),
		CatchUpPage:       EnvInt("HERALD_CATCHUP_PAGE", 500),

		ReadinessRequireDB: EnvBool("HERALD_READINESS_REQUIRE_DB", false),
	}
}

// resolve fills inferred backends and rejects inconsistent combinations.
func (c Config) resolve() (Config, error) {
	if c.Store == "" {
		switch {
		case c.DatabaseURL != "":
			c.Store = StorePostgres
		case c.SQLitePath != "":
			c.Store = StoreSQLite
		default:
			c.Store = StoreMemory
		}
	}
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return c, fmt.Errorf("config: HERALD_STORE=postgres requires HERALD_DATABASE_URL")
		}
	default:
		return c, fmt.Errorf("config: unknown HERALD_STORE %q", c.Store)
	}

	if c.Bus == "" {
		switch {
		case c.RedisURL != "":
			c.Bus = BusRedis
		case c.NATSURL != "":
			c.Bus = BusNATS
		default:
			c.Bus = BusNone
		}
	}
	switch c.Bus {
	case BusNone:
	case BusRedis:
		if c.RedisURL == "" {
			return c, fmt.Errorf("config: HERALD_BUS=redis requires HERALD_REDIS_URL")
		}
	case BusNATS:
		if c.NATSURL == "" {
			return c, fmt.Errorf("config: HERALD_BUS=nats requires HERALD_NATS_URL")
		}
	default:
		return c, fmt.Errorf("config: unknown HERALD_BUS %q", c.Bus)
	}

	if c.Bus != BusNone && c.Store == StoreMemory {
		// Instances would each own a separate log with colliding offsets.
		return c, fmt.Errorf("config: HERALD_BUS=%s needs a shared store, not memory", c.Bus)
	}
	return c, nil
}
