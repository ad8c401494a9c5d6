package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	Port        int
	Environment string
	LogLevel    string

	// JWTSecret is the shared secret for signed-token verification.
	// Required unless SkipAuth is set.
	JWTSecret string

	// SkipAuth disables all connection authentication. Development only.
	SkipAuth bool

	// AllowedOrigins is the origin allowlist for the HTTP layer.
	AllowedOrigins []string

	// DatabaseURL, when set, enables session-reference token verification
	// against the REST API's token table.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendQueueSize     int
	WriteTimeout      time.Duration
	MaxFrameBytes     int64

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// Development reports whether the relay runs in development mode, which
// enables the sentinel-token shortcut and verbose logging defaults.
func (c Config) Development() bool {
	return c.Environment == "development"
}

// LoadConfig loads Config from environment variables with defaults.
// Env names mirror the original relay deployment (PORT, JWT_SECRET,
// SKIP_WS_AUTH, APP_ENV, ALLOWED_ORIGINS).
func LoadConfig() Config {
	return Config{
		Port:        EnvInt("PORT", 6001),
		Environment: EnvString("APP_ENV", "development"),
		LogLevel:    EnvString("LOG_LEVEL", "info"),

		JWTSecret: EnvString("JWT_SECRET", ""),
		SkipAuth:  EnvBool("SKIP_WS_AUTH", false),

		AllowedOrigins: EnvCSV("ALLOWED_ORIGINS", "http://localhost:3000"),

		DatabaseURL: EnvString("DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("DB_MAX_CONNS", 5),
		DBMinConns:  EnvInt32("DB_MIN_CONNS", 0),

		HeartbeatInterval: EnvDuration("RELAY_HEARTBEAT_INTERVAL", 25*time.Second),
		HeartbeatTimeout:  EnvDuration("RELAY_HEARTBEAT_TIMEOUT", 5*time.Second),
		SendQueueSize:     EnvInt("RELAY_SEND_QUEUE", 256),
		WriteTimeout:      EnvDuration("RELAY_WRITE_TIMEOUT", 5*time.Second),
		MaxFrameBytes:     int64(EnvInt("RELAY_MAX_FRAME_BYTES", 64<<10)),

		ReadHeaderTimeout: EnvDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("HTTP_MAX_HEADER_BYTES", 1<<20),
	}
}
