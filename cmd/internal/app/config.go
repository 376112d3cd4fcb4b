package app

import "time"

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

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, STAND_FPR_KEY MUST be set (>= 16 bytes) so audit rows carry
	// keyed token fingerprints instead of plain hashes.
	RequireFingerprintKey bool

	// Websocket supervisor limits.
	WSMaxConns    int64
	WSIdleTimeout time.Duration
	WSIdleScan    time.Duration

	// CORS applies to the plain HTTP surface; the websocket endpoint runs
	// its own origin policy inside the gateway.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("STAND_HTTP_ADDR", "0.0.0.0:3077"),
		LogLevel:  EnvString("STAND_LOG_LEVEL", "info"),
		LogFormat: EnvString("STAND_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("STAND_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("STAND_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("STAND_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("STAND_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("STAND_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("STAND_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("STAND_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("STAND_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("STAND_READINESS_REQUIRE_DB", false),

		RequireFingerprintKey: EnvBool("STAND_REQUIRE_FPR_KEY", false),

		WSMaxConns:    EnvInt64("STAND_WS_MAX_CONNS", 4096),
		WSIdleTimeout: EnvDuration("STAND_WS_IDLE_TIMEOUT", 3*time.Minute),
		WSIdleScan:    EnvDuration("STAND_WS_IDLE_SCAN", 15*time.Second),

		CORSAllowedOrigins:   EnvCSV("STAND_CORS_ALLOWED_ORIGINS", "http://localhost,http://localhost:*,http://127.0.0.1,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("STAND_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("STAND_CORS_MAX_AGE", 600),
	}
}
