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
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Token verification. The HMAC key itself is read from
	// DOMUS_TOKEN_HMAC_KEY at startup and never stored here.
	TokenIssuer    string
	TokenClockSkew time.Duration

	VoteMaxQuestions  int
	VoteWindow        time.Duration
	VoteSweepInterval time.Duration

	NotifySweepInterval time.Duration

	// DevResidents seeds the in-memory directory when no database is
	// configured. CSV of user:role:unit entries, e.g.
	// "mgr-1:manager:0,res-1:resident:12".
	DevResidents string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("DOMUS_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("DOMUS_LOG_LEVEL", "info"),
		LogFormat: EnvString("DOMUS_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("DOMUS_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("DOMUS_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("DOMUS_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("DOMUS_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("DOMUS_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("DOMUS_DATABASE_URL", ""),
		DBSchema:    EnvString("DOMUS_DB_SCHEMA", "domus"),
		DBMaxConns:  EnvInt32("DOMUS_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("DOMUS_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("DOMUS_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvStringSlice("DOMUS_CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "http://127.0.0.1:*"}),
		CORSAllowCredentials: EnvBool("DOMUS_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("DOMUS_CORS_MAX_AGE_SECONDS", 600),

		TokenIssuer:    EnvString("DOMUS_TOKEN_ISSUER", "domus-identity"),
		TokenClockSkew: EnvDuration("DOMUS_TOKEN_CLOCK_SKEW", 30*time.Second),

		VoteMaxQuestions:  EnvInt("DOMUS_VOTE_MAX_QUESTIONS", 10),
		VoteWindow:        EnvDuration("DOMUS_VOTE_WINDOW", 180*time.Second),
		VoteSweepInterval: EnvDuration("DOMUS_VOTE_SWEEP_INTERVAL", time.Second),

		NotifySweepInterval: EnvDuration("DOMUS_NOTIFY_SWEEP_INTERVAL", time.Minute),

		DevResidents: EnvString("DOMUS_DEV_RESIDENTS", ""),
	}
}
