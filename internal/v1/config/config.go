package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port      string
	NodeID    string
	RedisSpec string // partitions separated by ';', replicas by ','

	// Pub/sub Redis used for cross-node dispatch (may equal a partition replica)
	PubSubRedisAddr string
	RedisPassword   string

	// Durable store
	DatabaseURL string // postgres DSN; blank selects an embedded sqlite file
	SQLitePath  string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Group message policy
	PlainUidSupport bool
	MaxBodySize     int
	RecallWindow    time.Duration
	ChallengeTTL    time.Duration
	PowDifficulty   int

	// InternalAPIToken guards the inter-node /v1/offline endpoints.
	InternalAPIToken string

	// Offline orchestrator
	OfflineDelay     time.Duration
	OfflineExpire    time.Duration
	OfflineLeaseTTL  time.Duration
	OfflineScanBatch int

	// Push providers
	ApnsKeyFile     string
	ApnsKeyID       string
	ApnsTeamID      string
	ApnsTopic       string
	ApnsSandbox     bool
	FcmServerKey    string
	UmengAppKey     string
	UmengAppSecret  string
	PushConcurrency int
	VoipMaxResend   int
	VoipResendDelay time.Duration

	// Telemetry file output
	MetricsDir            string
	MetricsClientID       string
	ReportIntervalInMs    int
	MetricsMaxFileBytes   int64
	MetricsMaxFileCount   int
	WriteThresholdInBytes int64

	// Tracing
	OtelCollectorAddr string
	TracingEnabled    bool

	// Rate Limits
	RateLimitAPIGlobal string
	RateLimitAPIPublic string
	RateLimitMessages  string
	RateLimitWsIP      string
	RateLimitWsUser    string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: REDIS_PARTITIONS, e.g. "host1:6379,host2:6379;host3:6379"
	cfg.RedisSpec = os.Getenv("REDIS_PARTITIONS")
	if cfg.RedisSpec == "" {
		errors = append(errors, "REDIS_PARTITIONS is required (format 'r0,r1;r0,r1')")
	} else if err := validateRedisSpec(cfg.RedisSpec); err != nil {
		errors = append(errors, err.Error())
	}

	// Optional: PUBSUB_REDIS_ADDR defaults to the first replica of partition 0
	cfg.PubSubRedisAddr = os.Getenv("PUBSUB_REDIS_ADDR")
	if cfg.PubSubRedisAddr == "" && cfg.RedisSpec != "" {
		cfg.PubSubRedisAddr = strings.Split(strings.Split(cfg.RedisSpec, ";")[0], ",")[0]
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.NodeID = os.Getenv("NODE_ID")
	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = host
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.SQLitePath = getEnvOrDefault("SQLITE_PATH", "courier.db")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.PlainUidSupport = os.Getenv("PLAIN_UID_SUPPORT") == "true"
	cfg.MaxBodySize = getEnvIntOrDefault("MAX_GROUP_MSG_BYTES", 64*1024, &errors)
	cfg.RecallWindow = getEnvDurationOrDefault("RECALL_WINDOW", 24*time.Hour, &errors)
	cfg.ChallengeTTL = getEnvDurationOrDefault("CHALLENGE_TTL", 5*time.Minute, &errors)
	cfg.PowDifficulty = getEnvIntOrDefault("POW_DIFFICULTY", 12, &errors)
	cfg.InternalAPIToken = os.Getenv("INTERNAL_API_TOKEN")

	cfg.OfflineDelay = getEnvDurationOrDefault("OFFLINE_GROUP_MESSAGE_DELAY_TIME", 5*time.Second, &errors)
	cfg.OfflineExpire = getEnvDurationOrDefault("OFFLINE_GROUP_MESSAGE_EXPIRE_TIME", 30*time.Minute, &errors)
	cfg.OfflineLeaseTTL = getEnvDurationOrDefault("OFFLINE_LEASE_TTL", 30*time.Second, &errors)
	cfg.OfflineScanBatch = getEnvIntOrDefault("OFFLINE_SCAN_BATCH", 300, &errors)

	cfg.ApnsKeyFile = os.Getenv("APNS_KEY_FILE")
	cfg.ApnsKeyID = os.Getenv("APNS_KEY_ID")
	cfg.ApnsTeamID = os.Getenv("APNS_TEAM_ID")
	cfg.ApnsTopic = os.Getenv("APNS_TOPIC")
	cfg.ApnsSandbox = os.Getenv("APNS_SANDBOX") == "true"
	cfg.FcmServerKey = os.Getenv("FCM_SERVER_KEY")
	cfg.UmengAppKey = os.Getenv("UMENG_APP_KEY")
	cfg.UmengAppSecret = os.Getenv("UMENG_APP_SECRET")
	cfg.PushConcurrency = getEnvIntOrDefault("PUSH_CONCURRENCY", 5, &errors)
	cfg.VoipMaxResend = getEnvIntOrDefault("VOIP_MAX_RESEND_COUNT", 3, &errors)
	cfg.VoipResendDelay = getEnvDurationOrDefault("VOIP_RESEND_DELAY", 5*time.Second, &errors)

	cfg.MetricsDir = getEnvOrDefault("METRICS_DIR", "metrics")
	cfg.MetricsClientID = getEnvOrDefault("METRICS_CLIENT_ID", "00000")
	if len(cfg.MetricsClientID) != 5 {
		errors = append(errors, fmt.Sprintf("METRICS_CLIENT_ID must be exactly 5 characters (got '%s')", cfg.MetricsClientID))
	}
	cfg.ReportIntervalInMs = getEnvIntOrDefault("REPORT_INTERVAL_MS", 60000, &errors)
	cfg.MetricsMaxFileBytes = int64(getEnvIntOrDefault("METRICS_MAX_FILE_BYTES", 50*1024*1024, &errors))
	cfg.MetricsMaxFileCount = getEnvIntOrDefault("METRICS_MAX_FILE_COUNT", 10, &errors)
	cfg.WriteThresholdInBytes = int64(getEnvIntOrDefault("METRICS_WRITE_THRESHOLD_BYTES", 10*1024*1024, &errors))

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	if cfg.TracingEnabled && cfg.OtelCollectorAddr == "" {
		errors = append(errors, "OTEL_COLLECTOR_ADDR is required when TRACING_ENABLED=true")
	}

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return cfg, nil
}

// PartitionReplicas parses the REDIS_PARTITIONS spec into an ordered replica
// list per partition.
func (c *Config) PartitionReplicas() [][]string {
	var out [][]string
	for _, part := range strings.Split(c.RedisSpec, ";") {
		var replicas []string
		for _, addr := range strings.Split(part, ",") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				replicas = append(replicas, addr)
			}
		}
		if len(replicas) > 0 {
			out = append(out, replicas)
		}
	}
	return out
}

func validateRedisSpec(spec string) error {
	for _, part := range strings.Split(spec, ";") {
		for _, addr := range strings.Split(part, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			if !isValidHostPort(addr) {
				return fmt.Errorf("REDIS_PARTITIONS replica must be in format 'host:port' (got '%s')", addr)
			}
		}
	}
	return nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int, errs *[]string) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a duration like '5s' (got '%s')", key, value))
		return defaultValue
	}
	return d
}
