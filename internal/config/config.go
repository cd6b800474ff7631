package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"vehicle-blackbox/internal/domain"
)

type Config struct {
	// HTTP
	HTTPPort string

	// Telemetry store (Postgres)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MQTT transport
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string
	MQTTQoS      byte

	// Pipeline
	PipelineWorkers   int
	PipelineQueueSize int
	StateChannelSize  int
	ClassifyInterval  time.Duration
	FirePriority      string
	GeocodeFire       bool

	// Geocoding
	GeocodeBaseURL     string
	GeocodeUserAgent   string
	GeocodeMaxAttempts int
	GeocodeBackoff     time.Duration
	GeocodeTimeout     time.Duration

	// Alerts
	SendGridAPIKey    string
	SenderEmail       string
	SenderName        string
	AlertSendPause    time.Duration
	AlertDedupTTL     time.Duration
	EmergencyContacts []string

	// Auth
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads .env (if present) and then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		DBHost:              getEnv("DB_HOST", "localhost"),
		DBPort:              getEnv("DB_PORT", "5432"),
		DBUser:              getEnv("DB_USER", "blackbox"),
		DBPassword:          getEnv("DB_PASSWORD", "blackbox"),
		DBName:              getEnv("DB_NAME", "blackbox"),
		DBMaxConns:          int32(getEnvInt("DB_MAX_CONNS", 10)),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		MQTTBroker:          getEnv("MQTT_BROKER", ""),
		MQTTClientID:        getEnv("MQTT_CLIENT_ID", "vehicle-blackbox"),
		MQTTUsername:        getEnv("MQTT_USERNAME", ""),
		MQTTPassword:        getEnv("MQTT_PASSWORD", ""),
		MQTTTopic:           getEnv("MQTT_TOPIC", "blackbox/+/readings"),
		MQTTQoS:             byte(getEnvInt("MQTT_QOS", 1)),
		PipelineWorkers:     getEnvInt("PIPELINE_WORKERS", 4),
		PipelineQueueSize:   getEnvInt("PIPELINE_QUEUE_SIZE", 1000),
		StateChannelSize:    getEnvInt("STATE_CHANNEL_SIZE", 5000),
		ClassifyInterval:    time.Duration(getEnvInt("CLASSIFY_INTERVAL_SECONDS", 5)) * time.Second,
		FirePriority:        getEnv("FIRE_PRIORITY", "fire-first"),
		GeocodeFire:         getEnvBool("GEOCODE_FIRE", false),
		GeocodeBaseURL:      getEnv("GEOCODE_BASE_URL", "https://nominatim.openstreetmap.org"),
		GeocodeUserAgent:    getEnv("GEOCODE_USER_AGENT", "AccidentDetectionSystem/1.0"),
		GeocodeMaxAttempts:  getEnvInt("GEOCODE_MAX_ATTEMPTS", 3),
		GeocodeBackoff:      time.Duration(getEnvInt("GEOCODE_BACKOFF_MS", 1000)) * time.Millisecond,
		GeocodeTimeout:      time.Duration(getEnvInt("GEOCODE_TIMEOUT_MS", 5000)) * time.Millisecond,
		SendGridAPIKey:      getEnv("SENDGRID_API_KEY", ""),
		SenderEmail:         getEnv("SENDGRID_SENDER_EMAIL", ""),
		SenderName:          getEnv("SENDGRID_SENDER_NAME", "Vehicle Black Box"),
		AlertSendPause:      time.Duration(getEnvInt("ALERT_SEND_PAUSE_MS", 200)) * time.Millisecond,
		AlertDedupTTL:       time.Duration(getEnvInt("ALERT_DEDUP_TTL_SECONDS", 86400)) * time.Second,
		EmergencyContacts:   splitList(getEnv("EMERGENCY_CONTACTS", "")),
		AuthCacheTTLSeconds: getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:        splitList(getEnv("VALID_API_KEYS", "")),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
	}
}

// ConfigurationError lists every missing or invalid setting. It is only
// produced at startup.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ConfigurationError) Unwrap() error { return domain.ErrConfiguration }

func (c *Config) Validate() error {
	var problems []string
	if c.DBHost == "" || c.DBName == "" {
		problems = append(problems, "DB_HOST and DB_NAME are required")
	}
	if c.RedisAddr == "" {
		problems = append(problems, "REDIS_ADDR is required")
	}
	if c.SendGridAPIKey == "" {
		problems = append(problems, "SENDGRID_API_KEY is required")
	}
	if c.SenderEmail == "" {
		problems = append(problems, "SENDGRID_SENDER_EMAIL is required")
	}
	if c.GeocodeBaseURL == "" {
		problems = append(problems, "GEOCODE_BASE_URL is required")
	}
	if c.PipelineWorkers < 1 {
		problems = append(problems, "PIPELINE_WORKERS must be at least 1")
	}
	if c.GeocodeMaxAttempts < 1 {
		problems = append(problems, "GEOCODE_MAX_ATTEMPTS must be at least 1")
	}
	switch strings.ToLower(c.FirePriority) {
	case "fire-first", "accident-first":
	default:
		problems = append(problems, fmt.Sprintf("FIRE_PRIORITY %q is not fire-first or accident-first", c.FirePriority))
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// DatabaseURL is the pgx connection string for the telemetry store.
// Credentials are escaped so any character is allowed in the password.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"pool_max_conns": {strconv.Itoa(int(c.DBMaxConns))}}.Encode(),
	}
	return u.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
