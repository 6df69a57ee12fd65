package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AcceptMode selects how concurrent lifecycle writes to one ride are resolved.
type AcceptMode string

const (
	// AcceptConditional applies each transition only if the ride still has
	// the status it was validated against.
	AcceptConditional AcceptMode = "conditional"
	// AcceptLastWriteWins writes blindly after validation; the store keeps
	// whichever write lands last.
	AcceptLastWriteWins AcceptMode = "last_write_wins"
)

// ServerConfig captures all tunable parameters for the API process.
// Values come from the environment with defaults that run locally with no
// external services: memory store, log-only SMS, no Kafka or Redis.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr        string
	RedisPassword    string
	GeocodeCacheTTL  time.Duration
	KafkaBrokers     []string
	KafkaTopic       string
	LogLevel         string
	JWTSecret        string
	SessionTTL       time.Duration
	Identity         IdentityConfig
	DriverEmails     []string
	AdminPhone       string
	Twilio           TwilioConfig
	SMSTimeout       time.Duration
	AppName          string
	AppURL           string
	AcceptMode       AcceptMode
	LocationThrottle time.Duration

	NominatimURL    string
	OSRMURL         string
	ExternalTimeout time.Duration
	SearchBiasLat   float64
	SearchBiasLng   float64
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// IdentityConfig describes the provider whose ID tokens open a session.
// Exactly one of PublicKeyPEM (RS256) or Secret (HS256) is used; the public
// key wins when both are set.
type IdentityConfig struct {
	Issuer       string
	Audience     string
	PublicKeyPEM string
	Secret       string
}

// Enabled reports whether every credential needed to send is present.
func (t TwilioConfig) Enabled() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.FromNumber != ""
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		GeocodeCacheTTL:  24 * time.Hour,
		KafkaTopic:       "ride-events",
		LogLevel:         "info",
		SessionTTL:       24 * time.Hour,
		SMSTimeout:       10 * time.Second,
		AppName:          "Ride Dash",
		AppURL:           "http://localhost:8080",
		AcceptMode:       AcceptConditional,
		LocationThrottle: 30 * time.Second,
		NominatimURL:     "https://nominatim.openstreetmap.org",
		OSRMURL:          "https://router.project-osrm.org",
		ExternalTimeout:  5 * time.Second,
		SearchBiasLat:    51.0447,
		SearchBiasLng:    -114.0719,
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.GeocodeCacheTTL, "GEOCODE_CACHE_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.SessionTTL, "SESSION_TTL", &errs)
	cfg.Identity.Issuer = strings.TrimSpace(os.Getenv("IDENTITY_ISSUER"))
	cfg.Identity.Audience = strings.TrimSpace(os.Getenv("IDENTITY_AUDIENCE"))
	cfg.Identity.PublicKeyPEM = strings.ReplaceAll(os.Getenv("IDENTITY_PUBLIC_KEY"), `\n`, "\n")
	cfg.Identity.Secret = os.Getenv("IDENTITY_SECRET")
	if v := os.Getenv("DRIVER_EMAILS"); v != "" {
		cfg.DriverEmails = splitAndTrim(v)
	}

	cfg.AdminPhone = strings.TrimSpace(os.Getenv("ADMIN_PHONE_NUMBER"))
	cfg.Twilio.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.Twilio.FromNumber = strings.TrimSpace(os.Getenv("TWILIO_PHONE_NUMBER"))
	setDurationFromEnv(&cfg.SMSTimeout, "SMS_TIMEOUT", &errs)
	setStringFromEnv(&cfg.AppName, "APP_NAME")
	setStringFromEnv(&cfg.AppURL, "APP_URL")

	if v := strings.TrimSpace(os.Getenv("ACCEPT_MODE")); v != "" {
		cfg.AcceptMode = AcceptMode(strings.ToLower(v))
	}
	setDurationFromEnv(&cfg.LocationThrottle, "LOCATION_THROTTLE", &errs)

	setStringFromEnv(&cfg.NominatimURL, "NOMINATIM_URL")
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setDurationFromEnv(&cfg.ExternalTimeout, "EXTERNAL_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.SearchBiasLat, "SEARCH_BIAS_LAT", &errs)
	setFloatFromEnv(&cfg.SearchBiasLng, "SEARCH_BIAS_LNG", &errs)

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be set"))
	}
	if cfg.Identity.PublicKeyPEM == "" && cfg.Identity.Secret == "" {
		errs = append(errs, fmt.Errorf("IDENTITY_PUBLIC_KEY or IDENTITY_SECRET must be set"))
	}
	if cfg.AcceptMode != AcceptConditional && cfg.AcceptMode != AcceptLastWriteWins {
		errs = append(errs, fmt.Errorf("ACCEPT_MODE must be %q or %q", AcceptConditional, AcceptLastWriteWins))
	}
	if cfg.LocationThrottle <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_THROTTLE must be > 0"))
	}
	if cfg.SMSTimeout <= 0 || cfg.ExternalTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SMS_TIMEOUT and EXTERNAL_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the ride-event consumer binary.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MetricsAddr   string
	LogLevel      string
	RetryAttempts int
	RetryDelay    time.Duration
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "ride-events",
		KafkaGroup:    "ride-dash-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		MetricsAddr:   ":2112",
		LogLevel:      "info",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
