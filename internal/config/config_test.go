package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("IDENTITY_SECRET", "idp-secret")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, AcceptConditional, cfg.AcceptMode)
	assert.Equal(t, 30*time.Second, cfg.LocationThrottle)
	assert.Equal(t, "ride-events", cfg.KafkaTopic)
	assert.False(t, cfg.Twilio.Enabled())
	assert.InDelta(t, 51.0447, cfg.SearchBiasLat, 1e-9)
}

func TestLoadServerConfig_FromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("IDENTITY_ISSUER", "https://securetoken.example.com/ride-dash")
	t.Setenv("IDENTITY_AUDIENCE", "ride-dash")
	t.Setenv("IDENTITY_PUBLIC_KEY", `-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----`)
	t.Setenv("DRIVER_EMAILS", " a@x.com, ,B@y.com ")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ACCEPT_MODE", "LAST_WRITE_WINS")
	t.Setenv("LOCATION_THROTTLE", "10s")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("TWILIO_PHONE_NUMBER", "+15550000")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "B@y.com"}, cfg.DriverEmails)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, AcceptLastWriteWins, cfg.AcceptMode)
	assert.Equal(t, 10*time.Second, cfg.LocationThrottle)
	assert.True(t, cfg.Twilio.Enabled())
	assert.Equal(t, "ride-dash", cfg.Identity.Audience)
	assert.Equal(t, "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----", cfg.Identity.PublicKeyPEM)
}

func TestLoadServerConfig_CollectsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("IDENTITY_SECRET", "")
	t.Setenv("IDENTITY_PUBLIC_KEY", "")
	t.Setenv("ACCEPT_MODE", "optimistic")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "IDENTITY_PUBLIC_KEY or IDENTITY_SECRET")
	assert.Contains(t, err.Error(), "ACCEPT_MODE")
	assert.Contains(t, err.Error(), "HTTP_READ_TIMEOUT")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_GROUP", "g1")
	t.Setenv("REDIS_RETRY_ATTEMPTS", "0")

	_, err := LoadConsumerConfig()
	require.Error(t, err)

	t.Setenv("REDIS_RETRY_ATTEMPTS", "5")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, "g1", cfg.KafkaGroup)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, "drivers_geo", cfg.RedisGeoKey)
}
