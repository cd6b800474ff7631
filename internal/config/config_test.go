package config

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-blackbox/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 4, cfg.PipelineWorkers)
	assert.Equal(t, 3, cfg.GeocodeMaxAttempts)
	assert.Equal(t, time.Second, cfg.GeocodeBackoff)
	assert.Equal(t, 200*time.Millisecond, cfg.AlertSendPause)
	assert.Equal(t, "fire-first", cfg.FirePriority)
	assert.Equal(t, "blackbox/+/readings", cfg.MQTTTopic)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PIPELINE_WORKERS", "8")
	t.Setenv("EMERGENCY_CONTACTS", " a@x.com, ,b@x.com ")
	t.Setenv("ALERT_SEND_PAUSE_MS", "50")
	t.Setenv("GEOCODE_FIRE", "true")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()

	assert.Equal(t, 8, cfg.PipelineWorkers)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, cfg.EmergencyContacts)
	assert.Equal(t, 50*time.Millisecond, cfg.AlertSendPause)
	assert.True(t, cfg.GeocodeFire)
	assert.Equal(t, 0, cfg.RedisDB)
}

func TestValidate_MissingCredentials(t *testing.T) {
	cfg := Load()
	cfg.SendGridAPIKey = ""
	cfg.SenderEmail = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Len(t, cerr.Problems, 2)
}

func TestValidate_OK(t *testing.T) {
	cfg := Load()
	cfg.SendGridAPIKey = "SG.key"
	cfg.SenderEmail = "alerts@example.com"

	assert.NoError(t, cfg.Validate())
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{DBUser: "u", DBPassword: "p", DBHost: "h", DBPort: "5432", DBName: "db", DBMaxConns: 5}
	assert.Equal(t, "postgres://u:p@h:5432/db?pool_max_conns=5", cfg.DatabaseURL())
}

func TestDatabaseURL_EscapesCredentials(t *testing.T) {
	cfg := &Config{DBUser: "fleet ops", DBPassword: "p@ss/w:rd?#", DBHost: "db.local", DBPort: "5432", DBName: "blackbox", DBMaxConns: 10}

	u, err := url.Parse(cfg.DatabaseURL())
	require.NoError(t, err)

	pw, ok := u.User.Password()
	require.True(t, ok)
	assert.Equal(t, "p@ss/w:rd?#", pw)
	assert.Equal(t, "fleet ops", u.User.Username())
	assert.Equal(t, "db.local:5432", u.Host)
	assert.Equal(t, "/blackbox", u.Path)
	assert.Equal(t, "10", u.Query().Get("pool_max_conns"))
}
