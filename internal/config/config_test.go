package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsAndFile(t *testing.T) {
	path := writeConfig(t, `
dispatcher:
  workers: 3
  poll_interval: 2s
retry:
  call_sites:
    notify: 7
notification:
  driver: kafka
  kafka:
    brokers: ["k1:9092", "k2:9092"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Dispatcher.Workers)
	assert.Equal(t, 2*time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, 45*time.Minute, cfg.Dispatcher.ItemTimeout)
	assert.Equal(t, int64(4), cfg.Dispatcher.RateTokens)
	assert.Equal(t, "requeue", cfg.Dispatcher.RecoveryAction)
	assert.Equal(t, 7, cfg.Retry.CallSites["notify"])
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Notification.Kafka.Brokers)
	assert.Equal(t, "sitecreator.notifications", cfg.Notification.Kafka.Topic)
	assert.Contains(t, cfg.Notification.Subject, "{school}")
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CANVAS_TOKEN", "secret-token")
	t.Setenv("DISPATCHER_RECOVERY_ACTION", "alert")
	t.Setenv("DATABASE_PASSWORD", "pw")

	cfg, err := Load(writeConfig(t, "canvas:\n  base_url: https://lms.example.edu/api\n"))
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Canvas.Token)
	assert.Equal(t, "alert", cfg.Dispatcher.RecoveryAction)
	assert.Equal(t, "pw", cfg.Database.Password)
	assert.Equal(t, "https://lms.example.edu/api", cfg.Canvas.BaseURL)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"workers":         "dispatcher:\n  workers: 0\n",
		"recovery action": "dispatcher:\n  recovery_action: ignore\n",
		"driver":          "database:\n  driver: mysql\n",
		"notification":    "notification:\n  driver: carrier-pigeon\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "sites", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=sites sslmode=disable", pg.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Path: "./data/x.db"}
	assert.Equal(t, "./data/x.db", lite.DSN())
}
