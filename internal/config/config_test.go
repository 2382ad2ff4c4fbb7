package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 3004, cfg.Server.Port)
	require.Equal(t, QueueMemory, cfg.Queue.Backend)
	require.Equal(t, 1, cfg.Workers.PoolSize)
	require.Equal(t, 3*time.Second, cfg.Download.JitterMin)
	require.Equal(t, 15*time.Second, cfg.Download.JitterPerLink)
	require.Equal(t, 30*time.Minute, cfg.Download.TaskTimeout)
	require.False(t, cfg.Download.FailFast)
	require.True(t, cfg.Storage.CompensateOnGrantFailure)
	require.Equal(t, "zips", cfg.Storage.GCS.Prefix)
	require.Equal(t, 90*time.Minute, cfg.Retention.Window)
	require.Equal(t, []bundle.Format{bundle.FormatMP3, bundle.FormatMP4}, cfg.SupportedFormats())
	require.Equal(t, ":3004", cfg.Address())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  public_base_url: https://zips.example.com
logging:
  development: false
queue:
  backend: redis
  redis:
    url: redis://cache:6379/2
    visibility_timeout: 10m
workers:
  pool_size: 3
  concurrency: 2
download:
  jitter_min: 1s
  jitter_max: 2m
  per_host_rps: 0.5
  fail_fast: true
formats:
  supported: [".MP3"]
storage:
  backend: gcs
  gcs:
    bucket: my-bucket
  compensate_on_grant_failure: false
mail:
  backend: smtp
  smtp:
    host: smtp.example.com
    from: zips@example.com
retention:
  window: 2h
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "https://zips.example.com", cfg.Server.PublicBaseURL)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, QueueRedis, cfg.Queue.Backend)
	require.Equal(t, "redis://cache:6379/2", cfg.Queue.Redis.URL)
	require.Equal(t, 10*time.Minute, cfg.Queue.Redis.VisibilityTimeout)
	require.Equal(t, 3, cfg.Workers.PoolSize)
	require.Equal(t, 2, cfg.Workers.Concurrency)
	require.Equal(t, time.Second, cfg.Download.JitterMin)
	require.Equal(t, 2*time.Minute, cfg.Download.JitterMax)
	require.InDelta(t, 0.5, cfg.Download.PerHostRPS, 1e-9)
	require.True(t, cfg.Download.FailFast)
	require.Equal(t, []bundle.Format{bundle.FormatMP3}, cfg.SupportedFormats())
	require.Equal(t, "my-bucket", cfg.Storage.GCS.Bucket)
	require.False(t, cfg.Storage.CompensateOnGrantFailure)
	require.Equal(t, 587, cfg.Mail.SMTP.Port)
	require.Equal(t, 2*time.Hour, cfg.Retention.Window)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ZIPMAILER_WORKERS_POOL_SIZE", "5")
	t.Setenv("ZIPMAILER_RETENTION_WINDOW", "45m")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Workers.PoolSize)
	require.Equal(t, 45*time.Minute, cfg.Retention.Window)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid pool", mutate: func(c *Config) { c.Workers.PoolSize = 0 }, want: "workers.pool_size"},
		{name: "negative jitter", mutate: func(c *Config) { c.Download.JitterMin = -time.Second }, want: "jitter"},
		{name: "task timeout", mutate: func(c *Config) { c.Download.TaskTimeout = 0 }, want: "download.task_timeout"},
		{name: "unknown queue", mutate: func(c *Config) { c.Queue.Backend = "kafka" }, want: "queue.backend"},
		{name: "pubsub incomplete", mutate: func(c *Config) { c.Queue.Backend = QueuePubSub }, want: "queue.pubsub"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Backend = StorageGCS }, want: "storage.gcs.bucket"},
		{name: "smtp host", mutate: func(c *Config) { c.Mail.Backend = MailSMTP }, want: "mail.smtp.host"},
		{name: "retention", mutate: func(c *Config) { c.Retention.Window = 0 }, want: "retention.window"},
		{name: "events project", mutate: func(c *Config) { c.Events.PubSubTopic = "events" }, want: "events.pubsub_topic"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
	require.NoError(t, base.Validate())
}
