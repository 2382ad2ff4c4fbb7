// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
	QueuePubSub = "pubsub"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageGCS    = "gcs"
)

// Mail backends.
const (
	MailLog  = "log"
	MailSMTP = "smtp"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Download  DownloadConfig  `mapstructure:"download"`
	Formats   FormatsConfig   `mapstructure:"formats"`
	Workdir   WorkdirConfig   `mapstructure:"workdir"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Mail      MailConfig      `mapstructure:"mail"`
	Retention RetentionConfig `mapstructure:"retention"`
	DB        DBConfig        `mapstructure:"db"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// QueueConfig selects and locates the job queue.
type QueueConfig struct {
	Backend string            `mapstructure:"backend"`
	Memory  MemoryQueueConfig `mapstructure:"memory"`
	Redis   RedisQueueConfig  `mapstructure:"redis"`
	PubSub  PubSubQueueConfig `mapstructure:"pubsub"`
}

// MemoryQueueConfig sizes the in-process queue.
type MemoryQueueConfig struct {
	Depth int `mapstructure:"depth"`
}

// RedisQueueConfig locates the Redis reliable queue.
type RedisQueueConfig struct {
	URL               string        `mapstructure:"url"`
	Key               string        `mapstructure:"key"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

// PubSubQueueConfig locates the Pub/Sub topic and subscription.
type PubSubQueueConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	PoolSize    int `mapstructure:"pool_size"`
	Concurrency int `mapstructure:"concurrency"`
}

// DownloadConfig tunes the downloader.
type DownloadConfig struct {
	JitterMin     time.Duration `mapstructure:"jitter_min"`
	JitterPerLink time.Duration `mapstructure:"jitter_per_link"`
	JitterMax     time.Duration `mapstructure:"jitter_max"`
	MaxInFlight   int           `mapstructure:"max_in_flight"`
	PerHostRPS    float64       `mapstructure:"per_host_rps"`
	PerHostBurst  int           `mapstructure:"per_host_burst"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	FailFast      bool          `mapstructure:"fail_fast"`
	YTDLPPath     string        `mapstructure:"ytdlp_path"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// FormatsConfig lists the supported format suffixes.
type FormatsConfig struct {
	Supported []string `mapstructure:"supported"`
}

// WorkdirConfig locates per-job working directories.
type WorkdirConfig struct {
	Root string `mapstructure:"root"`
}

// StorageConfig selects the publisher backend.
type StorageConfig struct {
	Backend                  string           `mapstructure:"backend"`
	GCS                      GCSStorageConfig `mapstructure:"gcs"`
	CompensateOnGrantFailure bool             `mapstructure:"compensate_on_grant_failure"`
}

// GCSStorageConfig locates the bucket archives are published to.
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// MailConfig selects the notification sender.
type MailConfig struct {
	Backend         string     `mapstructure:"backend"`
	SMTP            SMTPConfig `mapstructure:"smtp"`
	SubjectTemplate string     `mapstructure:"subject_template"`
	BodyTemplate    string     `mapstructure:"body_template"`
}

// SMTPConfig holds relay credentials.
type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RetentionConfig controls remote archive lifetime.
type RetentionConfig struct {
	Window        time.Duration `mapstructure:"window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN            string `mapstructure:"dsn"`
	JobsTable      string `mapstructure:"jobs_table"`
	RetentionTable string `mapstructure:"retention_table"`
	MaxConns       int32  `mapstructure:"max_conns"`
	EnsureSchema   bool   `mapstructure:"ensure_schema"`
}

// EventsConfig routes job progress events.
type EventsConfig struct {
	PubSubTopic string `mapstructure:"pubsub_topic"`
	BufferSize  int    `mapstructure:"buffer_size"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ZIPMAILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3004)
	v.SetDefault("server.public_base_url", "http://localhost:3004")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.memory.depth", 64)
	v.SetDefault("queue.redis.url", "redis://127.0.0.1:6379/0")
	v.SetDefault("queue.redis.key", "zipmailer:jobs")
	v.SetDefault("queue.redis.visibility_timeout", 30*time.Minute)
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic_id", "")
	v.SetDefault("queue.pubsub.subscription_id", "")
	v.SetDefault("workers.pool_size", 1)
	v.SetDefault("workers.concurrency", 1)
	v.SetDefault("download.jitter_min", 3*time.Second)
	v.SetDefault("download.jitter_per_link", 15*time.Second)
	v.SetDefault("download.jitter_max", time.Duration(0))
	v.SetDefault("download.max_in_flight", 4)
	v.SetDefault("download.per_host_rps", 0.0)
	v.SetDefault("download.per_host_burst", 1)
	v.SetDefault("download.task_timeout", 30*time.Minute)
	v.SetDefault("download.fail_fast", false)
	v.SetDefault("download.ytdlp_path", "yt-dlp")
	v.SetDefault("download.user_agent", "zipmailer/1.0")
	v.SetDefault("formats.supported", []string{"mp3", "mp4"})
	v.SetDefault("workdir.root", filepath.Join(os.TempDir(), "zipmailer"))
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "zips")
	v.SetDefault("storage.compensate_on_grant_failure", true)
	v.SetDefault("mail.backend", MailLog)
	v.SetDefault("mail.smtp.host", "")
	v.SetDefault("mail.smtp.port", 587)
	v.SetDefault("mail.smtp.username", "")
	v.SetDefault("mail.smtp.password", "")
	v.SetDefault("mail.smtp.from", "")
	v.SetDefault("mail.smtp.timeout", 30*time.Second)
	v.SetDefault("mail.subject_template", "{{.Name}} Your zip is ready to download!")
	v.SetDefault("mail.body_template", `<a href="{{.CallbackURL}}">Click to download your zip!</a>`)
	v.SetDefault("retention.window", 90*time.Minute)
	v.SetDefault("retention.sweep_interval", time.Minute)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.jobs_table", "jobs")
	v.SetDefault("db.retention_table", "retention_schedule")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("events.pubsub_topic", "")
	v.SetDefault("events.buffer_size", 256)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Workers.PoolSize <= 0 {
		errs = append(errs, errors.New("workers.pool_size must be > 0"))
	}
	if c.Workers.Concurrency <= 0 {
		errs = append(errs, errors.New("workers.concurrency must be > 0"))
	}
	if c.Download.JitterMin < 0 || c.Download.JitterPerLink < 0 || c.Download.JitterMax < 0 {
		errs = append(errs, errors.New("download jitter bounds must be >= 0"))
	}
	if c.Download.MaxInFlight <= 0 {
		errs = append(errs, errors.New("download.max_in_flight must be > 0"))
	}
	if c.Download.PerHostRPS < 0 {
		errs = append(errs, errors.New("download.per_host_rps must be >= 0"))
	}
	if c.Download.TaskTimeout <= 0 {
		errs = append(errs, errors.New("download.task_timeout must be > 0"))
	}
	if c.Workdir.Root == "" {
		errs = append(errs, errors.New("workdir.root must be set"))
	}
	if c.Retention.Window <= 0 {
		errs = append(errs, errors.New("retention.window must be > 0"))
	}
	if c.Retention.SweepInterval <= 0 {
		errs = append(errs, errors.New("retention.sweep_interval must be > 0"))
	}

	switch c.Queue.Backend {
	case QueueMemory:
		if c.Queue.Memory.Depth <= 0 {
			errs = append(errs, errors.New("queue.memory.depth must be > 0"))
		}
	case QueueRedis:
		if c.Queue.Redis.URL == "" {
			errs = append(errs, errors.New("queue.redis.url must be set for the redis backend"))
		}
	case QueuePubSub:
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.TopicID == "" || c.Queue.PubSub.SubscriptionID == "" {
			errs = append(errs, errors.New("queue.pubsub project_id, topic_id, and subscription_id must be set"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not one of memory, redis, pubsub", c.Queue.Backend))
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageGCS:
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("storage.gcs.bucket must be set for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, gcs", c.Storage.Backend))
	}

	switch c.Mail.Backend {
	case MailLog:
	case MailSMTP:
		if c.Mail.SMTP.Host == "" || c.Mail.SMTP.From == "" {
			errs = append(errs, errors.New("mail.smtp.host and mail.smtp.from must be set for the smtp backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("mail.backend %q is not one of log, smtp", c.Mail.Backend))
	}

	if c.Events.PubSubTopic != "" && c.Queue.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("events.pubsub_topic requires queue.pubsub.project_id"))
	}
	return errors.Join(errs...)
}

// SupportedFormats returns the configured suffix set.
func (c Config) SupportedFormats() []bundle.Format {
	out := make([]bundle.Format, 0, len(c.Formats.Supported))
	for _, f := range c.Formats.Supported {
		f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
		if f != "" {
			out = append(out, bundle.Format(f))
		}
	}
	return out
}

// Address is the HTTP listen address.
func (c Config) Address() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
