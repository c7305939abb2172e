package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Source    SourceConfig
	Upload    UploadConfig
	FFmpeg    FFmpegConfig
	Scene     CollaboratorConfig
	Projects  CollaboratorConfig
	Assets    CollaboratorConfig
	Events    EventsConfig
	R2        R2Config
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QueueConfig struct {
	Name               string
	CompletedRetention time.Duration
}

type WorkerConfig struct {
	Enabled           bool
	Concurrency       int
	JobTimeout        time.Duration
	TempDir           string
	MinFreeDiskMB     uint64
	ReconcileInterval time.Duration
}

// SourceConfig holds the media source allow-list.
type SourceConfig struct {
	AllowedDomains []string
	AllowLoopback  bool
}

// UploadConfig holds the allow-list for job output destinations.
type UploadConfig struct {
	AllowedDomains []string
	AllowLoopback  bool
}

type FFmpegConfig struct {
	Binary           string
	ProbeBinary      string
	WebMBitrate      string
	AudioBitrate     string
	ProbeConcurrency int
}

type CollaboratorConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type EventsConfig struct {
	Topic  string
	Buffer int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	PresignExpiry   time.Duration
}

type RateLimitConfig struct {
	RenderPerHour int
}

// Load reads configuration from config.yaml (optional) and the environment.
func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("PROJECTS_TOKEN")
	readSecret("ASSETS_TOKEN")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("queue.name", "QUEUE_NAME")
	_ = v.BindEnv("queue.completed_retention", "QUEUE_COMPLETED_RETENTION")
	_ = v.BindEnv("worker.enabled", "WORKER_ENABLED")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.job_timeout", "JOB_TIMEOUT")
	_ = v.BindEnv("worker.temp_dir", "WORKER_TEMP_DIR")
	_ = v.BindEnv("worker.min_free_disk_mb", "WORKER_MIN_FREE_DISK_MB")
	_ = v.BindEnv("worker.reconcile_interval", "WORKER_RECONCILE_INTERVAL")
	_ = v.BindEnv("source.allowed_domains", "SOURCE_ALLOWED_DOMAINS")
	_ = v.BindEnv("source.allow_loopback", "SOURCE_ALLOW_LOOPBACK")
	_ = v.BindEnv("upload.allowed_domains", "UPLOAD_ALLOWED_DOMAINS")
	_ = v.BindEnv("upload.allow_loopback", "UPLOAD_ALLOW_LOOPBACK")
	_ = v.BindEnv("ffmpeg.binary", "FFMPEG_BINARY")
	_ = v.BindEnv("ffmpeg.probe_binary", "FFPROBE_BINARY")
	_ = v.BindEnv("ffmpeg.webm_bitrate", "FFMPEG_WEBM_BITRATE")
	_ = v.BindEnv("ffmpeg.audio_bitrate", "FFMPEG_AUDIO_BITRATE")
	_ = v.BindEnv("ffmpeg.probe_concurrency", "FFMPEG_PROBE_CONCURRENCY")
	_ = v.BindEnv("scene.url", "SCENE_RENDERER_URL")
	_ = v.BindEnv("scene.timeout", "SCENE_RENDERER_TIMEOUT")
	_ = v.BindEnv("projects.url", "PROJECTS_URL")
	_ = v.BindEnv("projects.token", "PROJECTS_TOKEN")
	_ = v.BindEnv("projects.timeout", "PROJECTS_TIMEOUT")
	_ = v.BindEnv("assets.url", "ASSETS_URL")
	_ = v.BindEnv("assets.token", "ASSETS_TOKEN")
	_ = v.BindEnv("assets.timeout", "ASSETS_TIMEOUT")
	_ = v.BindEnv("events.topic", "EVENTS_TOPIC")
	_ = v.BindEnv("events.buffer", "EVENTS_BUFFER")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("r2.presign_expiry", "R2_PRESIGN_EXPIRY")
	_ = v.BindEnv("ratelimit.render_per_hour", "RATELIMIT_RENDER_PER_HOUR")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.name", "render")
	v.SetDefault("queue.completed_retention", "1h")
	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.job_timeout", "30m")
	v.SetDefault("worker.temp_dir", os.TempDir())
	v.SetDefault("worker.min_free_disk_mb", 512)
	v.SetDefault("worker.reconcile_interval", "1m")
	v.SetDefault("source.allowed_domains", []string{
		"storage.googleapis.com",
		"firebasestorage.googleapis.com",
		"r2.cloudflarestorage.com",
		"amazonaws.com",
	})
	v.SetDefault("source.allow_loopback", false)
	v.SetDefault("upload.allowed_domains", []string{
		"storage.googleapis.com",
		"firebasestorage.googleapis.com",
		"r2.cloudflarestorage.com",
	})
	v.SetDefault("upload.allow_loopback", false)
	v.SetDefault("ffmpeg.binary", "ffmpeg")
	v.SetDefault("ffmpeg.probe_binary", "ffprobe")
	v.SetDefault("ffmpeg.webm_bitrate", "4M")
	v.SetDefault("ffmpeg.audio_bitrate", "192k")
	v.SetDefault("ffmpeg.probe_concurrency", 4)
	v.SetDefault("scene.url", "http://localhost:9222")
	v.SetDefault("scene.timeout", "30s")
	v.SetDefault("projects.timeout", "15s")
	v.SetDefault("assets.timeout", "15s")
	v.SetDefault("events.topic", "render.events")
	v.SetDefault("events.buffer", 64)
	v.SetDefault("r2.presign_expiry", "1h")
	v.SetDefault("ratelimit.render_per_hour", 30)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Queue: QueueConfig{
			Name:               v.GetString("queue.name"),
			CompletedRetention: v.GetDuration("queue.completed_retention"),
		},
		Worker: WorkerConfig{
			Enabled:           v.GetBool("worker.enabled"),
			Concurrency:       v.GetInt("worker.concurrency"),
			JobTimeout:        v.GetDuration("worker.job_timeout"),
			TempDir:           v.GetString("worker.temp_dir"),
			MinFreeDiskMB:     v.GetUint64("worker.min_free_disk_mb"),
			ReconcileInterval: v.GetDuration("worker.reconcile_interval"),
		},
		Source: SourceConfig{
			AllowedDomains: splitList(v.GetStringSlice("source.allowed_domains")),
			AllowLoopback:  v.GetBool("source.allow_loopback"),
		},
		Upload: UploadConfig{
			AllowedDomains: splitList(v.GetStringSlice("upload.allowed_domains")),
			AllowLoopback:  v.GetBool("upload.allow_loopback"),
		},
		FFmpeg: FFmpegConfig{
			Binary:           v.GetString("ffmpeg.binary"),
			ProbeBinary:      v.GetString("ffmpeg.probe_binary"),
			WebMBitrate:      v.GetString("ffmpeg.webm_bitrate"),
			AudioBitrate:     v.GetString("ffmpeg.audio_bitrate"),
			ProbeConcurrency: v.GetInt("ffmpeg.probe_concurrency"),
		},
		Scene: CollaboratorConfig{
			URL:     v.GetString("scene.url"),
			Timeout: v.GetDuration("scene.timeout"),
		},
		Projects: CollaboratorConfig{
			URL:     v.GetString("projects.url"),
			Token:   v.GetString("projects.token"),
			Timeout: v.GetDuration("projects.timeout"),
		},
		Assets: CollaboratorConfig{
			URL:     v.GetString("assets.url"),
			Token:   v.GetString("assets.token"),
			Timeout: v.GetDuration("assets.timeout"),
		},
		Events: EventsConfig{
			Topic:  v.GetString("events.topic"),
			Buffer: v.GetInt("events.buffer"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
			PresignExpiry:   v.GetDuration("r2.presign_expiry"),
		},
		RateLimit: RateLimitConfig{
			RenderPerHour: v.GetInt("ratelimit.render_per_hour"),
		},
	}

	if cfg.Worker.Concurrency < 1 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.FFmpeg.ProbeConcurrency < 1 {
		cfg.FFmpeg.ProbeConcurrency = 1
	}
	if cfg.Events.Buffer < 1 {
		cfg.Events.Buffer = 1
	}

	return cfg, nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
