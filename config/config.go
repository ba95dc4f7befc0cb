/*
Copyright 2024 Hookrelay Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/wacul/ptr"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5004"
)

var ConfigStore atomic.Value

var hashTag = regexp.MustCompile(`\{[^{}]+\}`)

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"HOOKRELAY_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"HOOKRELAY_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"HOOKRELAY_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"HOOKRELAY_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"HOOKRELAY_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"HOOKRELAY_SERVER_PORT"`
	// Peers whose X-Forwarded-For is believed. Empty trusts none and uses the socket address.
	TrustedProxies []string `json:"trusted_proxies" envconfig:"HOOKRELAY_SERVER_TRUSTED_PROXIES"`
}

// ReceiverConfig controls the webhook intake path.
type ReceiverConfig struct {
	AllowedOrigins   []string `json:"allowed_origins" envconfig:"HOOKRELAY_RECEIVER_ALLOWED_ORIGINS"`
	EnforceOrigin    bool     `json:"enforce_origin" envconfig:"HOOKRELAY_RECEIVER_ENFORCE_ORIGIN"`
	MaxBodyBytes     int64    `json:"max_body_bytes" envconfig:"HOOKRELAY_RECEIVER_MAX_BODY_BYTES"`
	IdempotencyTTL   int      `json:"idempotency_ttl_sec" envconfig:"HOOKRELAY_RECEIVER_IDEMPOTENCY_TTL_SEC"`
	ResolveTimeoutMs int      `json:"resolve_timeout_ms" envconfig:"HOOKRELAY_RECEIVER_RESOLVE_TIMEOUT_MS"`
	DispatchWorkers  int      `json:"dispatch_workers" envconfig:"HOOKRELAY_RECEIVER_DISPATCH_WORKERS"`
	DispatchBuffer   int      `json:"dispatch_buffer" envconfig:"HOOKRELAY_RECEIVER_DISPATCH_BUFFER"`
	// Topics routed to the interactive queue class; everything else is background.
	InteractiveTopics []string `json:"interactive_topics" envconfig:"HOOKRELAY_RECEIVER_INTERACTIVE_TOPICS"`
}

type DataSourceConfig struct {
	Driver string `json:"driver" envconfig:"HOOKRELAY_DATA_SOURCE_DRIVER"`
	Dns    string `json:"dns" envconfig:"HOOKRELAY_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"HOOKRELAY_REDIS_DNS"`
}

// QueueConfig controls the durable queue and the asynq alert queue.
type QueueConfig struct {
	Prefix              string `json:"prefix" envconfig:"HOOKRELAY_QUEUE_PREFIX"`
	MaxAttempts         int    `json:"max_attempts" envconfig:"HOOKRELAY_QUEUE_MAX_ATTEMPTS"`
	BaseBackoffMs       int    `json:"base_backoff_ms" envconfig:"HOOKRELAY_QUEUE_BASE_BACKOFF_MS"`
	MaxBackoffMs        int    `json:"max_backoff_ms" envconfig:"HOOKRELAY_QUEUE_MAX_BACKOFF_MS"`
	VisibilityTimeout   int    `json:"visibility_timeout_sec" envconfig:"HOOKRELAY_QUEUE_VISIBILITY_TIMEOUT_SEC"`
	CompletedRetention  int    `json:"completed_retention_sec" envconfig:"HOOKRELAY_QUEUE_COMPLETED_RETENTION_SEC"`
	AlertQueue          string `json:"alert_queue" envconfig:"HOOKRELAY_QUEUE_ALERT_QUEUE"`
	AlertMaxRetry       int    `json:"alert_max_retry" envconfig:"HOOKRELAY_QUEUE_ALERT_MAX_RETRY"`
	MonitoringPort      string `json:"monitoring_port" envconfig:"HOOKRELAY_QUEUE_MONITORING_PORT"`
	AlertWorkerPoolSize int    `json:"alert_worker_pool_size" envconfig:"HOOKRELAY_QUEUE_ALERT_WORKER_POOL_SIZE"`
}

type WorkerConfig struct {
	Concurrency           int `json:"concurrency" envconfig:"HOOKRELAY_WORKER_CONCURRENCY"`
	PollIntervalMs        int `json:"poll_interval_ms" envconfig:"HOOKRELAY_WORKER_POLL_INTERVAL_MS"`
	HandlerTimeoutSec     int `json:"handler_timeout_sec" envconfig:"HOOKRELAY_WORKER_HANDLER_TIMEOUT_SEC"`
	BackpressureThreshold int `json:"backpressure_threshold" envconfig:"HOOKRELAY_WORKER_BACKPRESSURE_THRESHOLD"`
	BackpressureMs        int `json:"backpressure_interval_ms" envconfig:"HOOKRELAY_WORKER_BACKPRESSURE_INTERVAL_MS"`
}

type UpstreamConfig struct {
	BaseURL    string `json:"base_url" envconfig:"HOOKRELAY_UPSTREAM_BASE_URL"`
	Token      string `json:"token" envconfig:"HOOKRELAY_UPSTREAM_TOKEN"`
	TimeoutSec int    `json:"timeout_sec" envconfig:"HOOKRELAY_UPSTREAM_TIMEOUT_SEC"`
}

// RateLimiterConfig tunes outbound pacing. It is unrelated to RateLimit, which throttles the admin API.
type RateLimiterConfig struct {
	MinDelayMs       int      `json:"min_delay_ms" envconfig:"HOOKRELAY_RATE_LIMITER_MIN_DELAY_MS"`
	MaxDelayMs       int      `json:"max_delay_ms" envconfig:"HOOKRELAY_RATE_LIMITER_MAX_DELAY_MS"`
	InitialDelayMs   *int     `json:"initial_delay_ms" envconfig:"HOOKRELAY_RATE_LIMITER_INITIAL_DELAY_MS"`
	SuccessThreshold int      `json:"success_threshold" envconfig:"HOOKRELAY_RATE_LIMITER_SUCCESS_THRESHOLD"`
	GlobalRPS        *float64 `json:"global_rps" envconfig:"HOOKRELAY_RATE_LIMITER_GLOBAL_RPS"`
	PerAccount       bool     `json:"per_account" envconfig:"HOOKRELAY_RATE_LIMITER_PER_ACCOUNT"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int  `json:"failure_threshold" envconfig:"HOOKRELAY_CIRCUIT_BREAKER_FAILURE_THRESHOLD"`
	WindowSec        int  `json:"window_sec" envconfig:"HOOKRELAY_CIRCUIT_BREAKER_WINDOW_SEC"`
	CooldownSec      int  `json:"cooldown_sec" envconfig:"HOOKRELAY_CIRCUIT_BREAKER_COOLDOWN_SEC"`
	PerAccount       bool `json:"per_account" envconfig:"HOOKRELAY_CIRCUIT_BREAKER_PER_ACCOUNT"`
}

type CacheConfig struct {
	DefaultTTLSec  int            `json:"default_ttl_sec" envconfig:"HOOKRELAY_CACHE_DEFAULT_TTL_SEC"`
	TTLs           map[string]int `json:"ttls" envconfig:"HOOKRELAY_CACHE_TTLS"`
	LocalCacheSize int            `json:"local_cache_size" envconfig:"HOOKRELAY_CACHE_LOCAL_CACHE_SIZE"`
}

// RateLimitConfig throttles the admin API.
type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"HOOKRELAY_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"HOOKRELAY_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"HOOKRELAY_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type HandlerConfig struct {
	ForwardURL string            `json:"forward_url" envconfig:"HOOKRELAY_HANDLER_FORWARD_URL"`
	Headers    map[string]string `json:"headers"`
}

type TelemetryConfig struct {
	Enabled    bool   `json:"enabled" envconfig:"HOOKRELAY_TELEMETRY_ENABLED"`
	PosthogKey string `json:"posthog_key" envconfig:"HOOKRELAY_TELEMETRY_POSTHOG_KEY"`
	OtelURL    string `json:"otel_url" envconfig:"HOOKRELAY_TELEMETRY_OTEL_URL"`
}

type BackupConfig struct {
	AwsAccessKeyId     string `json:"aws_access_key_id"`
	AwsSecretAccessKey string `json:"aws_secret_access_key"`
	S3Endpoint         string `json:"s3_endpoint"`
	S3BucketName       string `json:"s3_bucket_name"`
	S3Region           string `json:"s3_region"`
}

// Configuration is the full hookrelay configuration, read from hookrelay.json
// and overridden by HOOKRELAY_* environment variables.
type Configuration struct {
	ProjectName    string               `json:"project_name" envconfig:"HOOKRELAY_PROJECT_NAME"`
	Server         ServerConfig         `json:"server"`
	Receiver       ReceiverConfig       `json:"receiver"`
	DataSource     DataSourceConfig     `json:"data_source"`
	Redis          RedisConfig          `json:"redis"`
	Queue          QueueConfig          `json:"queue"`
	Worker         WorkerConfig         `json:"worker"`
	Upstream       UpstreamConfig       `json:"upstream"`
	RateLimiter    RateLimiterConfig    `json:"rate_limiter"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Cache          CacheConfig          `json:"cache"`
	RateLimit      RateLimitConfig      `json:"rate_limit"`
	Notification   Notification         `json:"notification"`
	Handler        HandlerConfig        `json:"handler"`
	Telemetry      TelemetryConfig      `json:"telemetry"`
	Backup         BackupConfig         `json:"backup"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("hookrelay", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

// InitConfig loads configFile, applies env overrides, defaults and validation,
// and stores the result for Fetch.
func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

// Fetch returns the configuration stored by InitConfig or MockConfig.
func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called hookrelay.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Hookrelay"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(cnf.Upstream.BaseURL), "/")

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.ApplyDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		cnf.RateLimit.Burst = ptr.Int(2 * int(*cnf.RateLimit.RequestsPerSecond))
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", *cnf.RateLimit.Burst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		cnf.RateLimit.RequestsPerSecond = ptr.Float64(float64(*cnf.RateLimit.Burst) / 2)
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", *cnf.RateLimit.RequestsPerSecond)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		cnf.RateLimit.CleanupIntervalSec = ptr.Int(10800)
	}

	return cnf.validate()
}

// ApplyDefaults fills every unset tunable. Required fields are not checked.
func (cnf *Configuration) ApplyDefaults() {
	if cnf.DataSource.Driver == "" {
		cnf.DataSource.Driver = "postgres"
	}
	cnf.setReceiverDefaults()
	cnf.setQueueDefaults()
	cnf.setWorkerDefaults()
	cnf.setResilienceDefaults()
}

func (cnf *Configuration) setReceiverDefaults() {
	r := &cnf.Receiver
	if r.MaxBodyBytes <= 0 {
		r.MaxBodyBytes = 1 << 20
	}
	if r.IdempotencyTTL <= 0 {
		r.IdempotencyTTL = 7 * 24 * 3600
	}
	if r.ResolveTimeoutMs <= 0 {
		r.ResolveTimeoutMs = 10000
	}
	if r.DispatchWorkers <= 0 {
		r.DispatchWorkers = 16
	}
	if r.DispatchBuffer <= 0 {
		r.DispatchBuffer = 1024
	}
	if len(r.InteractiveTopics) == 0 {
		r.InteractiveTopics = []string{"questions"}
	}
}

func (cnf *Configuration) setQueueDefaults() {
	q := &cnf.Queue
	if q.Prefix == "" {
		q.Prefix = "{hookrelay}"
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 5
	}
	if q.BaseBackoffMs <= 0 {
		q.BaseBackoffMs = 1000
	}
	if q.MaxBackoffMs <= 0 {
		q.MaxBackoffMs = 5 * 60 * 1000
	}
	if q.VisibilityTimeout <= 0 {
		q.VisibilityTimeout = 120
	}
	if q.CompletedRetention <= 0 {
		q.CompletedRetention = 24 * 3600
	}
	if q.AlertQueue == "" {
		q.AlertQueue = "hookrelay_alerts"
	}
	if q.AlertMaxRetry <= 0 {
		q.AlertMaxRetry = 5
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5005"
	}
	if q.AlertWorkerPoolSize <= 0 {
		q.AlertWorkerPoolSize = 5
	}
}

func (cnf *Configuration) setWorkerDefaults() {
	w := &cnf.Worker
	if w.Concurrency <= 0 {
		w.Concurrency = 10
	}
	if w.PollIntervalMs <= 0 {
		w.PollIntervalMs = 1000
	}
	if w.HandlerTimeoutSec <= 0 {
		w.HandlerTimeoutSec = 60
	}
	if w.BackpressureThreshold <= 0 {
		w.BackpressureThreshold = 1000
	}
	if w.BackpressureMs <= 0 {
		w.BackpressureMs = 5000
	}
	if cnf.Upstream.TimeoutSec <= 0 {
		cnf.Upstream.TimeoutSec = 30
	}
}

func (cnf *Configuration) setResilienceDefaults() {
	rl := &cnf.RateLimiter
	if rl.MinDelayMs <= 0 {
		rl.MinDelayMs = 100
	}
	if rl.MaxDelayMs <= 0 {
		rl.MaxDelayMs = 5000
	}
	if rl.InitialDelayMs == nil {
		rl.InitialDelayMs = ptr.Int(rl.MinDelayMs)
	}
	if rl.SuccessThreshold <= 0 {
		rl.SuccessThreshold = 10
	}

	cb := &cnf.CircuitBreaker
	if cb.FailureThreshold <= 0 {
		cb.FailureThreshold = 5
	}
	if cb.WindowSec <= 0 {
		cb.WindowSec = 60
	}
	if cb.CooldownSec <= 0 {
		cb.CooldownSec = 30
	}

	if cnf.Cache.DefaultTTLSec <= 0 {
		cnf.Cache.DefaultTTLSec = 300
	}
}

func (cnf *Configuration) validate() error {
	rl := cnf.RateLimiter
	err := validation.ValidateStruct(&rl,
		validation.Field(&rl.MaxDelayMs, validation.Min(rl.MinDelayMs).Error("max delay must not be below min delay")),
		validation.Field(&rl.InitialDelayMs, validation.Min(rl.MinDelayMs), validation.Max(rl.MaxDelayMs)),
	)
	if err != nil {
		return err
	}

	// the dequeue script reaches job hashes by prefix, so every key needs one slot
	if err := validation.Validate(cnf.Queue.Prefix, validation.Match(hashTag).Error("queue prefix must contain a {hash tag}")); err != nil {
		return err
	}

	return validation.Validate(cnf.DataSource.Driver, validation.In("postgres", "mysql", "sqlite3").Error("unsupported data source driver"))
}

// Duration helpers keep the config file in plain integers.

func (r ReceiverConfig) IdempotencyWindow() time.Duration {
	return time.Duration(r.IdempotencyTTL) * time.Second
}

func (r ReceiverConfig) ResolveTimeout() time.Duration {
	return time.Duration(r.ResolveTimeoutMs) * time.Millisecond
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

func (w WorkerConfig) HandlerTimeout() time.Duration {
	return time.Duration(w.HandlerTimeoutSec) * time.Second
}

func (w WorkerConfig) BackpressureInterval() time.Duration {
	return time.Duration(w.BackpressureMs) * time.Millisecond
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
