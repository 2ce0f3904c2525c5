// Package config loads the command history service configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plaenen/commandhistory/pkg/commandhistory"
	"github.com/plaenen/commandhistory/pkg/validators"
)

// Config is the root of the service configuration.
type Config struct {
	Repository RepositoryConfig  `yaml:"repository"`
	Documents  DocumentsConfig   `yaml:"documents"`
	Blobs      BlobsConfig       `yaml:"blobs"`
	Queue      QueueConfig       `yaml:"queue"`
	Tasks      TasksConfig       `yaml:"tasks"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	Flights    map[string]string `yaml:"flights,omitempty"`
}

// RepositoryConfig mirrors commandhistory.Config.
type RepositoryConfig struct {
	RetentionDays           int      `yaml:"retention_days"`
	MaxQueryAgeDays         int      `yaml:"max_query_age_days"`
	PCDAppIDs               []string `yaml:"pcd_app_ids,omitempty"`
	MaxFragmentTasks        int      `yaml:"max_fragment_tasks"`
	PageSize                int      `yaml:"page_size"`
	FragmentReadParallelism int      `yaml:"fragment_read_parallelism"`
}

// DocumentsConfig configures the SQLite core document store.
type DocumentsConfig struct {
	DSN          string   `yaml:"dsn"`
	ReadReplicas []string `yaml:"read_replicas,omitempty"`
	MaxOpenConns int      `yaml:"max_open_conns"`
	WAL          bool     `yaml:"wal"`
	BusyRetries  int      `yaml:"busy_retries"`
	PageSize     int      `yaml:"page_size"`
}

// Account names one blob storage account and its bucket URL.
type Account struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// BlobsConfig configures the fragment blob store.
type BlobsConfig struct {
	ContainerPrefix string        `yaml:"container_prefix"`
	Accounts        []Account     `yaml:"accounts"`
	PurgeTimeout    time.Duration `yaml:"purge_timeout"`
}

// QueueConfig configures the agent command queues. With Embedded set an
// in-process NATS server is started and URL is ignored.
type QueueConfig struct {
	URL         string            `yaml:"url,omitempty"`
	Embedded    bool              `yaml:"embedded"`
	StoreDir    string            `yaml:"store_dir,omitempty"`
	Bucket      string            `yaml:"bucket"`
	TTL         time.Duration     `yaml:"ttl"`
	Replicas    int               `yaml:"replicas"`
	Credentials CredentialsConfig `yaml:"credentials,omitempty"`
}

// CredentialsConfig selects how the queue connection authenticates. With
// neither a sealed file nor an environment variable the connection is
// anonymous.
type CredentialsConfig struct {
	// KeeperURL is a gocloud.dev/secrets keeper URL that decrypts File.
	KeeperURL string `yaml:"keeper_url,omitempty"`
	File      string `yaml:"file,omitempty"`

	// TokenEnv names the environment variable holding a token.
	TokenEnv string `yaml:"token_env,omitempty"`

	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"`
}

// Enabled reports whether any credential source is configured.
func (c CredentialsConfig) Enabled() bool {
	return c.File != "" || c.TokenEnv != ""
}

// TasksConfig schedules the background maintenance tasks. A zero interval
// disables the task.
type TasksConfig struct {
	TTLSweepInterval      time.Duration `yaml:"ttl_sweep_interval"`
	PurgeInterval         time.Duration `yaml:"purge_interval"`
	ForceCompleteInterval time.Duration `yaml:"force_complete_interval"`

	// Exports created between MaxAgeDays and MinAgeDays ago that are still
	// incomplete are force completed. AAD subjects use their own window.
	ExportMinAgeDays    int `yaml:"export_min_age_days"`
	ExportMaxAgeDays    int `yaml:"export_max_age_days"`
	AADExportMinAgeDays int `yaml:"aad_export_min_age_days"`
	AADExportMaxAgeDays int `yaml:"aad_export_max_age_days"`
}

// TelemetryConfig carries the service metadata attached to traces and
// metrics.
type TelemetryConfig struct {
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version,omitempty"`
	Environment     string  `yaml:"environment"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// Default returns a configuration that runs entirely in-process: a local
// SQLite file, one in-memory blob account and an embedded NATS server.
func Default() Config {
	repo := commandhistory.DefaultConfig()
	return Config{
		Repository: RepositoryConfig{
			RetentionDays:           repo.DefaultTimeToLiveDays,
			MaxQueryAgeDays:         repo.MaxAgeInDaysForQuery,
			MaxFragmentTasks:        repo.MaxFragmentTasks,
			PageSize:                repo.PageSize,
			FragmentReadParallelism: repo.FragmentReadParallelism,
		},
		Documents: DocumentsConfig{
			DSN:          "file:commandhistory.db",
			MaxOpenConns: 8,
			WAL:          true,
			BusyRetries:  5,
			PageSize:     1000,
		},
		Blobs: BlobsConfig{
			ContainerPrefix: "commandhistory",
			Accounts:        []Account{{Name: "local", URL: "mem://"}},
			PurgeTimeout:    10 * time.Minute,
		},
		Queue: QueueConfig{
			Embedded: true,
			Bucket:   "COMMAND_QUEUES",
			TTL:      30 * 24 * time.Hour,
			Replicas: 1,
		},
		Tasks: TasksConfig{
			TTLSweepInterval:      time.Hour,
			PurgeInterval:         24 * time.Hour,
			ForceCompleteInterval: 24 * time.Hour,
			ExportMinAgeDays:      30,
			ExportMaxAgeDays:      60,
			AADExportMinAgeDays:   14,
			AADExportMaxAgeDays:   60,
		},
		Telemetry: TelemetryConfig{
			ServiceName:     "commandhistory",
			Environment:     "dev",
			TraceSampleRate: 1,
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	b := validators.NewValidationBuilder().
		Add(validators.ValidateRange("retention_days", c.Repository.RetentionDays, 1, 3650)).
		Add(validators.ValidateRange("max_query_age_days", c.Repository.MaxQueryAgeDays, 1, 3650)).
		Add(validators.ValidateRange("max_fragment_tasks", c.Repository.MaxFragmentTasks, 1, 100000)).
		Add(validators.ValidateStringEmpty(c.Documents.DSN, "dsn")).
		Add(validators.ValidateRange("busy_retries", c.Documents.BusyRetries, 0, 100)).
		Add(validators.ValidateContainerPrefix("container_prefix", c.Blobs.ContainerPrefix))

	if len(c.Blobs.Accounts) == 0 {
		b.Add(validators.NewValidationResult(false, "accounts",
			validators.WithMessage("At least one blob account is required."),
			validators.WithValidationCode(validators.ValidationCodeRequired),
		))
	}
	seen := make(map[string]bool, len(c.Blobs.Accounts))
	for i, a := range c.Blobs.Accounts {
		field := fmt.Sprintf("accounts[%d]", i)
		b.Add(validators.ValidateAccountName(field+".name", a.Name))
		b.Add(validators.ValidateStringEmpty(a.URL, field+".url"))
		if seen[a.Name] {
			b.Add(validators.NewValidationResult(false, field+".name",
				validators.WithValue(a.Name),
				validators.WithMessage(fmt.Sprintf("Account %q is listed twice.", a.Name)),
				validators.WithValidationCode(validators.ValidationCodeInvalid),
			))
		}
		seen[a.Name] = true
	}

	if !c.Queue.Embedded && c.Queue.URL == "" {
		b.Add(validators.NewValidationResult(false, "queue.url",
			validators.WithMessage("Queue url is required unless the embedded server is enabled."),
			validators.WithValidationCode(validators.ValidationCodeRequired),
		))
	}
	if creds := c.Queue.Credentials; creds.File != "" && creds.TokenEnv != "" {
		b.Add(validators.NewValidationResult(false, "queue.credentials",
			validators.WithMessage("Use either a sealed credentials file or a token variable, not both."),
			validators.WithValidationCode(validators.ValidationCodeInvalid),
		))
	} else if creds.File != "" && creds.KeeperURL == "" {
		b.Add(validators.NewValidationResult(false, "queue.credentials.keeper_url",
			validators.WithMessage("Keeper url is required to decrypt the credentials file."),
			validators.WithValidationCode(validators.ValidationCodeRequired),
		))
	}
	if c.Tasks.ExportMinAgeDays > c.Tasks.ExportMaxAgeDays || c.Tasks.AADExportMinAgeDays > c.Tasks.AADExportMaxAgeDays {
		b.Add(validators.NewValidationResult(false, "tasks.export_age_days",
			validators.WithMessage("Export minimum age must not exceed the maximum age."),
			validators.WithValidationCode(validators.ValidationCodeInvalid),
		))
	}
	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		b.Add(validators.NewValidationResult(false, "trace_sample_rate",
			validators.WithValue(fmt.Sprint(c.Telemetry.TraceSampleRate)),
			validators.WithMessage("Trace sample rate must be between 0 and 1."),
			validators.WithValidationCode(validators.ValidationCodeInvalid),
		))
	}
	return b.Err()
}

// RepositoryOptions converts the repository section.
func (c Config) RepositoryOptions() commandhistory.Config {
	return commandhistory.Config{
		DefaultTimeToLiveDays:   c.Repository.RetentionDays,
		MaxAgeInDaysForQuery:    c.Repository.MaxQueryAgeDays,
		PCDAppIDs:               c.Repository.PCDAppIDs,
		MaxFragmentTasks:        c.Repository.MaxFragmentTasks,
		PageSize:                c.Repository.PageSize,
		FragmentReadParallelism: c.Repository.FragmentReadParallelism,
	}
}

// Retention is the retention period as a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Repository.RetentionDays) * 24 * time.Hour
}
