package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Strategy selects how documents are discovered in the source repository.
const (
	StrategyFolderFirst   = "folder-first"
	StrategyDocumentFirst = "document-first"
)

// Config represents the application configuration
type Config struct {
	Repository Repository    `yaml:"repository"`
	Source     Source        `yaml:"source"`
	Target     Target        `yaml:"target"`
	Migration  Migration     `yaml:"migration"`
	Resilience Resilience    `yaml:"resilience"`
	Mapping    []MappingRule `yaml:"mapping"`
	LogLevel   string        `yaml:"log_level"`
}

// Repository holds the connection settings for the content repository API
type Repository struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// Source describes what to discover in the source hierarchy
type Source struct {
	RootFolderID     string   `yaml:"root_folder_id"`
	FolderNameFilter string   `yaml:"folder_name_filter"`
	FolderTypeRoots  []string `yaml:"folder_type_roots"`
	DocTypes         []string `yaml:"doc_types"`
	CreatedFrom      string   `yaml:"created_from"`
	CreatedTo        string   `yaml:"created_to"`
}

// Target describes where documents land in the destination hierarchy
type Target struct {
	RootFolderID string `yaml:"root_folder_id"`
}

// Migration represents migration-specific configuration
type Migration struct {
	Strategy           string `yaml:"strategy"`
	StagingDB          string `yaml:"staging_db"`
	PageSize           int    `yaml:"page_size"`
	BatchSize          int    `yaml:"batch_size"`
	MoveParallelism    int    `yaml:"move_parallelism"`
	PrepareParallelism int    `yaml:"prepare_parallelism"`
	IdleDelayMs        int    `yaml:"idle_delay_ms"`
	EmptyPollLimit     int    `yaml:"empty_poll_limit"`
	StuckTimeoutMin    int    `yaml:"stuck_timeout_min"`
	MetricsAddr        string `yaml:"metrics_addr"`
	DryRun             bool   `yaml:"dry_run"`
}

// Resilience holds the per-operation-class policy settings
type Resilience struct {
	Read  Policy `yaml:"read"`
	Write Policy `yaml:"write"`
}

// Policy is one operation class worth of timeout/retry/breaker/bulkhead knobs
type Policy struct {
	TimeoutMs        int `yaml:"timeout_ms"`
	Retries          int `yaml:"retries"`
	RetryBackoffMs   int `yaml:"retry_backoff_ms"`
	BreakerThreshold int `yaml:"breaker_threshold"`
	BreakerCooldownS int `yaml:"breaker_cooldown_s"`
	Bulkhead         int `yaml:"bulkhead"`
}

// MappingRule maps a source document type to its destination placement
type MappingRule struct {
	DocType      string `yaml:"doc_type"`
	TargetFolder string `yaml:"target_folder"`
	Category     string `yaml:"category"`
}

// IdleDelay returns the idle delay as a duration
func (m Migration) IdleDelay() time.Duration {
	return time.Duration(m.IdleDelayMs) * time.Millisecond
}

// StuckTimeout returns the stuck-item timeout as a duration
func (m Migration) StuckTimeout() time.Duration {
	return time.Duration(m.StuckTimeoutMin) * time.Minute
}

// Timeout returns the per-call timeout as a duration
func (p Policy) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// RetryBackoff returns the initial retry backoff as a duration
func (p Policy) RetryBackoff() time.Duration {
	return time.Duration(p.RetryBackoffMs) * time.Millisecond
}

// BreakerCooldown returns the circuit-breaker open duration
func (p Policy) BreakerCooldown() time.Duration {
	return time.Duration(p.BreakerCooldownS) * time.Second
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Migration: Migration{
			Strategy:           StrategyFolderFirst,
			StagingDB:          "./staging.db",
			PageSize:           500,
			BatchSize:          200,
			MoveParallelism:    16,
			PrepareParallelism: 30,
			IdleDelayMs:        2000,
			EmptyPollLimit:     3,
			StuckTimeoutMin:    10,
		},
		Resilience: Resilience{
			Read: Policy{
				TimeoutMs:        30000,
				Retries:          5,
				RetryBackoffMs:   500,
				BreakerThreshold: 10,
				BreakerCooldownS: 30,
				Bulkhead:         32,
			},
			Write: Policy{
				TimeoutMs:        60000,
				Retries:          5,
				RetryBackoffMs:   500,
				BreakerThreshold: 10,
				BreakerCooldownS: 30,
				Bulkhead:         16,
			},
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("repo-url") {
		cfg.Repository.BaseURL, _ = flags.GetString("repo-url")
	}
	if flags.Changed("repo-token") {
		cfg.Repository.Token, _ = flags.GetString("repo-token")
	}

	if flags.Changed("source-root") {
		cfg.Source.RootFolderID, _ = flags.GetString("source-root")
	}
	if flags.Changed("folder-filter") {
		cfg.Source.FolderNameFilter, _ = flags.GetString("folder-filter")
	}
	if flags.Changed("doc-types") {
		cfg.Source.DocTypes, _ = flags.GetStringSlice("doc-types")
	}
	if flags.Changed("target-root") {
		cfg.Target.RootFolderID, _ = flags.GetString("target-root")
	}

	if flags.Changed("strategy") {
		cfg.Migration.Strategy, _ = flags.GetString("strategy")
	}
	if flags.Changed("staging-db") {
		cfg.Migration.StagingDB, _ = flags.GetString("staging-db")
	}
	if flags.Changed("page-size") {
		cfg.Migration.PageSize, _ = flags.GetInt("page-size")
	}
	if flags.Changed("batch-size") {
		cfg.Migration.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("move-parallelism") {
		cfg.Migration.MoveParallelism, _ = flags.GetInt("move-parallelism")
	}
	if flags.Changed("prepare-parallelism") {
		cfg.Migration.PrepareParallelism, _ = flags.GetInt("prepare-parallelism")
	}
	if flags.Changed("idle-delay-ms") {
		cfg.Migration.IdleDelayMs, _ = flags.GetInt("idle-delay-ms")
	}
	if flags.Changed("empty-poll-limit") {
		cfg.Migration.EmptyPollLimit, _ = flags.GetInt("empty-poll-limit")
	}
	if flags.Changed("stuck-timeout-min") {
		cfg.Migration.StuckTimeoutMin, _ = flags.GetInt("stuck-timeout-min")
	}
	if flags.Changed("metrics-addr") {
		cfg.Migration.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("dry-run") {
		cfg.Migration.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Repository.BaseURL == "" {
		return fmt.Errorf("repository base_url is required")
	}

	if c.Source.RootFolderID == "" {
		return fmt.Errorf("source root_folder_id is required")
	}
	if c.Target.RootFolderID == "" {
		return fmt.Errorf("target root_folder_id is required")
	}

	switch c.Migration.Strategy {
	case StrategyFolderFirst:
	case StrategyDocumentFirst:
		if len(c.Source.DocTypes) == 0 {
			return fmt.Errorf("document-first strategy requires at least one doc type")
		}
	default:
		return fmt.Errorf("unknown strategy: %q", c.Migration.Strategy)
	}

	if c.Migration.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Migration.MoveParallelism <= 0 {
		return fmt.Errorf("move parallelism must be positive")
	}
	if c.Migration.PrepareParallelism <= 0 {
		return fmt.Errorf("prepare parallelism must be positive")
	}
	if c.Migration.StuckTimeoutMin <= 0 {
		return fmt.Errorf("stuck timeout must be positive")
	}

	for _, p := range []Policy{c.Resilience.Read, c.Resilience.Write} {
		if p.TimeoutMs <= 0 {
			return fmt.Errorf("resilience timeout must be positive")
		}
		if p.Bulkhead <= 0 {
			return fmt.Errorf("resilience bulkhead must be positive")
		}
	}

	if c.Source.CreatedFrom != "" {
		if _, err := time.Parse("2006-01-02", c.Source.CreatedFrom); err != nil {
			return fmt.Errorf("created_from must be YYYY-MM-DD: %w", err)
		}
	}
	if c.Source.CreatedTo != "" {
		if _, err := time.Parse("2006-01-02", c.Source.CreatedTo); err != nil {
			return fmt.Errorf("created_to must be YYYY-MM-DD: %w", err)
		}
	}

	return nil
}
