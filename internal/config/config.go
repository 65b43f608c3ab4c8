package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure returned from Load.
var ErrInvalid = errors.New("invalid config")

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// JenkinsConfig describes where build pages live and how to find the
// fields on them.
type JenkinsConfig struct {
	// BaseURL is the folder that contains the jobs, for example
	// https://jenkins.example.com/job/PP. Build pages are
	// <BaseURL>/job/<name>/build?delay=0sec.
	BaseURL          string `yaml:"baseURL"`
	SentinelJob      string `yaml:"sentinelJob"`
	SentinelURL      string `yaml:"sentinelURL"`
	BranchFieldXPath string `yaml:"branchFieldXPath"`
	SubmitXPath      string `yaml:"submitXPath"`
	StatusSelector   string `yaml:"statusSelector"`
	StatusAttribute  string `yaml:"statusAttribute"`
	FieldTimeoutMs   int    `yaml:"fieldTimeoutMs"`
}

type CatalogConfig struct {
	// Source is a file path or http(s) URL of a Jenkins view page.
	Source        string            `yaml:"source"`
	RespectRobots bool              `yaml:"respectRobots"`
	UserAgent     string            `yaml:"userAgent"`
	TimeoutMs     int               `yaml:"timeoutMs"`
	Aliases       map[string]string `yaml:"aliases"`
}

type BrowserConfig struct {
	Headless          bool   `yaml:"headless"`
	NoSandbox         bool   `yaml:"noSandbox"`
	Quiet             bool   `yaml:"quiet"`
	Bin               string `yaml:"bin"`
	ControlURL        string `yaml:"controlURL"`
	PageLoadTimeoutMs int    `yaml:"pageLoadTimeoutMs"`
}

// DeployConfig controls worker sizing, retries and polling.
type DeployConfig struct {
	MaxWorkers          int      `yaml:"maxWorkers"`
	OneWorkerPerJob     bool     `yaml:"oneWorkerPerJob"`
	BuildTimeoutMs      int      `yaml:"buildTimeoutMs"`
	GraceMs             int      `yaml:"graceMs"`
	PollIntervalMs      int      `yaml:"pollIntervalMs"`
	MaxPolls            int      `yaml:"maxPolls"`
	FillAttempts        int      `yaml:"fillAttempts"`
	FillRetryDelayMs    int      `yaml:"fillRetryDelayMs"`
	SequentialAttempts  int      `yaml:"sequentialAttempts"`
	SequentialPauseMs   int      `yaml:"sequentialPauseMs"`
	SkipServices        []string `yaml:"skipServices"`
	AllMasterRef        string   `yaml:"allMasterRef"`
	AllMasterMaxWorkers int      `yaml:"allMasterMaxWorkers"`
}

// ServicesConfig holds the job→ref plans for each CLI mode.
type ServicesConfig struct {
	Sequential Assignments `yaml:"sequential"`
	Concurrent Assignments `yaml:"concurrent"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL       string `yaml:"url"`
	LockTTLMs int    `yaml:"lockTTLMs"`
}

// RetentionConfig bounds how long run history is kept. RunDays <= 0
// keeps it forever.
type RetentionConfig struct {
	RunDays         int `yaml:"runDays"`
	SweepIntervalMs int `yaml:"sweepIntervalMs"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Jenkins   JenkinsConfig   `yaml:"jenkins"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Browser   BrowserConfig   `yaml:"browser"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Services  ServicesConfig  `yaml:"services"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Retention RetentionConfig `yaml:"retention"`
}

// Load reads and validates the YAML file at path, filling defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	cfg := Default()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every knob at its default. Boolean
// defaults that are true (headless, quiet) only apply when the file does
// not mention them.
func Default() *Config {
	cfg := &Config{
		Browser: BrowserConfig{Headless: true, Quiet: true},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	j := &c.Jenkins
	j.BaseURL = strings.TrimRight(j.BaseURL, "/")
	if j.SentinelJob == "" {
		j.SentinelJob = "it-dependency"
	}
	if j.BranchFieldXPath == "" {
		j.BranchFieldXPath = `//*[@id="main-panel"]/form/div[1]/div[1]/div[3]/div/input[2]`
	}
	if j.SubmitXPath == "" {
		j.SubmitXPath = `//*[@id="bottom-sticker"]/div/button`
	}
	if j.StatusSelector == "" {
		j.StatusSelector = ".build-status-link"
	}
	if j.StatusAttribute == "" {
		j.StatusAttribute = "title"
	}
	if j.FieldTimeoutMs <= 0 {
		j.FieldTimeoutMs = 10_000
	}

	if c.Catalog.TimeoutMs <= 0 {
		c.Catalog.TimeoutMs = 30_000
	}
	if c.Browser.PageLoadTimeoutMs <= 0 {
		c.Browser.PageLoadTimeoutMs = 30_000
	}

	d := &c.Deploy
	if d.MaxWorkers <= 0 {
		d.MaxWorkers = 3
	}
	if d.BuildTimeoutMs < 0 {
		d.BuildTimeoutMs = 0
	}
	if d.GraceMs <= 0 {
		d.GraceMs = 5_000
	}
	if d.PollIntervalMs <= 0 {
		d.PollIntervalMs = 10_000
	}
	if d.MaxPolls <= 0 {
		d.MaxPolls = 60
	}
	if d.FillAttempts <= 0 {
		d.FillAttempts = 2
	}
	if d.FillRetryDelayMs <= 0 {
		d.FillRetryDelayMs = 1_000
	}
	if d.SequentialAttempts <= 0 {
		d.SequentialAttempts = 2
	}
	if d.SequentialPauseMs <= 0 {
		d.SequentialPauseMs = 5_000
	}
	if d.AllMasterRef == "" {
		d.AllMasterRef = "master"
	}

	if c.Redis.LockTTLMs <= 0 {
		c.Redis.LockTTLMs = 30 * 60 * 1000
	}
	if c.Retention.SweepIntervalMs <= 0 {
		c.Retention.SweepIntervalMs = 60 * 60 * 1000
	}
}

// Validate reports configuration that would make every deployment fail.
func (c *Config) Validate() error {
	if c.Jenkins.BaseURL == "" {
		return fmt.Errorf("%w: jenkins.baseURL is required", ErrInvalid)
	}
	if !strings.HasPrefix(c.Jenkins.BaseURL, "http://") && !strings.HasPrefix(c.Jenkins.BaseURL, "https://") {
		return fmt.Errorf("%w: jenkins.baseURL must be an http(s) URL, got %q", ErrInvalid, c.Jenkins.BaseURL)
	}
	if c.Jenkins.SentinelURL == "" {
		return fmt.Errorf("%w: jenkins.sentinelURL is required", ErrInvalid)
	}
	if c.Catalog.Source == "" {
		return fmt.Errorf("%w: catalog.source is required", ErrInvalid)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// Ms converts a millisecond config value to a duration.
func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
