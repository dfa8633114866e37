package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Policy    PolicyConfig        `mapstructure:"policy"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport      string   `mapstructure:"transport"`
	HTTPPort       int      `mapstructure:"http_port"`
	MaxBodyKB      int      `mapstructure:"max_body_kb"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	MCPEnabled     bool     `mapstructure:"mcp_enabled"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend              string `mapstructure:"backend"`
	ExecutionRoot        string `mapstructure:"execution_root"`
	TimeoutSec           int    `mapstructure:"timeout_sec"`
	CompileTimeoutSec    int    `mapstructure:"compile_timeout_sec"`
	MemoryMB             int    `mapstructure:"memory_mb"`
	PidsLimit            int    `mapstructure:"pids_limit"`
	MaxOutputKB          int    `mapstructure:"max_output_kb"`
	MaxConcurrent        int    `mapstructure:"max_concurrent"`
	NetworkEnabled       bool   `mapstructure:"network_enabled"`
	EnableLocalBackend   bool   `mapstructure:"enable_local_backend"`
	ContainerUser        string `mapstructure:"container_user"`
	StaleWorkspaceMinute int    `mapstructure:"stale_workspace_minutes"`
}

// PolicyConfig holds the static source filter configuration
type PolicyConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	RulesFile   string `mapstructure:"rules_file"`
	MaxSourceKB int    `mapstructure:"max_source_kb"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language describes how a single language is written, built and run.
//
// Command templates may reference {dir}, {file} and {entry}.
type Language struct {
	Kind         string   `mapstructure:"kind"`
	Extension    string   `mapstructure:"extension"`
	SourceName   string   `mapstructure:"source_name"`
	EntryPattern string   `mapstructure:"entry_pattern"`
	WrapTemplate string   `mapstructure:"wrap_template"`
	Compile      []string `mapstructure:"compile"`
	Run          []string `mapstructure:"run"`
	Image        string   `mapstructure:"image"`
	Environment  []string `mapstructure:"environment"` // KEY=VALUE; viper lower-cases map keys
}

// Language kinds
const (
	KindInterpreted = "interpreted"
	KindCompiled    = "compiled"
)

const javaWrapTemplate = `public class Main {
    public static void main(String[] args) throws Exception {
{{source}}
    }
}
`

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load(".", "./config")
}

// Load reads config.yaml from the given search paths, applies EXECBOX_*
// environment overrides and validates the result.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("EXECBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.max_body_kb", 256)
	v.SetDefault("server.rate_limit_rps", 2.0)
	v.SetDefault("server.rate_limit_burst", 5)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.mcp_enabled", true)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.execution_root", filepath.Join(os.TempDir(), "execbox"))
	v.SetDefault("sandbox.timeout_sec", 5)
	v.SetDefault("sandbox.compile_timeout_sec", 10)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.max_output_kb", 64)
	v.SetDefault("sandbox.max_concurrent", 4)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.container_user", "") // server uid:gid, or 65534:65534 when root
	v.SetDefault("sandbox.stale_workspace_minutes", 10)

	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.rules_file", "")
	v.SetDefault("policy.max_source_kb", 64)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	// Python defaults
	v.SetDefault("languages.python.kind", KindInterpreted)
	v.SetDefault("languages.python.extension", "py")
	v.SetDefault("languages.python.source_name", "main")
	v.SetDefault("languages.python.run", []string{"python3", "-u", "{file}"})
	v.SetDefault("languages.python.image", "python:3.11-slim")
	v.SetDefault("languages.python.environment", []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"})

	// Java defaults
	v.SetDefault("languages.java.kind", KindCompiled)
	v.SetDefault("languages.java.extension", "java")
	v.SetDefault("languages.java.source_name", "Main")
	v.SetDefault("languages.java.entry_pattern", `(?m)^\s*(?:public\s+)?(?:final\s+|abstract\s+)*class\s+([A-Za-z_$][\w$]*)`)
	v.SetDefault("languages.java.wrap_template", javaWrapTemplate)
	v.SetDefault("languages.java.compile", []string{"javac", "-encoding", "UTF-8", "-d", "{dir}", "{file}"})
	v.SetDefault("languages.java.run", []string{"java", "-Xss8m", "-cp", "{dir}", "{entry}"})
	v.SetDefault("languages.java.image", "eclipse-temurin:21-jdk-alpine")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Server.MaxBodyKB <= 0 {
		return fmt.Errorf("server.max_body_kb must be positive, got: %d", c.Server.MaxBodyKB)
	}

	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("server.rate_limit_rps and server.rate_limit_burst must not be negative")
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.CompileTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.compile_timeout_sec must be positive, got: %d", c.Sandbox.CompileTimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.PidsLimit <= 0 {
		return fmt.Errorf("sandbox.pids_limit must be positive, got: %d", c.Sandbox.PidsLimit)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive, got: %d", c.Sandbox.MaxConcurrent)
	}

	if strings.TrimSpace(c.Sandbox.ExecutionRoot) == "" {
		return fmt.Errorf("sandbox.execution_root must not be empty")
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Policy.MaxSourceKB < 0 {
		return fmt.Errorf("policy.max_source_kb must not be negative, got: %d", c.Policy.MaxSourceKB)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if len(c.Languages) == 0 {
		return fmt.Errorf("at least one language must be configured")
	}

	for name, lang := range c.Languages {
		if err := lang.validate(); err != nil {
			return fmt.Errorf("languages.%s: %w", name, err)
		}
	}

	return nil
}

func (l Language) validate() error {
	switch l.Kind {
	case KindInterpreted:
	case KindCompiled:
		if len(l.Compile) == 0 {
			return fmt.Errorf("compiled language requires a compile command")
		}
	default:
		return fmt.Errorf("invalid kind: %q, must be '%s' or '%s'", l.Kind, KindInterpreted, KindCompiled)
	}

	if len(l.Run) == 0 {
		return fmt.Errorf("run command must not be empty")
	}

	if strings.TrimPrefix(l.Extension, ".") == "" {
		return fmt.Errorf("extension must not be empty")
	}

	for _, kv := range l.Environment {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return fmt.Errorf("invalid environment entry %q, want KEY=VALUE", kv)
		}
	}

	if l.EntryPattern != "" {
		if _, err := regexp.Compile(l.EntryPattern); err != nil {
			return fmt.Errorf("invalid entry_pattern: %w", err)
		}
	}

	return nil
}

// GetTimeout returns the run stage timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetCompileTimeout returns the compile stage timeout as a duration
func (c *Config) GetCompileTimeout() time.Duration {
	return time.Duration(c.Sandbox.CompileTimeoutSec) * time.Second
}

// GetStaleWorkspaceAge returns the age after which leftover workspaces are purged
func (c *Config) GetStaleWorkspaceAge() time.Duration {
	return time.Duration(c.Sandbox.StaleWorkspaceMinute) * time.Minute
}
