package config

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/patchgate/internal/auth"
	"github.com/loykin/patchgate/internal/executor"
	"github.com/loykin/patchgate/internal/logger"
	ptls "github.com/loykin/patchgate/internal/tls"
)

// Defaults for the recognised options.
const (
	DefaultLoopInterval = 10.0
	DefaultPatchDir     = "state/patches"
	DefaultListen       = "127.0.0.1:8080"
	DefaultMetricsAddr  = "127.0.0.1:9090"

	// EnvAPIToken adds an operator credential to the server and is the
	// default token of the CLI.
	EnvAPIToken = "PATCHGATE_API_TOKEN"
)

// Config is the full daemon configuration.
type Config struct {
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      logger.Config  `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	History  HistoryConfig  `mapstructure:"history"`
	// EnvFiles are .env files consulted for environment keys that are not
	// set in the process environment.
	EnvFiles []string `mapstructure:"env_files"`
}

type RuntimeConfig struct {
	// LoopInterval is in seconds; parsed leniently by Load.
	LoopInterval float64 `mapstructure:"-"`
	PatchDir     string  `mapstructure:"patch_dir"`
	Workspace    string  `mapstructure:"workspace"`
	StartPaused  bool    `mapstructure:"start_paused"`
}

type ExecutorConfig struct {
	ApplyHook    string            `mapstructure:"apply_hook"`
	RollbackHook string            `mapstructure:"rollback_hook"`
	Mode         string            `mapstructure:"mode"`
	RollbackMode string            `mapstructure:"rollback_mode"`
	HookTimeout  time.Duration     `mapstructure:"-"`
	OutputLog    logger.FileConfig `mapstructure:"output_log"`
	Env          []string          `mapstructure:"env"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      ptls.Config `mapstructure:"tls"`
	Auth     auth.Config `mapstructure:"auth"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// HistoryConfig lists secondary audit sinks by DSN.
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// envBindings maps config keys to the environment variables overriding them.
var envBindings = []struct{ key, env string }{
	{"runtime.loop_interval", "PATCHGATE_LOOP_INTERVAL"},
	{"runtime.patch_dir", "PATCHGATE_PATCH_DIR"},
	{"runtime.workspace", "PATCHGATE_WORKSPACE"},
	{"runtime.start_paused", "PATCHGATE_START_PAUSED"},
	{"executor.apply_hook", "PATCH_APPLY_HOOK"},
	{"executor.rollback_hook", "PATCH_ROLLBACK_HOOK"},
	{"executor.mode", "PATCH_APPLY_MODE"},
	{"executor.rollback_mode", "PATCH_ROLLBACK_MODE"},
	{"executor.hook_timeout", "PATCHGATE_HOOK_TIMEOUT"},
	{"executor.output_log.path", "PATCHGATE_HOOK_LOG"},
	{"server.listen", "PATCHGATE_LISTEN"},
	{"server.base_path", "PATCHGATE_BASE_PATH"},
	{"log.level", "PATCHGATE_LOG_LEVEL"},
	{"log.format", "PATCHGATE_LOG_FORMAT"},
	{"metrics.listen", "PATCHGATE_METRICS_LISTEN"},
}

// Load reads the optional TOML file at path and applies environment
// overrides. Precedence, highest first: process env, env_files, file,
// defaults. An empty path means env and defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	fileEnv := make(map[string]string)
	for _, p := range v.GetStringSlice("env_files") {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, val := range pairs {
			fileEnv[k] = val
		}
	}
	for _, b := range envBindings {
		if val, ok := lookup(fileEnv, b.env); ok {
			v.Set(b.key, val)
		}
	}
	if _, ok := lookup(fileEnv, "PATCHGATE_METRICS_LISTEN"); ok {
		v.Set("metrics.enabled", true)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if tok, ok := lookup(fileEnv, EnvAPIToken); ok {
		cfg.Server.Auth.Enabled = true
		cfg.Server.Auth.Credentials = append(cfg.Server.Auth.Credentials, auth.Credential{
			Name:  "env",
			Token: tok,
			Role:  auth.RoleOperator,
		})
	}
	cfg.Runtime.LoopInterval = parseInterval(v.GetString("runtime.loop_interval"))
	cfg.Executor.HookTimeout = parseTimeout(v.GetString("executor.hook_timeout"))
	cfg.Executor.Mode = normalizeMode(cfg.Executor.Mode)
	cfg.Executor.RollbackMode = normalizeMode(cfg.Executor.RollbackMode)

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.loop_interval", DefaultLoopInterval)
	v.SetDefault("runtime.patch_dir", DefaultPatchDir)
	v.SetDefault("executor.mode", executor.ModeNoop)
	v.SetDefault("executor.rollback_mode", executor.ModeNoop)
	v.SetDefault("executor.hook_timeout", executor.DefaultHookTimeout.String())
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("metrics.listen", DefaultMetricsAddr)
}

// lookup treats an empty variable as unset.
func lookup(fileEnv map[string]string, key string) (string, bool) {
	if val := os.Getenv(key); val != "" {
		return val, true
	}
	val := fileEnv[key]
	return val, val != ""
}

// parseInterval falls back to the default for anything that is not a
// positive finite number.
func parseInterval(raw string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		if strings.TrimSpace(raw) != "" {
			slog.Warn("Invalid loop interval, using default", "value", raw, "default", DefaultLoopInterval)
		}
		return DefaultLoopInterval
	}
	return f
}

// parseTimeout accepts a Go duration or a number of seconds. Zero or a
// negative value disables the timeout.
func parseTimeout(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return executor.DefaultHookTimeout
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return time.Duration(f * float64(time.Second))
	}
	slog.Warn("Invalid hook timeout, using default", "value", raw, "default", executor.DefaultHookTimeout)
	return executor.DefaultHookTimeout
}

func normalizeMode(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if m == "" {
		return executor.ModeNoop
	}
	return m
}

func (c *Config) resolvePaths() error {
	dir, err := filepath.Abs(c.Runtime.PatchDir)
	if err != nil {
		return fmt.Errorf("resolve patch_dir: %w", err)
	}
	c.Runtime.PatchDir = dir
	if c.Runtime.Workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}
		c.Runtime.Workspace = wd
	} else if ws, err := filepath.Abs(c.Runtime.Workspace); err == nil {
		c.Runtime.Workspace = ws
	}
	return nil
}

// LoopInterval returns the runtime interval as a duration.
func (c *Config) LoopInterval() time.Duration {
	return time.Duration(c.Runtime.LoopInterval * float64(time.Second))
}

// ExecutorOptions converts the executor section. out receives hook output
// and may be nil.
func (c *Config) ExecutorOptions(out io.Writer) executor.Config {
	return executor.Config{
		ApplyHook:    c.Executor.ApplyHook,
		RollbackHook: c.Executor.RollbackHook,
		ApplyMode:    c.Executor.Mode,
		RollbackMode: c.Executor.RollbackMode,
		Workspace:    c.Runtime.Workspace,
		HookTimeout:  c.Executor.HookTimeout,
		Output:       out,
		Env:          c.Executor.Env,
	}
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
