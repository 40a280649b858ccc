package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	gserrors "github.com/Aman-CERP/gsindex/internal/errors"
)

const (
	// DefaultBackend is the directory backend used when none is configured.
	DefaultBackend = "scorch"

	// DefaultAnalyzer is the analyzer used when none is configured.
	DefaultAnalyzer = "standard"

	// DefaultWriteLockTimeout bounds write-lock acquisition when the index
	// does not configure one.
	DefaultWriteLockTimeout = time.Second

	// DefaultMaxOpenIndexes is how many idle indexes keep their directory
	// open before the least recently used one is closed.
	DefaultMaxOpenIndexes = 64

	// ProjectConfigFile is looked up in the working directory when no
	// explicit config file is given.
	ProjectConfigFile = "gsindex.yaml"
)

var indexNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Config represents the complete gsindex configuration.
type Config struct {
	Version  int                    `yaml:"version" json:"version"`
	DataDir  string                 `yaml:"data_dir" json:"data_dir"`
	LogLevel string                 `yaml:"log_level" json:"log_level"`
	Registry RegistryConfig         `yaml:"registry" json:"registry"`
	Defaults IndexConfig            `yaml:"defaults" json:"defaults"`
	Indexes  map[string]IndexConfig `yaml:"indexes,omitempty" json:"indexes,omitempty"`
}

// RegistryConfig configures the handle registry shared by all indexes.
type RegistryConfig struct {
	// RetryBudget is the number of attempts the stale-state retry loop makes.
	RetryBudget int `yaml:"retry_budget" json:"retry_budget"`

	// MaxConcurrentMerges bounds force merges running at the same time.
	MaxConcurrentMerges int `yaml:"max_concurrent_merges" json:"max_concurrent_merges"`

	// MaxOpenIndexes bounds how many idle indexes keep their directory open.
	MaxOpenIndexes int `yaml:"max_open_indexes" json:"max_open_indexes"`
}

// IndexConfig is the per-index engine configuration.
//
// Numeric knobs are optional. A nil knob is unset, and so is any value of
// 1 or less: both leave the engine default in place. Read knobs through
// the accessor methods, which apply that rule.
type IndexConfig struct {
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
	Backend  string `yaml:"backend,omitempty" json:"backend,omitempty"`
	Analyzer string `yaml:"analyzer,omitempty" json:"analyzer,omitempty"`

	MaxBufferedDocs    *int     `yaml:"max_buffered_docs,omitempty" json:"max_buffered_docs,omitempty"`
	BufferSizeMB       *float64 `yaml:"buffer_size_mb,omitempty" json:"buffer_size_mb,omitempty"`
	MergeFactor        *int     `yaml:"merge_factor,omitempty" json:"merge_factor,omitempty"`
	MaxMergeDocs       *int     `yaml:"max_merge_docs,omitempty" json:"max_merge_docs,omitempty"`
	MaxMergeMB         *float64 `yaml:"max_merge_mb,omitempty" json:"max_merge_mb,omitempty"`
	WriteLockTimeoutMs *int     `yaml:"write_lock_timeout_ms,omitempty" json:"write_lock_timeout_ms,omitempty"`
	MaxChunkSizeBytes  *int64   `yaml:"max_chunk_size_bytes,omitempty" json:"max_chunk_size_bytes,omitempty"`
}

// Int returns a pointer to v, for building IndexConfig literals.
func Int(v int) *int { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func intKnob(p *int) (int, bool) {
	if p == nil || *p <= 1 {
		return 0, false
	}
	return *p, true
}

func floatKnob(p *float64) (float64, bool) {
	if p == nil || *p <= 1 {
		return 0, false
	}
	return *p, true
}

// MaxBufferedDocsValue returns the buffered document limit, if set.
func (ic IndexConfig) MaxBufferedDocsValue() (int, bool) { return intKnob(ic.MaxBufferedDocs) }

// BufferSizeMBValue returns the in-memory buffer size in MB, if set.
func (ic IndexConfig) BufferSizeMBValue() (float64, bool) { return floatKnob(ic.BufferSizeMB) }

// MergeFactorValue returns the merge fan-in, if set.
func (ic IndexConfig) MergeFactorValue() (int, bool) { return intKnob(ic.MergeFactor) }

// MaxMergeDocsValue returns the largest segment, in documents, a merge may produce.
func (ic IndexConfig) MaxMergeDocsValue() (int, bool) { return intKnob(ic.MaxMergeDocs) }

// MaxMergeMBValue returns the largest segment, in MB, a merge may produce.
func (ic IndexConfig) MaxMergeMBValue() (float64, bool) { return floatKnob(ic.MaxMergeMB) }

// WriteLockTimeoutValue returns the configured lock timeout, if set.
func (ic IndexConfig) WriteLockTimeoutValue() (time.Duration, bool) {
	ms, ok := intKnob(ic.WriteLockTimeoutMs)
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// MaxChunkSizeValue returns the mapped chunk size in bytes, if set.
func (ic IndexConfig) MaxChunkSizeValue() (int64, bool) {
	if ic.MaxChunkSizeBytes == nil || *ic.MaxChunkSizeBytes <= 1 {
		return 0, false
	}
	return *ic.MaxChunkSizeBytes, true
}

// BackendID returns the configured backend or DefaultBackend.
func (ic IndexConfig) BackendID() string {
	if ic.Backend == "" {
		return DefaultBackend
	}
	return ic.Backend
}

// AnalyzerID returns the configured analyzer or DefaultAnalyzer.
func (ic IndexConfig) AnalyzerID() string {
	if ic.Analyzer == "" {
		return DefaultAnalyzer
	}
	return ic.Analyzer
}

// Merge returns ic with every field that over sets replacing its own.
func (ic IndexConfig) Merge(over IndexConfig) IndexConfig {
	out := ic
	if over.Path != "" {
		out.Path = over.Path
	}
	if over.Backend != "" {
		out.Backend = over.Backend
	}
	if over.Analyzer != "" {
		out.Analyzer = over.Analyzer
	}
	if over.MaxBufferedDocs != nil {
		out.MaxBufferedDocs = over.MaxBufferedDocs
	}
	if over.BufferSizeMB != nil {
		out.BufferSizeMB = over.BufferSizeMB
	}
	if over.MergeFactor != nil {
		out.MergeFactor = over.MergeFactor
	}
	if over.MaxMergeDocs != nil {
		out.MaxMergeDocs = over.MaxMergeDocs
	}
	if over.MaxMergeMB != nil {
		out.MaxMergeMB = over.MaxMergeMB
	}
	if over.WriteLockTimeoutMs != nil {
		out.WriteLockTimeoutMs = over.WriteLockTimeoutMs
	}
	if over.MaxChunkSizeBytes != nil {
		out.MaxChunkSizeBytes = over.MaxChunkSizeBytes
	}
	return out
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version:  1,
		DataDir:  defaultDataDir(),
		LogLevel: "info",
		Registry: RegistryConfig{
			RetryBudget:         gserrors.DefaultStaleRetryBudget,
			MaxConcurrentMerges: 1,
			MaxOpenIndexes:      DefaultMaxOpenIndexes,
		},
		Defaults: IndexConfig{
			Backend:  DefaultBackend,
			Analyzer: DefaultAnalyzer,
		},
		Indexes: map[string]IndexConfig{},
	}
}

// defaultDataDir returns ~/.gsindex/indexes.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".gsindex", "indexes")
	}
	return filepath.Join(home, ".gsindex", "indexes")
}

// ValidateIndexName rejects names that cannot be used as a directory name.
func ValidateIndexName(name string) error {
	if !indexNamePattern.MatchString(name) {
		return gserrors.ConfigError(fmt.Sprintf("invalid index name %q", name), nil).
			WithSuggestion("use letters, digits, '.', '_' or '-', starting with a letter or digit")
	}
	return nil
}

// IndexConfig resolves the configuration snapshot for one index: the
// defaults, overlaid with the index's own section, with Path defaulted to
// <data_dir>/<name>.
func (c *Config) IndexConfig(name string) (IndexConfig, error) {
	if err := ValidateIndexName(name); err != nil {
		return IndexConfig{}, err
	}
	ic := c.Defaults.Merge(c.Indexes[name])
	if ic.Path == "" {
		ic.Path = filepath.Join(ExpandHome(c.DataDir), name)
	} else {
		ic.Path = ExpandHome(ic.Path)
	}
	return ic, nil
}

// IndexNames returns the indexes with an explicit section, sorted.
func (c *Config) IndexNames() []string {
	names := make([]string, 0, len(c.Indexes))
	for name := range c.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/gsindex/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/gsindex/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "gsindex", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "gsindex", "config.yaml")
	}
	return filepath.Join(home, ".config", "gsindex", "config.yaml")
}

// loadUserConfig loads the user/global configuration file if it exists.
// Returns nil config and nil error if the file doesn't exist.
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	var parsed Config
	if err := parseYAML(configPath, &parsed); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return &parsed, nil
}

// Load loads configuration. It applies configuration in order of
// increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/gsindex/config.yaml)
//  3. The file at path, or ./gsindex.yaml when path is empty and it exists
//  4. Environment variables (GSINDEX_*)
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, gserrors.ConfigError("failed to load user config", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if path == "" && fileExists(ProjectConfigFile) {
		path = ProjectConfigFile
	}
	if path != "" {
		var parsed Config
		if err := parseYAML(path, &parsed); err != nil {
			return nil, gserrors.ConfigError("failed to load config file", err).WithDetail("path", path)
		}
		cfg.mergeWith(&parsed)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseYAML reads path into out.
func parseYAML(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.Registry.RetryBudget != 0 {
		c.Registry.RetryBudget = other.Registry.RetryBudget
	}
	if other.Registry.MaxConcurrentMerges != 0 {
		c.Registry.MaxConcurrentMerges = other.Registry.MaxConcurrentMerges
	}
	if other.Registry.MaxOpenIndexes != 0 {
		c.Registry.MaxOpenIndexes = other.Registry.MaxOpenIndexes
	}

	c.Defaults = c.Defaults.Merge(other.Defaults)

	if c.Indexes == nil {
		c.Indexes = map[string]IndexConfig{}
	}
	for name, ic := range other.Indexes {
		c.Indexes[name] = c.Indexes[name].Merge(ic)
	}
}

// applyEnvOverrides applies GSINDEX_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GSINDEX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("GSINDEX_BACKEND"); v != "" {
		c.Defaults.Backend = v
	}
	if v := os.Getenv("GSINDEX_ANALYZER"); v != "" {
		c.Defaults.Analyzer = v
	}
	if v := os.Getenv("GSINDEX_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GSINDEX_WRITE_LOCK_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Defaults.WriteLockTimeoutMs = Int(ms)
		}
	}
	if v := os.Getenv("GSINDEX_RETRY_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Registry.RetryBudget = n
		}
	}
	if v := os.Getenv("GSINDEX_MAX_CONCURRENT_MERGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Registry.MaxConcurrentMerges = n
		}
	}
	if v := os.Getenv("GSINDEX_MAX_OPEN_INDEXES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Registry.MaxOpenIndexes = n
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
// Backend and analyzer ids are checked when a handle is created, against
// the registries that hold them.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return gserrors.ConfigError(fmt.Sprintf("log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.LogLevel), nil)
	}
	if c.Registry.RetryBudget < 1 {
		return gserrors.ConfigError(fmt.Sprintf("registry.retry_budget must be at least 1, got %d", c.Registry.RetryBudget), nil)
	}
	if c.Registry.MaxConcurrentMerges < 1 {
		return gserrors.ConfigError(fmt.Sprintf("registry.max_concurrent_merges must be at least 1, got %d", c.Registry.MaxConcurrentMerges), nil)
	}
	if c.Registry.MaxOpenIndexes < 1 {
		return gserrors.ConfigError(fmt.Sprintf("registry.max_open_indexes must be at least 1, got %d", c.Registry.MaxOpenIndexes), nil)
	}
	if c.DataDir == "" {
		return gserrors.ConfigError("data_dir must not be empty", nil)
	}
	for _, name := range c.IndexNames() {
		if err := ValidateIndexName(name); err != nil {
			return err
		}
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
