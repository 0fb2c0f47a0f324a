package config

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"strata/internal/models"
)

const (
	DefaultRootDirName = ".strata"
	DefaultDBFileName  = "catalog.db"
	DefaultLogLevel    = "info"

	DefaultWarmAfterDays    = 7
	DefaultColdAfterDays    = 30
	DefaultArchiveAfterDays = 90
	DefaultMaxAttempts      = 3

	DefaultCopyTimeout    = 2 * time.Minute
	DefaultSweepPageSize  = 200
	DefaultBackupKeep     = 7
	DefaultSweepInterval  = time.Hour
	DefaultBackupInterval = 24 * time.Hour
	DefaultStagingMaxAge  = 24 * time.Hour

	DefaultMaxUploadBytes int64 = 1 << 30

	configFileName           = ".strata.toml"
	configDirEnvKey          = "STRATA_CONFIG_DIR"
	trustProjectConfigEnvKey = "STRATA_TRUST_PROJECT_CONFIG"
	rootEnvKey               = "STRATA_ROOT"
	dbEnvKey                 = "STRATA_DB"
	allowedMimeTypesEnvKey   = "STRATA_ALLOWED_MIME_TYPES"
)

// Duration is a time.Duration written as a Go duration string ("90m").
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TierConfig holds the lifecycle thresholds and per-tier capacity limits.
// A zero capacity means unlimited.
type TierConfig struct {
	WarmAfterDays      int   `toml:"warm_after_days"`
	ColdAfterDays      int   `toml:"cold_after_days"`
	ArchiveAfterDays   int   `toml:"archive_after_days"`
	MaxAttempts        int   `toml:"max_attempts"`
	HotCapacityBytes   int64 `toml:"hot_capacity_bytes"`
	WarmCapacityBytes  int64 `toml:"warm_capacity_bytes"`
	ColdCapacityBytes  int64 `toml:"cold_capacity_bytes"`
	VaultCapacityBytes int64 `toml:"vault_capacity_bytes"`
}

// MaintenanceConfig tunes sweeps, backups and blob I/O.
type MaintenanceConfig struct {
	Workers        int      `toml:"workers"`
	CopyTimeout    Duration `toml:"copy_timeout"`
	SweepPageSize  int      `toml:"sweep_page_size"`
	IOMBPS         int      `toml:"io_mbps"`
	BackupKeep     int      `toml:"backup_keep"`
	SweepInterval  Duration `toml:"sweep_interval"`
	BackupInterval Duration `toml:"backup_interval"`
	StagingMaxAge  Duration `toml:"staging_max_age"`
}

// IngestConfig limits uploads.
type IngestConfig struct {
	MaxUploadBytes   int64    `toml:"max_upload_bytes"`
	AllowedMimeTypes []string `toml:"allowed_mime_types"`
}

// Config defines runtime configuration for strata.
type Config struct {
	Root                     string            `toml:"root"`
	DBPath                   string            `toml:"db_path"`
	LogLevel                 string            `toml:"log_level"`
	MetricsAddr              string            `toml:"metrics_addr"`
	Tiers                    TierConfig        `toml:"tiers"`
	Maintenance              MaintenanceConfig `toml:"maintenance"`
	Ingest                   IngestConfig      `toml:"ingest"`
	TrustedProjectConfigPath string            `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		Root:     "",
		DBPath:   "",
		LogLevel: DefaultLogLevel,
		Tiers: TierConfig{
			WarmAfterDays:    DefaultWarmAfterDays,
			ColdAfterDays:    DefaultColdAfterDays,
			ArchiveAfterDays: DefaultArchiveAfterDays,
			MaxAttempts:      DefaultMaxAttempts,
		},
		Maintenance: MaintenanceConfig{
			Workers:        runtime.NumCPU(),
			CopyTimeout:    Duration{DefaultCopyTimeout},
			SweepPageSize:  DefaultSweepPageSize,
			BackupKeep:     DefaultBackupKeep,
			SweepInterval:  Duration{DefaultSweepInterval},
			BackupInterval: Duration{DefaultBackupInterval},
			StagingMaxAge:  Duration{DefaultStagingMaxAge},
		},
		Ingest: IngestConfig{
			MaxUploadBytes: DefaultMaxUploadBytes,
		},
	}
}

// TierRoot is the directory holding the per-tier blob trees.
func (c *Config) TierRoot() string {
	return filepath.Join(c.Root, "tiers")
}

// LockRoot is the directory of lock files shared by every process that
// opens the archive.
func (c *Config) LockRoot() string {
	return filepath.Join(c.Root, "locks")
}

// BackupRoot is the directory holding manifests, snapshots and payload.
func (c *Config) BackupRoot() string {
	return filepath.Join(c.Root, "backups")
}

// Capacity returns the configured per-tier limits, omitting unlimited tiers.
func (c *Config) Capacity() map[models.Tier]int64 {
	out := map[models.Tier]int64{}
	for tier, limit := range map[models.Tier]int64{
		models.TierHot:   c.Tiers.HotCapacityBytes,
		models.TierWarm:  c.Tiers.WarmCapacityBytes,
		models.TierCold:  c.Tiers.ColdCapacityBytes,
		models.TierVault: c.Tiers.VaultCapacityBytes,
	} {
		if limit > 0 {
			out[tier] = limit
		}
	}
	return out
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// WarmAfter is the idle time after which hot files move to warm.
func (c *Config) WarmAfter() time.Duration { return days(c.Tiers.WarmAfterDays) }

// ColdAfter is the idle time after which files move to cold.
func (c *Config) ColdAfter() time.Duration { return days(c.Tiers.ColdAfterDays) }

// ArchiveAfter is the idle time after which memory entries are archived.
func (c *Config) ArchiveAfter() time.Duration { return days(c.Tiers.ArchiveAfterDays) }

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

var allowedKeys = []string{
	"root",
	"db_path",
	"log_level",
	"metrics_addr",
	"tiers.warm_after_days",
	"tiers.cold_after_days",
	"tiers.archive_after_days",
	"tiers.max_attempts",
	"tiers.hot_capacity_bytes",
	"tiers.warm_capacity_bytes",
	"tiers.cold_capacity_bytes",
	"tiers.vault_capacity_bytes",
	"maintenance.workers",
	"maintenance.copy_timeout",
	"maintenance.sweep_page_size",
	"maintenance.io_mbps",
	"maintenance.backup_keep",
	"maintenance.sweep_interval",
	"maintenance.backup_interval",
	"maintenance.staging_max_age",
	"ingest.max_upload_bytes",
	"ingest.allowed_mime_types",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "root":
		return c.Root, nil
	case "db_path":
		return c.DBPath, nil
	case "log_level":
		return c.LogLevel, nil
	case "metrics_addr":
		return c.MetricsAddr, nil
	case "tiers.warm_after_days":
		return strconv.Itoa(c.Tiers.WarmAfterDays), nil
	case "tiers.cold_after_days":
		return strconv.Itoa(c.Tiers.ColdAfterDays), nil
	case "tiers.archive_after_days":
		return strconv.Itoa(c.Tiers.ArchiveAfterDays), nil
	case "tiers.max_attempts":
		return strconv.Itoa(c.Tiers.MaxAttempts), nil
	case "tiers.hot_capacity_bytes":
		return strconv.FormatInt(c.Tiers.HotCapacityBytes, 10), nil
	case "tiers.warm_capacity_bytes":
		return strconv.FormatInt(c.Tiers.WarmCapacityBytes, 10), nil
	case "tiers.cold_capacity_bytes":
		return strconv.FormatInt(c.Tiers.ColdCapacityBytes, 10), nil
	case "tiers.vault_capacity_bytes":
		return strconv.FormatInt(c.Tiers.VaultCapacityBytes, 10), nil
	case "maintenance.workers":
		return strconv.Itoa(c.Maintenance.Workers), nil
	case "maintenance.copy_timeout":
		return c.Maintenance.CopyTimeout.String(), nil
	case "maintenance.sweep_page_size":
		return strconv.Itoa(c.Maintenance.SweepPageSize), nil
	case "maintenance.io_mbps":
		return strconv.Itoa(c.Maintenance.IOMBPS), nil
	case "maintenance.backup_keep":
		return strconv.Itoa(c.Maintenance.BackupKeep), nil
	case "maintenance.sweep_interval":
		return c.Maintenance.SweepInterval.String(), nil
	case "maintenance.backup_interval":
		return c.Maintenance.BackupInterval.String(), nil
	case "maintenance.staging_max_age":
		return c.Maintenance.StagingMaxAge.String(), nil
	case "ingest.max_upload_bytes":
		return strconv.FormatInt(c.Ingest.MaxUploadBytes, 10), nil
	case "ingest.allowed_mime_types":
		return strings.Join(c.Ingest.AllowedMimeTypes, ","), nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, configFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, configFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, configFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	if root := strings.TrimSpace(os.Getenv(rootEnvKey)); root != "" {
		cfg.Root = root
	}
	if dbPath := strings.TrimSpace(os.Getenv(dbEnvKey)); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if raw := strings.TrimSpace(os.Getenv(allowedMimeTypesEnvKey)); raw != "" {
		cfg.Ingest.AllowedMimeTypes = splitCSV(raw)
	}

	if cfg.Root == "" {
		base, err := os.UserHomeDir()
		if err != nil {
			if base, err = os.Getwd(); err != nil {
				return nil, err
			}
		}
		cfg.Root = filepath.Join(base, DefaultRootDirName)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.Root, DefaultDBFileName)
	}

	cfg.normalizeDefaults()

	return &cfg, nil
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "tiers.warm_after_days", "tiers.cold_after_days", "tiers.archive_after_days",
		"tiers.max_attempts", "maintenance.sweep_page_size", "maintenance.backup_keep":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return int64(parsed), nil
	case "maintenance.workers", "maintenance.io_mbps":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%s must be a non-negative integer", key)
		}
		return int64(parsed), nil
	case "ingest.max_upload_bytes":
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "tiers.hot_capacity_bytes", "tiers.warm_capacity_bytes", "tiers.cold_capacity_bytes", "tiers.vault_capacity_bytes":
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%s must be a non-negative integer", key)
		}
		return parsed, nil
	case "maintenance.copy_timeout", "maintenance.sweep_interval", "maintenance.backup_interval", "maintenance.staging_max_age":
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%s must be a duration such as 30m or 24h", key)
		}
		return parsed.String(), nil
	case "log_level":
		if strings.EqualFold(value, "warning") {
			value = "warn"
		}
		return strings.ToLower(value), nil
	case "ingest.allowed_mime_types":
		return splitCSV(value), nil
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func (c *Config) normalizeDefaults() {
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Tiers.WarmAfterDays <= 0 {
		c.Tiers.WarmAfterDays = DefaultWarmAfterDays
	}
	if c.Tiers.ColdAfterDays <= 0 {
		c.Tiers.ColdAfterDays = DefaultColdAfterDays
	}
	if c.Tiers.ArchiveAfterDays <= 0 {
		c.Tiers.ArchiveAfterDays = DefaultArchiveAfterDays
	}
	if c.Tiers.MaxAttempts <= 0 {
		c.Tiers.MaxAttempts = DefaultMaxAttempts
	}
	if c.Maintenance.Workers <= 0 {
		c.Maintenance.Workers = runtime.NumCPU()
	}
	if c.Maintenance.CopyTimeout.Duration <= 0 {
		c.Maintenance.CopyTimeout = Duration{DefaultCopyTimeout}
	}
	if c.Maintenance.SweepPageSize <= 0 {
		c.Maintenance.SweepPageSize = DefaultSweepPageSize
	}
	if c.Maintenance.BackupKeep <= 0 {
		c.Maintenance.BackupKeep = DefaultBackupKeep
	}
	if c.Maintenance.StagingMaxAge.Duration <= 0 {
		c.Maintenance.StagingMaxAge = Duration{DefaultStagingMaxAge}
	}
	if c.Ingest.MaxUploadBytes <= 0 {
		c.Ingest.MaxUploadBytes = DefaultMaxUploadBytes
	}
	c.Ingest.AllowedMimeTypes = normalizeConfiguredMimeTypes(c.Ingest.AllowedMimeTypes)
}

func normalizeConfiguredMimeTypes(rawValues []string) []string {
	if len(rawValues) == 0 {
		return nil
	}
	out := make([]string, 0, len(rawValues))
	seen := map[string]struct{}{}
	for _, raw := range rawValues {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parsed, _, err := mime.ParseMediaType(raw)
		if err != nil {
			continue
		}
		normalized := strings.ToLower(strings.TrimSpace(parsed))
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
