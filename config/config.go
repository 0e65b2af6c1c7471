// =============================================================================
// Roster Engine - Configuration
// =============================================================================
//
// Settings are resolved in this order, later sources winning:
//   1. Built-in defaults (Default)
//   2. YAML file (roster.yaml), if given
//   3. .env file, loaded into the process environment if present
//   4. ROSTER_* environment variables
//   5. Command-line flags (applied by the commands themselves)
//
// =============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/warp/roster-engine/roster"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROSTER_"

// =============================================================================
// CONFIGURATION STRUCTURE
// =============================================================================

type Config struct {
	// DatabasePath is the SQLite file. ":memory:" for a throwaway store.
	DatabasePath string `yaml:"database_path"`

	// Port the HTTP server listens on.
	Port int `yaml:"port"`

	Log    LogConfig    `yaml:"log"`
	Import ImportConfig `yaml:"import"`
	Inbox  InboxConfig  `yaml:"inbox"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level"`
	// Format: text or json
	Format string `yaml:"format"`
}

// ImportConfig tunes the reconciliation engine.
type ImportConfig struct {
	HeaderScanRows  int           `yaml:"header_scan_rows"`
	SyntheticPrefix string        `yaml:"synthetic_prefix"`
	MaxKeyAttempts  int           `yaml:"max_key_attempts"`
	EmailDomain     string        `yaml:"email_domain"`
	BcryptCost      int           `yaml:"bcrypt_cost"`
	TxMaxWait       time.Duration `yaml:"tx_max_wait"`
	TxTimeout       time.Duration `yaml:"tx_timeout"`

	// MaxUploadBytes bounds multipart uploads on the HTTP endpoint.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// InboxConfig drives the directory-polling importer.
// Files are moved to ArchiveDir once committed and to FailedDir when the
// file itself is unusable.
type InboxConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Dir          string        `yaml:"dir"`
	ArchiveDir   string        `yaml:"archive_dir"`
	FailedDir    string        `yaml:"failed_dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DatabasePath: "roster.db",
		Port:         8080,
		Log:          LogConfig{Level: "info", Format: "text"},
		Import: ImportConfig{
			HeaderScanRows:  roster.DefaultHeaderScanRows,
			SyntheticPrefix: roster.DefaultSyntheticPrefix,
			MaxKeyAttempts:  roster.DefaultMaxAttempts,
			EmailDomain:     roster.DefaultEmailDomain,
			BcryptCost:      roster.DefaultCredentialCost,
			TxMaxWait:       roster.DefaultTxOptions.MaxWait,
			TxTimeout:       roster.DefaultTxOptions.Timeout,
			MaxUploadBytes:  32 << 20,
		},
		Inbox: InboxConfig{
			Dir:          "./inbox",
			ArchiveDir:   "./inbox/archive",
			FailedDir:    "./inbox/failed",
			PollInterval: time.Minute,
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load resolves the configuration from defaults, the YAML file at path
// (skipped when empty), the .env file and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides fields from ROSTER_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("DATABASE_PATH", &c.DatabasePath)
	num("PORT", &c.Port)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	num("HEADER_SCAN_ROWS", &c.Import.HeaderScanRows)
	str("SYNTHETIC_PREFIX", &c.Import.SyntheticPrefix)
	str("EMAIL_DOMAIN", &c.Import.EmailDomain)
	num("BCRYPT_COST", &c.Import.BcryptCost)
	dur("TX_MAX_WAIT", &c.Import.TxMaxWait)
	dur("TX_TIMEOUT", &c.Import.TxTimeout)
	str("INBOX_DIR", &c.Inbox.Dir)
	str("ARCHIVE_DIR", &c.Inbox.ArchiveDir)
	str("FAILED_DIR", &c.Inbox.FailedDir)
	dur("POLL_INTERVAL", &c.Inbox.PollInterval)

	if v, ok := lookup(EnvPrefix + "INBOX_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sINBOX_ENABLED: %w", EnvPrefix, err))
		} else {
			c.Inbox.Enabled = b
		}
	}
	return errors.Join(errs...)
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log format %q: want text or json", c.Log.Format))
	}
	if c.Import.HeaderScanRows <= 0 {
		errs = append(errs, errors.New("import.header_scan_rows must be positive"))
	}
	if p := c.Import.SyntheticPrefix; p == "" || roster.CleanContact(p) != p {
		errs = append(errs, fmt.Errorf("import.synthetic_prefix %q must be digits", p))
	}
	if c.Import.BcryptCost < bcrypt.MinCost || c.Import.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("import.bcrypt_cost %d out of range", c.Import.BcryptCost))
	}
	if c.Import.TxMaxWait < 0 || c.Import.TxTimeout < 0 {
		errs = append(errs, errors.New("transaction limits must not be negative"))
	}
	if c.Inbox.Enabled {
		if c.Inbox.Dir == "" || c.Inbox.ArchiveDir == "" || c.Inbox.FailedDir == "" {
			errs = append(errs, errors.New("inbox dir, archive_dir and failed_dir are required when the inbox is enabled"))
		}
		if c.Inbox.PollInterval <= 0 {
			errs = append(errs, errors.New("inbox.poll_interval must be positive"))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// DERIVED SETTINGS
// =============================================================================

// TxOptions returns the batch transaction limits.
func (c *Config) TxOptions() roster.TxOptions {
	return roster.TxOptions{MaxWait: c.Import.TxMaxWait, Timeout: c.Import.TxTimeout}
}

// NewReconciler builds a Reconciler over store with these settings.
func (c *Config) NewReconciler(store roster.TxStore, logger *slog.Logger) *roster.Reconciler {
	resolver := roster.NewResolver(nil)
	resolver.SyntheticPrefix = c.Import.SyntheticPrefix
	if c.Import.MaxKeyAttempts > 0 {
		resolver.MaxAttempts = c.Import.MaxKeyAttempts
	}

	rec := roster.NewReconciler(store, resolver)
	rec.Credentials = roster.BcryptCredential(c.Import.BcryptCost)
	rec.Options = roster.Options{
		HeaderScanRows: c.Import.HeaderScanRows,
		Tx:             c.TxOptions(),
		EmailDomain:    c.Import.EmailDomain,
	}
	if logger != nil {
		rec.Logger = logger
	}
	return rec
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

// NewLogger builds the process logger writing to stderr.
func (c *Config) NewLogger() *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
