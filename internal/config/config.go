// Package config handles loading and managing sheetvault configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	BackendSupabase = "supabase"
	BackendS3       = "s3"
	BackendFS       = "fs"
	BackendMemory   = "memory"
)

// Credential store backends.
const (
	CredentialsSQLite  = "sqlite"
	CredentialsKeyring = "keyring"
)

// DefaultBucket matches the bucket the original deployment wrote to.
const DefaultBucket = "attachments"

// Config represents the sheetvault configuration.
type Config struct {
	Data        DataConfig        `toml:"data"`
	OAuth       OAuthConfig       `toml:"oauth"`
	Sync        SyncConfig        `toml:"sync"`
	Storage     StorageConfig     `toml:"storage"`
	Credentials CredentialsConfig `toml:"credentials"`
	Server      ServerConfig      `toml:"server"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	configPath string
}

// DataConfig holds local data configuration.
type DataConfig struct {
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"database_url"`
}

// OAuthConfig holds OAuth configuration.
type OAuthConfig struct {
	ClientSecrets string `toml:"client_secrets"`
	RedirectURL   string `toml:"redirect_url"`   // e.g. https://host/oauth2callback
	VerifyIDToken bool   `toml:"verify_id_token"` // resolve identity from the OIDC ID token
}

// SyncConfig holds ingestion settings.
type SyncConfig struct {
	Interval     time.Duration `toml:"interval"`
	Schedule     string        `toml:"schedule"` // cron expression, overrides interval
	Concurrency  int           `toml:"concurrency"`
	Since        string        `toml:"since"` // YYYY-MM-DD or RFC 3339; initial window start
	Query        string        `toml:"query"` // extra Gmail search terms
	Extensions   []string      `toml:"extensions"`
	Dedup        string        `toml:"dedup"`
	RateLimitQPS float64       `toml:"rate_limit_qps"`
}

// StorageConfig selects and configures the blob store.
type StorageConfig struct {
	Backend       string         `toml:"backend"`
	Bucket        string         `toml:"bucket"`
	PublicBaseURL string         `toml:"public_base_url"`
	Dir           string         `toml:"dir"` // fs backend root
	Supabase      SupabaseConfig `toml:"supabase"`
	S3            S3Config       `toml:"s3"`
	Breaker       BreakerConfig  `toml:"breaker"`
}

// SupabaseConfig configures the Supabase Storage backend.
type SupabaseConfig struct {
	URL string `toml:"url"`
	Key string `toml:"key"`
}

// S3Config configures the S3-compatible backend. Credentials fall back to
// the AWS SDK's default chain when empty.
type S3Config struct {
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UsePathStyle    bool   `toml:"use_path_style"`
}

// BreakerConfig configures the circuit breaker around the blob store.
type BreakerConfig struct {
	Enabled             bool          `toml:"enabled"`
	ConsecutiveFailures uint32        `toml:"consecutive_failures"`
	OpenTimeout         time.Duration `toml:"open_timeout"`
}

// CredentialsConfig selects where credential records live.
type CredentialsConfig struct {
	Backend         string `toml:"backend"`
	KeyringService  string `toml:"keyring_service"`
	KeyringPassword string `toml:"keyring_password"` // encrypted-file fallback only
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	APIPort   int    `toml:"api_port"`   // HTTP server port (default: 8080)
	BindAddr  string `toml:"bind_addr"`  // default 127.0.0.1
	APIKey    string `toml:"api_key"`    // admin API authentication key
	SecretKey string `toml:"secret_key"` // signs session and state cookies
}

// DefaultHome returns the default sheetvault home directory.
// Respects SHEETVAULT_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("SHEETVAULT_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sheetvault"
	}
	return filepath.Join(home, ".sheetvault")
}

// NewDefaultConfig returns a configuration with default values.
func NewDefaultConfig() *Config {
	return newConfig(DefaultHome())
}

func newConfig(homeDir string) *Config {
	return &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		Sync: SyncConfig{
			Interval:     5 * time.Minute,
			Concurrency:  1,
			Query:        "in:inbox",
			Extensions:   []string{"csv", "xls", "xlsx"},
			Dedup:        "none",
			RateLimitQPS: 5,
		},
		Storage: StorageConfig{
			Backend: BackendFS,
			Bucket:  DefaultBucket,
			Breaker: BreakerConfig{
				ConsecutiveFailures: 3,
				OpenTimeout:         30 * time.Second,
			},
		},
		Credentials: CredentialsConfig{
			Backend:        CredentialsSQLite,
			KeyringService: "sheetvault",
		},
		Server: ServerConfig{
			APIPort:  8080,
			BindAddr: "127.0.0.1",
		},
	}
}

// Load reads the configuration. An explicit path must exist; otherwise
// config.toml in homeDir (or DefaultHome) is optional. A .env file next to
// the config and in the working directory is loaded without overriding the
// real environment, then environment overrides are applied.
func Load(path, homeDir string) (*Config, error) {
	explicit := path != ""
	if homeDir != "" {
		homeDir = expandPath(homeDir)
	} else if explicit {
		homeDir = filepath.Dir(expandPath(path))
	} else {
		homeDir = DefaultHome()
	}
	if !explicit {
		path = filepath.Join(homeDir, "config.toml")
	}
	path = expandPath(path)

	cfg := newConfig(homeDir)
	cfg.configPath = path

	backendSet := false
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	} else {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, decodeError(err)
		}
		backendSet = md.IsDefined("storage", "backend")
	}

	if err := loadDotEnv(filepath.Join(homeDir, ".env"), ".env"); err != nil {
		return nil, err
	}
	cfg.applyEnv(backendSet)

	// Relative paths resolve against the config directory.
	base := filepath.Dir(path)
	cfg.Data.DataDir = resolvePath(base, cfg.Data.DataDir)
	cfg.OAuth.ClientSecrets = resolvePath(base, cfg.OAuth.ClientSecrets)
	cfg.Storage.Dir = resolvePath(base, cfg.Storage.Dir)

	return cfg, nil
}

// decodeError adds a hint for the most common TOML mistake: Windows paths
// in double-quoted strings.
func decodeError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "invalid escape") || strings.Contains(msg, "hexadecimal digits") {
		return fmt.Errorf("decode config: %w\nhint: use forward slashes (C:/path) or single quotes ('C:\\path') for Windows paths", err)
	}
	return fmt.Errorf("decode config: %w", err)
}

// loadDotEnv loads the files that exist. godotenv never overrides variables
// already present in the environment.
func loadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// applyEnv applies the deployment environment variables on top of the file.
// SUPABASE_URL selects the supabase backend unless one was chosen
// explicitly.
func (c *Config) applyEnv(backendSet bool) {
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Storage.Supabase.URL = v
		if !backendSet {
			c.Storage.Backend = BackendSupabase
		}
	}
	if v := os.Getenv("SUPABASE_KEY"); v != "" {
		c.Storage.Supabase.Key = v
	}
	if v := os.Getenv("SHEETVAULT_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Data.DatabaseURL = v
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		c.Server.SecretKey = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRETS"); v != "" {
		c.OAuth.ClientSecrets = v
	}
	if v := os.Getenv("SHEETVAULT_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
}

// Validate checks settings that would otherwise fail deep inside a sweep.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendSupabase:
		if c.Storage.Supabase.URL == "" || c.Storage.Supabase.Key == "" {
			errs = append(errs, errors.New("storage: supabase backend needs url and key (SUPABASE_URL, SUPABASE_KEY)"))
		}
	case BackendS3:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage: s3 backend needs a bucket"))
		}
	case BackendFS, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage: unknown backend %q (want supabase, s3, fs or memory)", c.Storage.Backend))
	}
	switch c.Credentials.Backend {
	case CredentialsSQLite, CredentialsKeyring:
	default:
		errs = append(errs, fmt.Errorf("credentials: unknown backend %q (want sqlite or keyring)", c.Credentials.Backend))
	}
	switch strings.ToLower(c.Sync.Dedup) {
	case "", "none", "content-hash", "message-key":
	default:
		errs = append(errs, fmt.Errorf("sync: unknown dedup policy %q", c.Sync.Dedup))
	}
	if c.Sync.Schedule == "" && c.Sync.Interval < time.Second {
		errs = append(errs, fmt.Errorf("sync: interval %v is too short", c.Sync.Interval))
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("sync: concurrency must be at least 1, got %d", c.Sync.Concurrency))
	}
	if len(c.Sync.Extensions) == 0 {
		errs = append(errs, errors.New("sync: extensions must not be empty"))
	}
	if _, err := c.InitialSince(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// InitialSince parses [sync] since. Empty means all history.
func (c *Config) InitialSince() (time.Time, error) {
	s := strings.TrimSpace(c.Sync.Since)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sync: since %q is neither YYYY-MM-DD nor RFC 3339", s)
	}
	return t.UTC(), nil
}

// ConfigFilePath returns the path the configuration was loaded from (or
// would be, when the file does not exist).
func (c *Config) ConfigFilePath() string {
	if c.configPath != "" {
		return c.configPath
	}
	return filepath.Join(c.HomeDir, "config.toml")
}

// DatabaseDSN returns the SQLite database path or URL.
func (c *Config) DatabaseDSN() string {
	if c.Data.DatabaseURL != "" {
		return c.Data.DatabaseURL
	}
	return filepath.Join(c.Data.DataDir, "sheetvault.db")
}

// FilesDir returns the fs backend root.
func (c *Config) FilesDir() string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	return filepath.Join(c.Data.DataDir, "files")
}

// KeyringDir returns the directory for the keyring's encrypted-file fallback.
func (c *Config) KeyringDir() string {
	return filepath.Join(c.Data.DataDir, "keyring")
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddr, c.Server.APIPort)
}

// resolvePath expands ~ and makes relative paths absolute against base.
func resolvePath(base, path string) string {
	path = expandPath(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
