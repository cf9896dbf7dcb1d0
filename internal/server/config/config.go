// Package config loads the server's YAML configuration and fills in defaults
// for any section or field the document omits. Missing nested sections are
// created empty and then defaulted, so a minimal config file is always valid.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sysmanage/sysmanage-server/common/environment"
)

// Config is the root of the YAML document described in the deployment guide.
type Config struct {
	API          API          `yaml:"api"`
	WebUI        WebUI        `yaml:"webui"`
	Database     Database     `yaml:"database"`
	Security     Security     `yaml:"security"`
	Monitoring   Monitoring   `yaml:"monitoring"`
	Logging      Logging      `yaml:"logging"`
	MessageQueue MessageQueue `yaml:"message_queue"`
	Email        Email        `yaml:"email"`
	Vault        Vault        `yaml:"vault"`
	Discovery    Discovery    `yaml:"discovery"`
	CVE          CVE          `yaml:"cve"`
}

// API configures the agent-facing listener.
type API struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	UseSSL   bool   `yaml:"use_ssl"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// CAFile and CAKeyFile hold the client-certificate CA used to issue
	// per-host certificates on approval. When the files do not exist a CA is
	// generated and written there on first start.
	CAFile    string `yaml:"ca_file"`
	CAKeyFile string `yaml:"ca_key_file"`
}

// WebUI describes the operator UI coordinates advertised by discovery.
type WebUI struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Database points at the SQLite file backing the persistence store.
type Database struct {
	Path string `yaml:"path"`
}

// Security holds the process-wide secrets and lockout policy.
type Security struct {
	JWTSecret              string `yaml:"jwt_secret"`
	PasswordSalt           string `yaml:"password_salt"`
	MasterKey              string `yaml:"master_key"`
	MaxFailedLogins        int    `yaml:"max_failed_logins"`
	AccountLockoutDuration int    `yaml:"account_lockout_duration"` // minutes
}

// Monitoring controls liveness detection for managed hosts.
type Monitoring struct {
	HeartbeatTimeout int `yaml:"heartbeat_timeout"` // minutes
}

// Logging selects the slog level and format.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// MessageQueue tunes queue expiry and cleanup cadence.
type MessageQueue struct {
	ExpirationTimeoutMinutes int `yaml:"expiration_timeout_minutes"`
	CleanupIntervalMinutes   int `yaml:"cleanup_interval_minutes"`
}

// Email configures the outbound SMTP mailer.
type Email struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	FromAddress string `yaml:"from_address"`
	Encryption  string `yaml:"encryption"` // "none", "starttls", "ssl"
}

// Vault points at the external KV v2 secret store.
type Vault struct {
	Enabled   bool          `yaml:"enabled"`
	URL       string        `yaml:"url"`
	Token     string        `yaml:"token"`
	MountPath string        `yaml:"mount_path"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Discovery configures the UDP discovery beacon.
type Discovery struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	// Announce enables the best-effort startup broadcast.
	Announce bool `yaml:"announce"`
}

// CVE configures the vulnerability refresh scheduler.
type CVE struct {
	Enabled              bool   `yaml:"enabled"`
	RefreshIntervalHours int    `yaml:"refresh_interval_hours"`
	NVDAPIKey            string `yaml:"nvd_api_key"`
}

// Load reads the YAML document at path, applies defaults, then applies
// environment overrides for the deployment-sensitive fields. A missing file
// is not an error: the defaults alone form a working development config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to defaults
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnvironment()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8443
	}
	if c.WebUI.Host == "" {
		c.WebUI.Host = "localhost"
	}
	if c.WebUI.Port == 0 {
		c.WebUI.Port = 8080
	}
	if c.Database.Path == "" {
		c.Database.Path = "./sysmanage.db"
	}
	if c.Security.MaxFailedLogins == 0 {
		c.Security.MaxFailedLogins = 5
	}
	if c.Security.AccountLockoutDuration == 0 {
		c.Security.AccountLockoutDuration = 15
	}
	if c.Monitoring.HeartbeatTimeout == 0 {
		c.Monitoring.HeartbeatTimeout = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.MessageQueue.ExpirationTimeoutMinutes == 0 {
		c.MessageQueue.ExpirationTimeoutMinutes = 60
	}
	if c.MessageQueue.CleanupIntervalMinutes == 0 {
		c.MessageQueue.CleanupIntervalMinutes = 30
	}
	if c.Email.Port == 0 {
		c.Email.Port = 587
	}
	if c.Email.Encryption == "" {
		c.Email.Encryption = "starttls"
	}
	if c.Vault.MountPath == "" {
		c.Vault.MountPath = "secret"
	}
	if c.Vault.Timeout == 0 {
		c.Vault.Timeout = 30 * time.Second
	}
	if c.Discovery.BindAddress == "" {
		c.Discovery.BindAddress = "127.0.0.1"
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = 31337
	}
	if c.CVE.RefreshIntervalHours == 0 {
		c.CVE.RefreshIntervalHours = 24
	}
}

// applyEnvironment overrides the fields an operator most commonly injects at
// deploy time instead of writing into the config file.
func (c *Config) applyEnvironment() {
	c.Database.Path = environment.StringOr("SYSMANAGE_DATABASE_PATH", c.Database.Path)
	c.Security.JWTSecret = environment.StringOr("SYSMANAGE_JWT_SECRET", c.Security.JWTSecret)
	c.Security.PasswordSalt = environment.StringOr("SYSMANAGE_PASSWORD_SALT", c.Security.PasswordSalt)
	c.Security.MasterKey = environment.StringOr("SYSMANAGE_MASTER_KEY", c.Security.MasterKey)
	c.Vault.URL = environment.StringOr("SYSMANAGE_VAULT_URL", c.Vault.URL)
	c.Vault.Token = environment.StringOr("SYSMANAGE_VAULT_TOKEN", c.Vault.Token)
	c.Email.Password = environment.StringOr("SYSMANAGE_SMTP_PASSWORD", c.Email.Password)
	c.CVE.NVDAPIKey = environment.StringOr("SYSMANAGE_NVD_API_KEY", c.CVE.NVDAPIKey)
	c.API.Port = environment.IntOr("SYSMANAGE_API_PORT", c.API.Port)
	c.Discovery.Enabled = environment.BoolOr("SYSMANAGE_DISCOVERY_ENABLED", c.Discovery.Enabled)
}

// Validate checks the invariants a running server depends on.
func (c *Config) Validate() error {
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required")
	}
	if c.Security.PasswordSalt == "" {
		return fmt.Errorf("security.password_salt is required")
	}
	if c.Vault.Enabled && c.Vault.URL == "" {
		return fmt.Errorf("vault.url is required when vault is enabled")
	}
	if c.Email.Enabled && c.Email.Host == "" {
		return fmt.Errorf("email.host is required when email is enabled")
	}
	switch c.Email.Encryption {
	case "none", "starttls", "ssl":
	default:
		return fmt.Errorf("email.encryption must be none, starttls, or ssl; got %q", c.Email.Encryption)
	}
	return nil
}

// HeartbeatTimeout returns the liveness cutoff as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Monitoring.HeartbeatTimeout) * time.Minute
}

// QueueExpiration returns the queue entry retention as a duration.
func (c *Config) QueueExpiration() time.Duration {
	return time.Duration(c.MessageQueue.ExpirationTimeoutMinutes) * time.Minute
}

// QueueCleanupInterval returns the cleanup loop cadence as a duration.
func (c *Config) QueueCleanupInterval() time.Duration {
	return time.Duration(c.MessageQueue.CleanupIntervalMinutes) * time.Minute
}

// LockoutDuration returns the account lockout window as a duration.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Security.AccountLockoutDuration) * time.Minute
}
