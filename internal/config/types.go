package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the complete fleetwatch configuration. A loaded *Config is a
// snapshot: nothing mutates it after Load returns.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Probe    ProbeConfig    `yaml:"probe"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Apprise  AppriseConfig  `yaml:"apprise"`
	Auth     AuthConfig     `yaml:"auth"`
	Backup   BackupConfig   `yaml:"backup"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig controls the management API listener.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// Listen returns the host:port the API binds to.
func (s ServerConfig) Listen() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`        // "sqlite", "mysql" or "postgres"
	Path   string `yaml:"path"`          // sqlite file
	DSN    string `yaml:"dsn,omitempty"` // mysql / postgres connection string
}

// MonitorConfig drives the scheduling loop.
type MonitorConfig struct {
	Interval             time.Duration `yaml:"interval"`
	Cooldown             time.Duration `yaml:"cooldown"`
	Concurrency          int           `yaml:"concurrency"`
	UnreachableThreshold int           `yaml:"unreachable_threshold"`
}

// ProbeConfig tunes the device API prober.
type ProbeConfig struct {
	APIPort      int           `yaml:"api_port"`
	Timeout      time.Duration `yaml:"timeout"`
	TestCacheTTL time.Duration `yaml:"test_cache_ttl"`
}

// SMTPConfig is the email transport for alerts.
type SMTPConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	PasswordEnv  string `yaml:"password_env"`
	From         string `yaml:"from,omitempty"`
	AdminCopy    bool   `yaml:"admin_copy"`
	AdminAddress string `yaml:"admin_address,omitempty"`

	// Password is resolved from PasswordEnv at load time.
	Password string `yaml:"-"`
}

// Configured reports whether enough is set to attempt a send.
func (s SMTPConfig) Configured() bool {
	return s.Host != "" && s.Port > 0 && s.Username != "" && s.Password != ""
}

// Sender returns the envelope/header sender address.
func (s SMTPConfig) Sender() string {
	if s.From != "" {
		return s.From
	}
	return s.Username
}

// AdminRecipient returns where the technical copy goes.
func (s SMTPConfig) AdminRecipient() string {
	if s.AdminAddress != "" {
		return s.AdminAddress
	}
	return s.Sender()
}

// AppriseConfig is an optional second alert channel through an Apprise API.
type AppriseConfig struct {
	APIURL        string `yaml:"api_url,omitempty"`
	ServiceURLEnv string `yaml:"service_url_env,omitempty"`

	ServiceURL string `yaml:"-"`
}

// Enabled reports whether alerts should also go to Apprise.
func (a AppriseConfig) Enabled() bool {
	return a.APIURL != "" && a.ServiceURL != ""
}

// AuthConfig controls admin login for the management API.
type AuthConfig struct {
	AdminUsername    string        `yaml:"admin_username"`
	AdminPasswordEnv string        `yaml:"admin_password_env"`
	JWTSecretEnv     string        `yaml:"jwt_secret_env"`
	TokenTTL         time.Duration `yaml:"token_ttl"`

	AdminPassword string `yaml:"-"`
	JWTSecret     string `yaml:"-"`
}

// BackupConfig controls the sqlite backup tooling.
type BackupConfig struct {
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`
}

// LogConfig sets the default log level; --log-level wins when given.
type LogConfig struct {
	Level string `yaml:"level"`
}
