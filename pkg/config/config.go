package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/timeplus-io/fw-alert-gateway/pkg/validation"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig                `mapstructure:"server"`
	Database    DatabaseConfig              `mapstructure:"database"`
	Timeplus    TimeplusConfig              `mapstructure:"timeplus"`
	History     HistoryConfig               `mapstructure:"history"`
	Poller      PollerConfig                `mapstructure:"poller"`
	Sources     []SourceConfig              `mapstructure:"sources" validate:"dive"`
	Credentials map[string]CredentialConfig `mapstructure:"credentials"`
	Thresholds  []ThresholdConfig           `mapstructure:"thresholds" validate:"dive"`
	Alerts      AlertsConfig                `mapstructure:"alerts"`
	SMTP        SMTPConfig                  `mapstructure:"smtp"`
	Notify      NotifyConfig                `mapstructure:"notify"`
	Remediation RemediationConfig           `mapstructure:"remediation"`
	Retention   RetentionConfig             `mapstructure:"retention"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port            string `mapstructure:"port" validate:"required"`
	AllowedOrigins  string `mapstructure:"allowedOrigins"`
	ShutdownTimeout int    `mapstructure:"shutdownTimeout" validate:"gte=0"`
}

// DatabaseConfig points at the sqlite file holding alerts and history
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// TimeplusConfig holds the Timeplus connection configuration
type TimeplusConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	Username  string `mapstructure:"username"`
	Workspace string `mapstructure:"workspace"`
}

// HistoryConfig selects the history backend and its query cache
type HistoryConfig struct {
	Backend      string        `mapstructure:"backend" validate:"oneof=sqlite timeplus"`
	CacheTTL     time.Duration `mapstructure:"cacheTTL" validate:"gte=0"`
	CacheEntries int64         `mapstructure:"cacheEntries" validate:"gte=0"`
}

// PollerConfig controls the poll loop
type PollerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval" validate:"gt=0"`
	FetchTimeout time.Duration `mapstructure:"fetchTimeout" validate:"gt=0"`
	Workers      int           `mapstructure:"workers" validate:"gte=1"`
}

// SourceConfig registers one firewall to poll
type SourceConfig struct {
	Name          string            `mapstructure:"name"`
	Vendor        string            `mapstructure:"vendor" validate:"required,oneof=palo_alto fortigate unifi"`
	Hostname      string            `mapstructure:"hostname" validate:"required"`
	CredentialRef string            `mapstructure:"credentialRef" validate:"required"`
	Params        map[string]string `mapstructure:"params"`
}

// CredentialConfig is one entry of the credential repository.
// Values of the form ${VAR} are read from the environment.
type CredentialConfig struct {
	Token    string `mapstructure:"token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ThresholdConfig is one threshold rule
type ThresholdConfig struct {
	MetricType string  `mapstructure:"metricType" validate:"required"`
	Comparator string  `mapstructure:"comparator" validate:"required,oneof=> >= < <= =="`
	Value      float64 `mapstructure:"value"`
	Severity   string  `mapstructure:"severity" validate:"required,oneof=critical warning info"`
}

// AlertsConfig holds lifecycle policy knobs
type AlertsConfig struct {
	Cooldown                time.Duration `mapstructure:"cooldown" validate:"gte=0"`
	AllowReacknowledgeNotes bool          `mapstructure:"allowReacknowledgeNotes"`
	AllowResolveNotes       bool          `mapstructure:"allowResolveNotes"`
}

// SMTPConfig holds the outbound mail transport settings
type SMTPConfig struct {
	Server     string `mapstructure:"server"`
	Port       int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	From       string `mapstructure:"from"`
	AdminEmail string `mapstructure:"adminEmail"`
}

// NotifyConfig sizes the asynchronous notification queue
type NotifyConfig struct {
	QueueSize     int           `mapstructure:"queueSize" validate:"gte=1"`
	RatePerSecond float64       `mapstructure:"ratePerSecond" validate:"gt=0"`
	Burst         int           `mapstructure:"burst" validate:"gte=1"`
	SendTimeout   time.Duration `mapstructure:"sendTimeout" validate:"gt=0"`
}

// RemediationConfig controls OS-level actions
type RemediationConfig struct {
	CommandTimeout time.Duration     `mapstructure:"commandTimeout" validate:"gt=0"`
	Services       map[string]string `mapstructure:"services"`
}

// RetentionConfig controls the history purge job
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	MaxAge   time.Duration `mapstructure:"maxAge" validate:"gte=0"`
}

// LoadConfig loads the application configuration from file or environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Allow environment variables to override config file
	v.SetEnvPrefix("FW_ALERT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Mail settings keep the names operators already export
	_ = v.BindEnv("smtp.server", "FW_ALERT_SMTP_SERVER", "SMTP_SERVER")
	_ = v.BindEnv("smtp.port", "FW_ALERT_SMTP_PORT", "SMTP_PORT")
	_ = v.BindEnv("smtp.username", "FW_ALERT_SMTP_USERNAME", "SMTP_USERNAME")
	_ = v.BindEnv("smtp.password", "FW_ALERT_SMTP_PASSWORD", "SMTP_PASSWORD")
	_ = v.BindEnv("smtp.adminEmail", "FW_ALERT_SMTP_ADMINEMAIL", "ADMIN_EMAIL")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			logrus.Warnf("Error reading config file: %v", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	config.expandCredentials()
	// viper lowercases map keys, so references are matched case-insensitively
	for i := range config.Sources {
		config.Sources[i].CredentialRef = strings.ToLower(config.Sources[i].CredentialRef)
	}
	if config.SMTP.From == "" {
		config.SMTP.From = config.SMTP.Username
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowedOrigins", "*")
	v.SetDefault("server.shutdownTimeout", 10)

	v.SetDefault("database.path", "data/fw-alert-gateway.db")

	v.SetDefault("timeplus.enabled", false)
	v.SetDefault("timeplus.address", "localhost:8464")
	v.SetDefault("timeplus.username", "default")
	v.SetDefault("timeplus.password", "")
	v.SetDefault("timeplus.workspace", "default")

	v.SetDefault("history.backend", "sqlite")
	v.SetDefault("history.cacheTTL", 30*time.Second)
	v.SetDefault("history.cacheEntries", 10000)

	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.interval", 60*time.Second)
	v.SetDefault("poller.fetchTimeout", 15*time.Second)
	v.SetDefault("poller.workers", 8)

	v.SetDefault("alerts.cooldown", time.Duration(0))
	v.SetDefault("alerts.allowReacknowledgeNotes", false)
	v.SetDefault("alerts.allowResolveNotes", false)

	v.SetDefault("smtp.server", "smtp.gmail.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.adminEmail", "")

	v.SetDefault("notify.queueSize", 100)
	v.SetDefault("notify.ratePerSecond", 1.0)
	v.SetDefault("notify.burst", 5)
	v.SetDefault("notify.sendTimeout", 30*time.Second)

	v.SetDefault("remediation.commandTimeout", 30*time.Second)

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.schedule", "@daily")
	v.SetDefault("retention.maxAge", 30*24*time.Hour)
}

// Validate checks struct constraints and cross-references between sections
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}
	for i, src := range c.Sources {
		if _, ok := c.Credentials[src.CredentialRef]; !ok {
			return fmt.Errorf("sources[%d] (%s): unknown credentialRef %q", i, src.Hostname, src.CredentialRef)
		}
	}
	if c.History.Backend == "timeplus" && !c.Timeplus.Enabled {
		return fmt.Errorf("history.backend is timeplus but timeplus.enabled is false")
	}
	return nil
}

func (c *Config) expandCredentials() {
	for ref, cred := range c.Credentials {
		cred.Token = expandEnv(cred.Token)
		cred.Username = expandEnv(cred.Username)
		cred.Password = expandEnv(cred.Password)
		c.Credentials[ref] = cred
	}
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}
