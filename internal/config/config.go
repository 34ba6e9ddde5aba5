package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// CRM authentication modes.
const (
	AuthModePassword = "password"
	AuthModeJWT      = "jwt"
	AuthModeToken    = "token"
)

// CRM load modes.
const (
	LoadModeREST       = "rest"
	LoadModeCollection = "collection"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Port     string `mapstructure:"PORT"`

	EHRBaseURL      string        `mapstructure:"EHR_BASE_URL"`
	OrganizationID  string        `mapstructure:"HAPI_ORG_ID"`
	EHRPageSize     int           `mapstructure:"EHR_PAGE_SIZE"`
	EHRTimeout      time.Duration `mapstructure:"EHR_TIMEOUT"`
	EHRRateLimitRPS float64       `mapstructure:"EHR_RATE_LIMIT_RPS"`
	EHRConcurrency  int           `mapstructure:"EHR_CONCURRENCY"`

	CRMLoginURL        string        `mapstructure:"CRM_LOGIN_URL"`
	CRMInstanceURL     string        `mapstructure:"CRM_INSTANCE_URL"`
	CRMAPIVersion      string        `mapstructure:"CRM_API_VERSION"`
	CRMAuthMode        string        `mapstructure:"CRM_AUTH_MODE"`
	CRMClientID        string        `mapstructure:"CRM_CLIENT_ID"`
	CRMClientSecret    string        `mapstructure:"CRM_CLIENT_SECRET"`
	CRMUsername        string        `mapstructure:"CRM_USERNAME"`
	CRMPassword        string        `mapstructure:"CRM_PASSWORD"`
	CRMSecurityToken   string        `mapstructure:"CRM_SECURITY_TOKEN"`
	CRMPrivateKeyFile  string        `mapstructure:"CRM_PRIVATE_KEY_FILE"`
	CRMAccessToken     string        `mapstructure:"CRM_ACCESS_TOKEN"`
	CRMCredentialsFile string        `mapstructure:"CRM_CREDENTIALS_FILE"`
	CRMTimeout         time.Duration `mapstructure:"CRM_TIMEOUT"`
	CRMRateLimitRPS    float64       `mapstructure:"CRM_RATE_LIMIT_RPS"`
	CRMLoadMode        string        `mapstructure:"CRM_LOAD_MODE"`
	CRMCatalogFile     string        `mapstructure:"CRM_CATALOG_FILE"`

	HTTPRetryCount int `mapstructure:"HTTP_RETRY_COUNT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	ArchiveEndpoint  string `mapstructure:"ARCHIVE_ENDPOINT"`
	ArchiveAccessKey string `mapstructure:"ARCHIVE_ACCESS_KEY"`
	ArchiveSecretKey string `mapstructure:"ARCHIVE_SECRET_KEY"`
	ArchiveBucket    string `mapstructure:"ARCHIVE_BUCKET"`
	ArchiveUseSSL    bool   `mapstructure:"ARCHIVE_USE_SSL"`

	NotifyWebhookURL    string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookSecret string `mapstructure:"NOTIFY_WEBHOOK_SECRET"`
}

var defaults = map[string]interface{}{
	"ENV":                "development",
	"LOG_LEVEL":          "info",
	"PORT":               "8080",
	"EHR_BASE_URL":       "https://hapi.fhir.org/baseR4",
	"EHR_PAGE_SIZE":      50,
	"EHR_TIMEOUT":        "30s",
	"EHR_RATE_LIMIT_RPS": 10,
	"EHR_CONCURRENCY":    4,
	"CRM_LOGIN_URL":      "https://login.salesforce.com",
	"CRM_API_VERSION":    "59.0",
	"CRM_AUTH_MODE":      AuthModePassword,
	"CRM_TIMEOUT":        "60s",
	"CRM_RATE_LIMIT_RPS": 5,
	"CRM_LOAD_MODE":      LoadModeREST,
	"HTTP_RETRY_COUNT":   3,
	"DB_MAX_CONNS":       10,
	"DB_MIN_CONNS":       1,
	"ARCHIVE_BUCKET":     "ehr2crm-runs",
	"ARCHIVE_USE_SSL":    true,
}

var envKeys = []string{
	"ENV", "LOG_LEVEL", "PORT",
	"EHR_BASE_URL", "HAPI_ORG_ID", "EHR_PAGE_SIZE", "EHR_TIMEOUT", "EHR_RATE_LIMIT_RPS", "EHR_CONCURRENCY",
	"CRM_LOGIN_URL", "CRM_INSTANCE_URL", "CRM_API_VERSION", "CRM_AUTH_MODE",
	"CRM_CLIENT_ID", "CRM_CLIENT_SECRET", "CRM_USERNAME", "CRM_PASSWORD", "CRM_SECURITY_TOKEN",
	"CRM_PRIVATE_KEY_FILE", "CRM_ACCESS_TOKEN", "CRM_CREDENTIALS_FILE",
	"CRM_TIMEOUT", "CRM_RATE_LIMIT_RPS", "CRM_LOAD_MODE", "CRM_CATALOG_FILE",
	"HTTP_RETRY_COUNT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"ARCHIVE_ENDPOINT", "ARCHIVE_ACCESS_KEY", "ARCHIVE_SECRET_KEY", "ARCHIVE_BUCKET", "ARCHIVE_USE_SSL",
	"NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_SECRET",
}

// Load reads configuration from the environment. Dotenv files are loaded
// first without overriding variables already set in the process; when no
// file is given, ".env" in the working directory is tried.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for _, k := range envKeys {
		v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CRMCredentialsFile != "" {
		if err := cfg.mergeCredentialsFile(cfg.CRMCredentialsFile); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// credentials mirrors the keys accepted in a CRM credentials file.
type credentials struct {
	InstanceURL    string `mapstructure:"instance_url"`
	LoginURL       string `mapstructure:"login_url"`
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	SecurityToken  string `mapstructure:"security_token"`
	PrivateKeyFile string `mapstructure:"private_key_file"`
	AccessToken    string `mapstructure:"access_token"`
}

// mergeCredentialsFile fills CRM settings that are still empty from a JSON
// or YAML credentials file. Environment values win.
func (c *Config) mergeCredentialsFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read credentials file %s: %w", path, err)
	}

	var creds credentials
	if err := v.Unmarshal(&creds); err != nil {
		return fmt.Errorf("parse credentials file %s: %w", path, err)
	}

	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&c.CRMInstanceURL, creds.InstanceURL)
	fill(&c.CRMClientID, creds.ClientID)
	fill(&c.CRMClientSecret, creds.ClientSecret)
	fill(&c.CRMUsername, creds.Username)
	fill(&c.CRMPassword, creds.Password)
	fill(&c.CRMSecurityToken, creds.SecurityToken)
	fill(&c.CRMPrivateKeyFile, creds.PrivateKeyFile)
	fill(&c.CRMAccessToken, creds.AccessToken)
	if creds.LoginURL != "" && c.CRMLoginURL == defaults["CRM_LOGIN_URL"] {
		c.CRMLoginURL = creds.LoginURL
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ArchiveEnabled reports whether run artifacts should be written to object storage.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveEndpoint != ""
}

// Validate checks settings shared by every command. CRM credentials are
// checked per auth mode so that a misconfigured run fails before any EHR
// traffic.
func (c *Config) Validate() error {
	if c.EHRBaseURL == "" {
		return fmt.Errorf("EHR_BASE_URL is required")
	}
	if c.EHRPageSize <= 0 {
		return fmt.Errorf("EHR_PAGE_SIZE must be positive, got %d", c.EHRPageSize)
	}
	if c.EHRConcurrency <= 0 {
		return fmt.Errorf("EHR_CONCURRENCY must be positive, got %d", c.EHRConcurrency)
	}
	if c.CRMLoadMode != LoadModeREST && c.CRMLoadMode != LoadModeCollection {
		return fmt.Errorf("CRM_LOAD_MODE must be %q or %q, got %q", LoadModeREST, LoadModeCollection, c.CRMLoadMode)
	}
	if c.ArchiveEnabled() && (c.ArchiveAccessKey == "" || c.ArchiveSecretKey == "") {
		return fmt.Errorf("ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY are required when ARCHIVE_ENDPOINT is set")
	}
	return nil
}

// ValidateCRM checks that the configured auth mode has what it needs.
func (c *Config) ValidateCRM() error {
	switch c.CRMAuthMode {
	case AuthModePassword:
		if c.CRMClientID == "" || c.CRMClientSecret == "" {
			return fmt.Errorf("CRM_CLIENT_ID and CRM_CLIENT_SECRET are required for password auth")
		}
		if c.CRMUsername == "" || c.CRMPassword == "" {
			return fmt.Errorf("CRM_USERNAME and CRM_PASSWORD are required for password auth")
		}
	case AuthModeJWT:
		if c.CRMClientID == "" || c.CRMUsername == "" {
			return fmt.Errorf("CRM_CLIENT_ID and CRM_USERNAME are required for jwt auth")
		}
		if c.CRMPrivateKeyFile == "" {
			return fmt.Errorf("CRM_PRIVATE_KEY_FILE is required for jwt auth")
		}
	case AuthModeToken:
		if c.CRMAccessToken == "" || c.CRMInstanceURL == "" {
			return fmt.Errorf("CRM_ACCESS_TOKEN and CRM_INSTANCE_URL are required for token auth")
		}
	default:
		return fmt.Errorf("CRM_AUTH_MODE must be %q, %q, or %q, got %q",
			AuthModePassword, AuthModeJWT, AuthModeToken, c.CRMAuthMode)
	}
	return nil
}

// RequireOrganization returns an error when no EHR organization is configured.
func (c *Config) RequireOrganization() error {
	if c.OrganizationID == "" {
		return fmt.Errorf("HAPI_ORG_ID is required (or pass --org)")
	}
	return nil
}
