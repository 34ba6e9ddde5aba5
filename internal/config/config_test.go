package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("EHR_BASE_URL")
	os.Unsetenv("CRM_LOAD_MODE")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.EHRBaseURL != "https://hapi.fhir.org/baseR4" {
		t.Errorf("expected default EHR base URL, got %s", cfg.EHRBaseURL)
	}
	if cfg.EHRPageSize != 50 {
		t.Errorf("expected default page size 50, got %d", cfg.EHRPageSize)
	}
	if cfg.EHRTimeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %s", cfg.EHRTimeout)
	}
	if cfg.CRMLoadMode != LoadModeREST {
		t.Errorf("expected default load mode rest, got %s", cfg.CRMLoadMode)
	}
	if cfg.CRMAPIVersion != "59.0" {
		t.Errorf("expected default api version 59.0, got %s", cfg.CRMAPIVersion)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envFile, []byte("HAPI_ORG_ID=org-42\nEHR_PAGE_SIZE=25\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("HAPI_ORG_ID")
		os.Unsetenv("EHR_PAGE_SIZE")
	})

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OrganizationID != "org-42" {
		t.Errorf("expected HAPI_ORG_ID from env file, got %q", cfg.OrganizationID)
	}
	if cfg.EHRPageSize != 25 {
		t.Errorf("expected page size 25, got %d", cfg.EHRPageSize)
	}
}

func TestLoad_ProcessEnvWinsOverEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envFile, []byte("HAPI_ORG_ID=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HAPI_ORG_ID", "from-env")

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OrganizationID != "from-env" {
		t.Errorf("expected process env to win, got %q", cfg.OrganizationID)
	}
}

func TestLoad_CredentialsFile(t *testing.T) {
	dir := t.TempDir()
	credFile := filepath.Join(dir, "creds.json")
	body := `{"username":"etl@demo.invalid","password":"pw","security_token":"tok","client_id":"cid","client_secret":"sec","login_url":"https://test.salesforce.com"}`
	if err := os.WriteFile(credFile, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CRM_CREDENTIALS_FILE", credFile)
	t.Setenv("CRM_PASSWORD", "env-password")

	cfg, err := Load(filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CRMUsername != "etl@demo.invalid" {
		t.Errorf("expected username from credentials file, got %q", cfg.CRMUsername)
	}
	if cfg.CRMPassword != "env-password" {
		t.Errorf("expected env password to win, got %q", cfg.CRMPassword)
	}
	if cfg.CRMSecurityToken != "tok" {
		t.Errorf("expected security token from file, got %q", cfg.CRMSecurityToken)
	}
	if cfg.CRMLoginURL != "https://test.salesforce.com" {
		t.Errorf("expected login url from file, got %q", cfg.CRMLoginURL)
	}
	if err := cfg.ValidateCRM(); err != nil {
		t.Errorf("expected valid password config, got %v", err)
	}
}

func TestLoad_MissingCredentialsFile(t *testing.T) {
	t.Setenv("CRM_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "nope.json"))
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error for missing credentials file")
	}
}

func validConfig() *Config {
	return &Config{
		EHRBaseURL:     "https://hapi.fhir.org/baseR4",
		EHRPageSize:    50,
		EHRConcurrency: 4,
		CRMLoadMode:    LoadModeREST,
		CRMAuthMode:    AuthModeToken,
		CRMAccessToken: "token",
		CRMInstanceURL: "https://example.my.salesforce.com",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty base url", func(c *Config) { c.EHRBaseURL = "" }, true},
		{"zero page size", func(c *Config) { c.EHRPageSize = 0 }, true},
		{"zero concurrency", func(c *Config) { c.EHRConcurrency = 0 }, true},
		{"bad load mode", func(c *Config) { c.CRMLoadMode = "bulk" }, true},
		{"collection load mode", func(c *Config) { c.CRMLoadMode = LoadModeCollection }, false},
		{"archive without keys", func(c *Config) { c.ArchiveEndpoint = "minio:9000" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCRM(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"token ok", Config{CRMAuthMode: AuthModeToken, CRMAccessToken: "t", CRMInstanceURL: "https://x"}, false},
		{"token missing instance", Config{CRMAuthMode: AuthModeToken, CRMAccessToken: "t"}, true},
		{"password ok", Config{CRMAuthMode: AuthModePassword, CRMClientID: "c", CRMClientSecret: "s", CRMUsername: "u", CRMPassword: "p"}, false},
		{"password missing secret", Config{CRMAuthMode: AuthModePassword, CRMClientID: "c", CRMUsername: "u", CRMPassword: "p"}, true},
		{"jwt ok", Config{CRMAuthMode: AuthModeJWT, CRMClientID: "c", CRMUsername: "u", CRMPrivateKeyFile: "key.pem"}, false},
		{"jwt missing key", Config{CRMAuthMode: AuthModeJWT, CRMClientID: "c", CRMUsername: "u"}, true},
		{"unknown mode", Config{CRMAuthMode: "saml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateCRM()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCRM() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestConfig_RequireOrganization(t *testing.T) {
	c := &Config{}
	if err := c.RequireOrganization(); err == nil {
		t.Error("expected error when HAPI_ORG_ID is empty")
	}
	c.OrganizationID = "123"
	if err := c.RequireOrganization(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
