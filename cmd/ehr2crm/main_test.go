package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr2crm/internal/config"
	"github.com/ehr/ehr2crm/internal/crm"
	"github.com/ehr/ehr2crm/internal/domain/syncrun"
	"github.com/ehr/ehr2crm/internal/platform/blobstore"
	"github.com/ehr/ehr2crm/internal/platform/db"
	"github.com/ehr/ehr2crm/internal/platform/metrics"
)

// ---------------------------------------------------------------------------
// tokenSource
// ---------------------------------------------------------------------------

func writeKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "server.key")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTokenSource_Modes(t *testing.T) {
	keyFile := writeKey(t)

	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
		check   func(t *testing.T, ts crm.TokenSource)
	}{
		{
			name: "token",
			cfg:  config.Config{CRMAuthMode: config.AuthModeToken, CRMAccessToken: "00D!abc", CRMInstanceURL: "https://demo.my.salesforce.com/"},
			check: func(t *testing.T, ts crm.TokenSource) {
				tok, err := ts.Token(context.Background())
				if err != nil {
					t.Fatal(err)
				}
				if tok.AccessToken != "00D!abc" || tok.InstanceURL != "https://demo.my.salesforce.com" {
					t.Errorf("unexpected token %+v", tok)
				}
			},
		},
		{
			name: "password",
			cfg: config.Config{CRMAuthMode: config.AuthModePassword, CRMClientID: "id", CRMClientSecret: "secret",
				CRMUsername: "u@example.com", CRMPassword: "pw"},
			check: func(t *testing.T, ts crm.TokenSource) {
				if _, ok := ts.(*crm.CachedTokenSource); !ok {
					t.Errorf("expected cached token source, got %T", ts)
				}
			},
		},
		{
			name: "jwt",
			cfg:  config.Config{CRMAuthMode: config.AuthModeJWT, CRMClientID: "id", CRMUsername: "u@example.com", CRMPrivateKeyFile: keyFile},
			check: func(t *testing.T, ts crm.TokenSource) {
				if _, ok := ts.(*crm.CachedTokenSource); !ok {
					t.Errorf("expected cached token source, got %T", ts)
				}
			},
		},
		{
			name:    "jwt missing key file",
			cfg:     config.Config{CRMAuthMode: config.AuthModeJWT, CRMClientID: "id", CRMUsername: "u", CRMPrivateKeyFile: filepath.Join(t.TempDir(), "nope.key")},
			wantErr: true,
		},
		{
			name:    "password missing secret",
			cfg:     config.Config{CRMAuthMode: config.AuthModePassword, CRMClientID: "id"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			ts, err := tokenSource(&cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, ts)
		})
	}
}

// ---------------------------------------------------------------------------
// wiring helpers
// ---------------------------------------------------------------------------

func TestOpenLedger_MemoryWithoutDatabase(t *testing.T) {
	store, err := openLedger(context.Background(), &config.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer store.Close()
	if store.pool != nil || store.pinger() != nil {
		t.Error("expected no database pool")
	}
	if store.ledger == nil || store.crosswalk == nil {
		t.Error("expected memory ledger and crosswalk")
	}
}

func TestOpenArchive_WithoutEndpoint(t *testing.T) {
	cfg := &config.Config{}
	store, err := openArchive(context.Background(), cfg, false)
	if err != nil || store != nil {
		t.Errorf("expected no archive, got %v (%v)", store, err)
	}
	store, err = openArchive(context.Background(), cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*blobstore.MemoryStore); !ok {
		t.Errorf("expected memory fallback, got %T", store)
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{Env: "production", LogLevel: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("unexpected log output %q", out)
	}
	if !strings.HasPrefix(out, "{") {
		t.Errorf("expected JSON output outside development, got %q", out)
	}
}

func TestWriteMigrationStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	writeMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_sync_runs.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_crosswalk.sql"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and 2 rows, got %d lines", len(lines))
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2024-03-01 12:00:00") {
		t.Errorf("unexpected applied row %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("unexpected pending row %q", lines[3])
	}
}

// ---------------------------------------------------------------------------
// HTTP server
// ---------------------------------------------------------------------------

// instantLauncher records a run and completes it immediately.
type instantLauncher struct {
	ledger *syncrun.Service
}

func (l instantLauncher) Launch(ctx context.Context, dryRun bool) (*syncrun.Run, error) {
	run, err := l.ledger.Begin(ctx, "org-1", dryRun)
	if err != nil {
		return nil, err
	}
	snapshot := *run
	return &snapshot, l.ledger.Complete(ctx, run, nil)
}

func newTestServer(t *testing.T) (http.Handler, *syncrun.Service, blobstore.Store) {
	t.Helper()
	ledger := syncrun.NewService(syncrun.NewMemoryRunRepo(), zerolog.Nop())
	archive := blobstore.NewMemoryStore()
	e := newServer(serverDeps{
		ledger:   ledger,
		launcher: instantLauncher{ledger: ledger},
		archive:  archive,
		metrics:  metrics.NewRecorder(),
		logger:   zerolog.Nop(),
	})
	return e, ledger, archive
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServer_HealthAndMetrics(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := serve(h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}

	rec = serve(h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("expected prometheus exposition, got %d", rec.Code)
	}

	if rec := serve(h, http.MethodGet, "/health/db"); rec.Code != http.StatusNotFound {
		t.Errorf("expected no db health route without a pool, got %d", rec.Code)
	}
}

func TestServer_RunLifecycle(t *testing.T) {
	h, _, archive := newTestServer(t)

	rec := serve(h, http.MethodPost, "/api/v1/runs?dry_run=true")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var started struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil || started.ID == "" {
		t.Fatalf("expected run id, got %s", rec.Body.String())
	}

	rec = serve(h, http.MethodGet, "/api/v1/runs/"+started.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var run syncrun.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatal(err)
	}
	if run.Status != syncrun.StatusSucceeded || !run.DryRun {
		t.Errorf("unexpected run %+v", run)
	}

	rec = serve(h, http.MethodGet, "/api/v1/runs")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), started.ID) {
		t.Errorf("expected run in listing, got %d %s", rec.Code, rec.Body.String())
	}

	_, _ = archive.Put(context.Background(), blobstore.RunKey(started.ID, "report.json"), "application/json", []byte(`{}`))
	rec = serve(h, http.MethodGet, "/api/v1/runs/"+started.ID+"/artifacts/report.json")
	if rec.Code != http.StatusOK || rec.Body.String() != "{}" {
		t.Errorf("expected archived report, got %d %q", rec.Code, rec.Body.String())
	}
}
