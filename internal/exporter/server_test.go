package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cync-lan/cync-lan/internal/infrastructure/config"
)

type fakeCloud struct {
	mu        sync.Mutex
	otpEmails []string
	loginErr  error
	exportErr error
}

func (f *fakeCloud) RequestOTP(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.otpEmails = append(f.otpEmails, email)
	return nil
}

func (f *fakeCloud) Login(_ context.Context, _, _, code string) (Token, error) {
	if f.loginErr != nil {
		return Token{}, f.loginErr
	}
	if code != "482913" {
		return Token{}, ErrCloudRejected
	}
	return Token{AccessToken: "tok-1", UserID: 44512, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeCloud) Export(_ context.Context, _ Token) (*config.AccountConfig, error) {
	if f.exportErr != nil {
		return nil, f.exportErr
	}
	return &config.AccountConfig{
		ID:   987,
		Name: "Home",
		Devices: []config.DeviceConfig{
			{ID: 26, Name: "Kitchen", Brightness: true, ColorTemp: true, MinKelvin: 2000, MaxKelvin: 7000},
			{ID: 30, Name: "Heater Plug", Plug: true},
		},
		Groups: []config.GroupConfig{
			{ID: 868, Name: "Downstairs", Members: []int{26, 30}},
		},
	}, nil
}

type fakeRestarter struct {
	mu    sync.Mutex
	count int
}

func (f *fakeRestarter) Restart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
}

func (f *fakeRestarter) restarts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func newTestServer(t *testing.T, cloud CloudAPI, restarter Restarter) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "cync.yaml")

	srv, err := New(Deps{
		ConfigPath: configPath,
		Cloud:      cloud,
		Tokens:     NewTokenStore(filepath.Join(dir, "token_cache.json")),
		Restarter:  restarter,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, configPath
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStatusBeforeAndAfterExport(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCloud{}, nil)
	router := srv.buildRouter()

	rec := doJSON(t, router, http.MethodGet, "/api/export/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if !status["otp_required"] || status["config_present"] {
		t.Errorf("fresh status = %v, want otp_required and no config", status)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/export/verify",
		map[string]string{"email": "user@example.com", "password": "hunter2", "code": "482913"})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/export/status", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status["otp_required"] || !status["config_present"] {
		t.Errorf("post-export status = %v, want authenticated with config", status)
	}
}

func TestRequestOTP(t *testing.T) {
	cloud := &fakeCloud{}
	srv, _ := newTestServer(t, cloud, nil)
	router := srv.buildRouter()

	rec := doJSON(t, router, http.MethodPost, "/api/export/otp",
		map[string]string{"email": "user@example.com"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("otp status = %d", rec.Code)
	}
	if len(cloud.otpEmails) != 1 || cloud.otpEmails[0] != "user@example.com" {
		t.Errorf("otp emails = %v", cloud.otpEmails)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/export/otp", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing email status = %d, want 400", rec.Code)
	}
}

func TestVerifyWritesAccountConfig(t *testing.T) {
	srv, configPath := newTestServer(t, &fakeCloud{}, nil)
	router := srv.buildRouter()

	rec := doJSON(t, router, http.MethodPost, "/api/export/verify",
		map[string]string{"email": "user@example.com", "password": "hunter2", "code": "482913"})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", rec.Code, rec.Body.String())
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("reading written config: %v", err)
	}
	var doc struct {
		Account config.AccountConfig `yaml:"account"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parsing written config: %v", err)
	}
	if doc.Account.ID != 987 || len(doc.Account.Devices) != 2 || len(doc.Account.Groups) != 1 {
		t.Errorf("written account = %+v", doc.Account)
	}
}

func TestVerifyPreservesOtherConfigSections(t *testing.T) {
	srv, configPath := newTestServer(t, &fakeCloud{}, nil)
	existing := "mqtt:\n  base_topic: custom\naccount:\n  id: 1\n"
	if err := os.WriteFile(configPath, []byte(existing), 0o644); err != nil {
		t.Fatalf("seeding config: %v", err)
	}

	rec := doJSON(t, srv.buildRouter(), http.MethodPost, "/api/export/verify",
		map[string]string{"email": "user@example.com", "password": "hunter2", "code": "482913"})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d", rec.Code)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parsing config: %v", err)
	}
	mqttSection, ok := doc["mqtt"].(map[string]any)
	if !ok || mqttSection["base_topic"] != "custom" {
		t.Errorf("mqtt section lost on rewrite: %v", doc["mqtt"])
	}
	if !strings.Contains(string(data), "Downstairs") {
		t.Error("account section not replaced with export")
	}
}

func TestVerifyBadCode(t *testing.T) {
	srv, configPath := newTestServer(t, &fakeCloud{}, nil)

	rec := doJSON(t, srv.buildRouter(), http.MethodPost, "/api/export/verify",
		map[string]string{"email": "user@example.com", "password": "hunter2", "code": "000000"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("verify status = %d, want 401", rec.Code)
	}
	if _, err := os.Stat(configPath); !os.IsNotExist(err) {
		t.Error("config written despite failed login")
	}
	if _, ok := srv.tokens.Get(); ok {
		t.Error("token stored despite failed login")
	}
}

func TestVerifyTokenHeldDespiteExportFailure(t *testing.T) {
	cloud := &fakeCloud{exportErr: errors.New("cloud flaked")}
	srv, _ := newTestServer(t, cloud, nil)

	rec := doJSON(t, srv.buildRouter(), http.MethodPost, "/api/export/verify",
		map[string]string{"email": "user@example.com", "password": "hunter2", "code": "482913"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("verify status = %d, want 502", rec.Code)
	}

	// The login succeeded; a retry must not need a fresh OTP.
	if _, ok := srv.tokens.Get(); !ok {
		t.Error("token not held after export failure")
	}
}

func TestDownload(t *testing.T) {
	srv, configPath := newTestServer(t, &fakeCloud{}, nil)
	router := srv.buildRouter()

	rec := doJSON(t, router, http.MethodGet, "/api/export/download", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("download without config status = %d, want 404", rec.Code)
	}

	if err := os.WriteFile(configPath, []byte("account:\n  id: 987\n"), 0o644); err != nil {
		t.Fatalf("seeding config: %v", err)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/export/download", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-yaml" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "987") {
		t.Errorf("download body = %q", rec.Body.String())
	}
}

func TestRestart(t *testing.T) {
	restarter := &fakeRestarter{}
	srv, _ := newTestServer(t, &fakeCloud{}, restarter)

	rec := doJSON(t, srv.buildRouter(), http.MethodPost, "/api/restart", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("restart status = %d, want 202", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && restarter.restarts() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if restarter.restarts() != 1 {
		t.Errorf("restarts = %d, want 1", restarter.restarts())
	}
}

func TestRestartUnavailable(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCloud{}, nil)

	rec := doJSON(t, srv.buildRouter(), http.MethodPost, "/api/restart", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("restart status = %d, want 501", rec.Code)
	}
}
