package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"wallet-copy-trader/config"
)

func fakeVault(t *testing.T, reads *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/copy-trader/config" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		reads.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"data":{"jwt_secret":"from-vault","redis_password":"r3dis"}}}`))
	}))
}

func TestApplyToOverridesSecrets(t *testing.T) {
	var reads atomic.Int32
	srv := fakeVault(t, &reads)
	defer srv.Close()

	c, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "root",
		MountPath:  "secret",
		SecretPath: "copy-trader/config",
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.DatabaseConfig.Password = "keep-me"
	if err := c.ApplyTo(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	if cfg.AuthConfig.JWTSecret != "from-vault" {
		t.Errorf("Expected JWT secret from vault, got %q", cfg.AuthConfig.JWTSecret)
	}
	if cfg.RedisConfig.Password != "r3dis" {
		t.Errorf("Expected redis password from vault, got %q", cfg.RedisConfig.Password)
	}
	if cfg.DatabaseConfig.Password != "keep-me" {
		t.Errorf("Expected absent secret to leave value, got %q", cfg.DatabaseConfig.Password)
	}

	c.GetSecrets(context.Background())
	if reads.Load() != 1 {
		t.Errorf("Expected cached secrets, got %d reads", reads.Load())
	}
}

func TestDisabledClientIsNoop(t *testing.T) {
	c, err := NewClient(config.VaultConfig{})
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	before := cfg.AuthConfig.JWTSecret
	if err := c.ApplyTo(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.AuthConfig.JWTSecret != before {
		t.Error("Expected config untouched")
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Expected nil health error, got %v", err)
	}
}
