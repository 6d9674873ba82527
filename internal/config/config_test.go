package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Queue.RelayInterval != 2*time.Second {
		t.Fatalf("expected relay interval 2s, got %s", cfg.Queue.RelayInterval)
	}
	if cfg.Providers.OSF.APIURL != "https://api.osf.io/v2" {
		t.Fatalf("unexpected osf url %q", cfg.Providers.OSF.APIURL)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("database:\n  driver: postgres\n  url: postgres://u:p@db/repro\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Database.URL != "postgres://u:p@db/repro" {
		t.Fatalf("url not applied: %q", cfg.Database.URL)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("default base path lost: %q", cfg.Server.BasePath)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":  "database:\n  driver: mysql\n",
		"objects": "objects:\n  kind: gcs\n",
		"amqp":    "queue:\n  gateway: amqp\n",
		"webhook": "queue:\n  gateway: webhook\n",
		"relay":   "queue:\n  relay_interval: 0s\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestRequireSecrets(t *testing.T) {
	cfg := Default()
	if err := cfg.RequireSecrets(false); err == nil || !strings.Contains(err.Error(), "salt") {
		t.Fatalf("expected salt error, got %v", err)
	}
	cfg.ShortIDs.Salt = "pepper"
	if err := cfg.RequireSecrets(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.RequireSecrets(true); err == nil {
		t.Fatalf("expected jwt secret error when serving")
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected sqlite default, got %q", cfg.Database.Driver)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reproserver.yaml")
	if err := os.WriteFile(path, []byte("housekeeping:\n  retention: 720h\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Housekeeping.Retention != 720*time.Hour {
		t.Fatalf("retention not parsed: %s", cfg.Housekeeping.Retention)
	}
}
