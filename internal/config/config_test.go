package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.TokenTTL != 720*time.Hour {
		t.Fatalf("expected 720h token ttl, got %v", cfg.TokenTTL)
	}
	if cfg.MigrationsDir != "./db/migrations" {
		t.Fatalf("expected default migrations dir, got %q", cfg.MigrationsDir)
	}
}

func TestLoadAgentOverrides(t *testing.T) {
	t.Setenv("AGENT_STORE_DRIVER", "memory")
	t.Setenv("AGENT_PROBE_TIMEOUT", "2s")
	t.Setenv("AGENT_DYNAMIC_CACHE_LIMIT", "12")

	cfg, err := LoadAgent()
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if cfg.StoreDriver != "memory" {
		t.Fatalf("expected memory driver, got %q", cfg.StoreDriver)
	}
	if cfg.ProbeTimeout != 2*time.Second {
		t.Fatalf("expected 2s probe timeout, got %v", cfg.ProbeTimeout)
	}
	if cfg.DynamicCacheLimit != 12 {
		t.Fatalf("expected limit 12, got %d", cfg.DynamicCacheLimit)
	}
	if cfg.StorageQuota != 5*1024*1024 {
		t.Fatalf("expected 5MB quota, got %d", cfg.StorageQuota)
	}
}

func TestLoadAgentRejectsBadDuration(t *testing.T) {
	t.Setenv("AGENT_PROBE_INTERVAL", "soon")
	if _, err := LoadAgent(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoadManifestDefault(t *testing.T) {
	manifest, err := LoadManifest("")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if manifest.App != "angkor" || manifest.Version == "" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	if manifest.OfflinePage != "/offline.html" {
		t.Fatalf("unexpected offline page %q", manifest.OfflinePage)
	}
}

func TestLoadManifestFromFileAddsOfflinePage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.toml")
	contents := "app = \"factory\"\nversion = \"2.0.0\"\nstatic = [\"/\", \"/app.js\"]\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	manifest, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if manifest.App != "factory" || manifest.Version != "2.0.0" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	last := manifest.Static[len(manifest.Static)-1]
	if last != "/offline.html" {
		t.Fatalf("expected offline page appended, got %v", manifest.Static)
	}
}

func TestParseManifestRequiresVersion(t *testing.T) {
	if _, err := ParseManifest([]byte(`app = "x"`)); err == nil {
		t.Fatal("expected error for missing version")
	}
}
