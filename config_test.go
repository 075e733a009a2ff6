package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGetConfig(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
version: v7
origin: https://nexume.app
manifest: precache-manifest.json
offlineRoutes:
  - /builder
  - /analyzer
networkTimeout: 3s
store:
  provider: sqlite
  path: /var/lib/gateway.db
partitions:
  image:
    maxEntries: 25
`)
	config, err := GetConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if config.Version != "v7" {
		t.Fatalf("version is %q", config.Version)
	}
	if config.NetworkTimeout.Std() != 3*time.Second {
		t.Fatalf("timeout is %v", config.NetworkTimeout)
	}
	if config.Store.Provider != "sqlite" || config.Store.Path != "/var/lib/gateway.db" {
		t.Fatalf("store config is %+v", config.Store)
	}
	if got := config.Partitions[PartitionImage].MaxEntries; got != 25 {
		t.Fatalf("image maxEntries is %d", got)
	}
	// unspecified partitions still get the built-in defaults
	if got := config.Partitions[PartitionAPI].DefaultTTL.Std(); got != APIFreshnessWindow {
		t.Fatalf("api defaultTtl is %v", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Version != "v1" {
		t.Fatalf("default version is %q", config.Version)
	}
	if config.NetworkTimeout.Std() != DefaultNetworkTimeout {
		t.Fatalf("default timeout is %v", config.NetworkTimeout)
	}
	if config.Store.Provider != "memory" {
		t.Fatalf("default provider is %q", config.Store.Provider)
	}
	if config.Partitions[PartitionImage].MaxEntries != DefaultImageMaxEntries {
		t.Fatalf("image partition config is %+v", config.Partitions[PartitionImage])
	}
}

func TestPolicyForMatchesVersionedNames(t *testing.T) {
	config := DefaultConfig()
	policy := config.PolicyFor("v3-image")
	if policy.MaxEntries != DefaultImageMaxEntries {
		t.Fatalf("policy for v3-image is %+v", policy)
	}
	if p := config.PolicyFor("v3-dynamic"); p != (PartitionConfig{}) {
		t.Fatalf("policy for v3-dynamic is %+v, want zero", p)
	}
}

func TestLoadManifest(t *testing.T) {
	path := writeFile(t, "precache-manifest.json", `{
		"static": ["/", "/app.js", "/main.css"],
		"images": ["/img/logo.png"],
		"dynamic": ["/about"]
	}`)
	manifest, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest.Static) != 3 || len(manifest.Images) != 1 || len(manifest.Dynamic) != 1 {
		t.Fatalf("manifest is %+v", manifest)
	}
}

func TestLoadManifestErrors(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	path := writeFile(t, "bad.json", "not json")
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected error for malformed manifest")
	}
}
