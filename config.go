package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "10s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// FileConfig is the YAML configuration for the gateway binary.
type FileConfig struct {
	// Version is the cache version tag. Bumping it supersedes all
	// partitions created under the previous tag.
	Version string `yaml:"version"`
	// Origin is the application origin URL.
	Origin string `yaml:"origin"`
	// Manifest is the path to the precache manifest JSON file.
	Manifest string `yaml:"manifest"`
	// OfflineRoutes are the page routes served from cache while offline.
	OfflineRoutes []string `yaml:"offlineRoutes"`
	// NetworkTimeout bounds each network leg, e.g. "10s".
	NetworkTimeout Duration `yaml:"networkTimeout"`
	// Store selects and configures the partition provider.
	Store StoreConfig `yaml:"store"`
	// Partitions holds per-partition policy overrides keyed by base name.
	Partitions map[string]PartitionConfig `yaml:"partitions"`
}

// StoreConfig selects the partition provider.
type StoreConfig struct {
	// Provider is "memory" or "sqlite".
	Provider string `yaml:"provider"`
	// Path is the SQLite database file. Empty means in-memory.
	Path string `yaml:"path"`
}

// PartitionConfig is the per-partition policy block.
type PartitionConfig struct {
	MaxEntries int      `yaml:"maxEntries"`
	DefaultTTL Duration `yaml:"defaultTtl"`
}

// DefaultPartitionConfig returns the built-in policies: a capacity limit
// on the image partition and the fixed freshness window on the api
// partition.
func DefaultPartitionConfig() map[string]PartitionConfig {
	return map[string]PartitionConfig{
		PartitionImage: {MaxEntries: DefaultImageMaxEntries},
		PartitionAPI:   {DefaultTTL: Duration(APIFreshnessWindow)},
	}
}

// DefaultConfig returns a configuration with the built-in defaults.
func DefaultConfig() FileConfig {
	var config FileConfig
	config.applyDefaults()
	return config
}

// GetConfig reads the gateway configuration from a YAML file and fills in
// defaults for anything unset.
func GetConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}
	config.applyDefaults()
	return config, nil
}

func (c *FileConfig) applyDefaults() {
	if c.Version == "" {
		c.Version = "v1"
	}
	if c.NetworkTimeout == 0 {
		c.NetworkTimeout = Duration(DefaultNetworkTimeout)
	}
	if c.Store.Provider == "" {
		c.Store.Provider = "memory"
	}
	defaults := DefaultPartitionConfig()
	if c.Partitions == nil {
		c.Partitions = defaults
		return
	}
	for name, policy := range defaults {
		if _, ok := c.Partitions[name]; !ok {
			c.Partitions[name] = policy
		}
	}
}

// PolicyFor returns the policy for a versioned partition name, matching by
// base-name suffix.
func (c FileConfig) PolicyFor(name string) PartitionConfig {
	for base, policy := range c.Partitions {
		if hasBaseSuffix(name, base) {
			return policy
		}
	}
	return PartitionConfig{}
}

func hasBaseSuffix(name, base string) bool {
	if name == base {
		return true
	}
	suffix := "-" + base
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}
