package gateway

import (
	"encoding/json"
	"fmt"
	"os"
)

// Manifest is the build-time precache manifest: known assets grouped by
// category. The static list is fetched into the static partition at
// install time; the other groups document what the build produced and are
// available for eager caching through the control channel.
type Manifest struct {
	Static  []string `json:"static"`
	Images  []string `json:"images"`
	Dynamic []string `json:"dynamic"`
}

// LoadManifest reads a precache manifest from a JSON file.
func LoadManifest(filename string) (*Manifest, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
