package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed manifest.default.toml
var defaultManifest []byte

// Manifest lists the application shell the worker pre-caches at install.
type Manifest struct {
	App         string   `toml:"app"`
	Version     string   `toml:"version"`
	OfflinePage string   `toml:"offline_page"`
	Static      []string `toml:"static"`
}

// LoadManifest reads a TOML manifest from path, or the embedded default when
// path is empty.
func LoadManifest(path string) (Manifest, error) {
	data := defaultManifest
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Manifest{}, fmt.Errorf("read manifest: %w", err)
		}
		data = raw
	}
	return ParseManifest(data)
}

func ParseManifest(data []byte) (Manifest, error) {
	var manifest Manifest
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.App == "" {
		manifest.App = "angkor"
	}
	if manifest.OfflinePage == "" {
		manifest.OfflinePage = "/offline.html"
	}
	if manifest.Version == "" {
		return Manifest{}, fmt.Errorf("manifest version is required")
	}
	hasOffline := false
	for _, entry := range manifest.Static {
		if entry == manifest.OfflinePage {
			hasOffline = true
			break
		}
	}
	if !hasOffline {
		manifest.Static = append(manifest.Static, manifest.OfflinePage)
	}
	return manifest, nil
}
