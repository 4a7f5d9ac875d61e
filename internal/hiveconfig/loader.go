package hiveconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hiveorch/hive/internal/hiveerr"
)

// LoadYAMLFile parses one source's YAML document into a GlobalConfig.
// The SQLite projection named in spec §1/§3 is out of scope for the
// orchestration core (it is the config loader front-end's job to
// project a SQLite schema into this same typed tree before calling
// Resolver.Resolve).
func LoadYAMLFile(path string) (*GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return LoadYAML(path, data)
}

// LoadYAML parses raw YAML bytes into a GlobalConfig, naming sourceName
// in any resulting ConfigError for diagnostics.
func LoadYAML(sourceName string, data []byte) (*GlobalConfig, error) {
	var cfg GlobalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, hiveerr.ParseFailure(sourceName, err)
	}
	if cfg.Services == nil {
		cfg.Services = make(map[string]*Service)
	}
	return &cfg, nil
}
