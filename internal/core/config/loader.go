package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Fetcher.MediaDir == "" {
		cfg.Fetcher.MediaDir = "media"
	}

	for i := range cfg.Transports {
		if cfg.Transports[i].Name == "" {
			return nil, fmt.Errorf("transports[%d]: name is required", i)
		}
		if cfg.Transports[i].Endpoint == "" {
			return nil, fmt.Errorf("transport %s: endpoint is required", cfg.Transports[i].Name)
		}
	}

	return &cfg, nil
}
