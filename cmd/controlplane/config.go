package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional on-disk document an operator can point the
// orchestrator at via --config-file, for settings that are awkward to
// repeat as flags every invocation (overbooking factors, webhook URL).
// Flags and environment variables still win when both are set — this
// file only supplies defaults.
type fileConfig struct {
	DataDir    string  `yaml:"data_dir,omitempty"`
	HTTPAddr   string  `yaml:"http_addr,omitempty"`
	WebhookURL string  `yaml:"webhook_url,omitempty"`
	Overbooking struct {
		SingleBoard float64 `yaml:"single_board,omitempty"`
		Desktop     float64 `yaml:"desktop,omitempty"`
		Server      float64 `yaml:"server,omitempty"`
	} `yaml:"overbooking,omitempty"`
}

// loadFileConfig reads a YAML config file. A missing path is not an
// error — it simply means no file-based overrides apply.
func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
