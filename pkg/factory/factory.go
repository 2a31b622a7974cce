package factory

import (
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"gopkg.in/yaml.v3"

	"github.com/homewatch/netguard/internal/logger"
)

// Loader provides methods to load and validate the configuration.
type Loader interface {
	Load(path string) (*Config, error)
}

// DefaultLoader is a simple YAML file loader/validator with defaults.
type DefaultLoader struct{}

// Load reads YAML from the given path, applies defaults, and validates.
func (l *DefaultLoader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// ReadConfig loads the configuration with the default loader and dumps
// the effective config at debug level.
func ReadConfig(path string) (*Config, error) {
	cfg, err := (&DefaultLoader{}).Load(path)
	if err != nil {
		return nil, err
	}
	if logger.CfgLog != nil {
		logger.CfgLog.Debugf("effective configuration:\n%s", spew.Sdump(cfg))
	}
	return cfg, nil
}
