package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const batchFileName = "portless.yaml"

// BatchConfig is a portless.yaml file listing named services to launch
// together via "portless run --all".
type BatchConfig struct {
	Services map[string]ServiceConfig `yaml:"services"`
}

// ServiceConfig is a single service entry in a BatchConfig.
type ServiceConfig struct {
	Cmd  string `yaml:"cmd"`
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

// LoadBatch reads portless.yaml from dir. It returns nil, nil if the file
// does not exist.
func LoadBatch(dir string) (*BatchConfig, error) {
	path := filepath.Join(dir, batchFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var cfg BatchConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", batchFileName, err)
	}
	for key, svc := range cfg.Services {
		if svc.Cmd == "" {
			return nil, fmt.Errorf("%s: service %q has no cmd", batchFileName, key)
		}
		if svc.Name == "" {
			svc.Name = key
			cfg.Services[key] = svc
		}
	}
	return &cfg, nil
}
