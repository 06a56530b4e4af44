// Package config provides configuration loading for the routing table
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dukex/sequencer/pkg/events"
	"github.com/dukex/sequencer/pkg/orchestration"
	"gopkg.in/yaml.v3"
)

// RoutesConfigFile represents the structure of the routes.yaml file
type RoutesConfigFile struct {
	ResponseTopic string            `yaml:"response_topic"`
	Routes        map[string]string `yaml:"routes"`
}

// RoutesConfig is the loaded routing configuration.
type RoutesConfig struct {
	// ResponseTopic is where task handlers reply; it defaults to events.ResponseTopic.
	ResponseTopic string
	Routes        orchestration.Routes
}

// LoadRoutesConfig loads the routing table from a YAML file
func LoadRoutesConfig(filepath string) (RoutesConfig, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return RoutesConfig{}, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	return ParseRoutesConfig(data)
}

// ParseRoutesConfig parses a routing table document.
func ParseRoutesConfig(data []byte) (RoutesConfig, error) {
	var configFile RoutesConfigFile
	if err := yaml.Unmarshal(data, &configFile); err != nil {
		return RoutesConfig{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config := RoutesConfig{
		ResponseTopic: configFile.ResponseTopic,
		Routes:        make(orchestration.Routes, len(configFile.Routes)),
	}

	if config.ResponseTopic == "" {
		config.ResponseTopic = events.ResponseTopic
	}

	for handler, address := range configFile.Routes {
		config.Routes[handler] = strings.TrimSpace(address)
	}

	if err := ValidateRoutesConfig(config); err != nil {
		return RoutesConfig{}, err
	}

	return config, nil
}

// ValidateRoutesConfig validates the routing configuration
func ValidateRoutesConfig(config RoutesConfig) error {
	if len(config.Routes) == 0 {
		return errors.New("at least one route must be configured")
	}

	for handler, address := range config.Routes {
		if strings.TrimSpace(handler) == "" {
			return errors.New("route with empty handler name")
		}

		if address == "" {
			return fmt.Errorf("route %q: address is required", handler)
		}

		if address == config.ResponseTopic {
			return fmt.Errorf("route %q: address must differ from the response topic", handler)
		}
	}

	return nil
}
