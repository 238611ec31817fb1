package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds process-level settings for the Arrowport server.
type ServerConfig struct {
	// HTTPAddr is the listen address of the request/response intake
	HTTPAddr string `yaml:"http_addr" json:"http_addr" mapstructure:"http_addr"`
	// FlightAddr is the listen address of the Arrow Flight intake
	FlightAddr string `yaml:"flight_addr" json:"flight_addr" mapstructure:"flight_addr"`
	// DBPath is the DuckDB database file ("" means in-memory)
	DBPath string `yaml:"db_path" json:"db_path" mapstructure:"db_path"`
	// DeltaRoot is the root directory of the delta table store
	DeltaRoot string `yaml:"delta_root" json:"delta_root" mapstructure:"delta_root"`
	// StreamsPath is the stream definition YAML watched for changes
	StreamsPath string `yaml:"streams_path" json:"streams_path" mapstructure:"streams_path"`
	// PoolSize bounds the embedded backend connection pool
	PoolSize int `yaml:"pool_size" json:"pool_size" mapstructure:"pool_size"`
	// EnableMetrics exposes the Prometheus endpoint on the HTTP intake
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics" mapstructure:"enable_metrics"`
	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPAddr:      ":8088",
		FlightAddr:    ":8815",
		DBPath:        "arrowport.db",
		DeltaRoot:     "delta",
		StreamsPath:   "streams.yaml",
		PoolSize:      4,
		EnableMetrics: true,
		LogLevel:      "info",
	}
}

// Load loads a configuration from a YAML file into config,
// substituting ${VAR_NAME} references with environment variables.
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}

	return content
}
