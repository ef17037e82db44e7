package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the bridge.
type Config struct {
	// Listener addresses
	Host     string `envconfig:"HOST" default:"127.0.0.1" json:"host"`
	CDPPort  int    `envconfig:"CDP_PORT" default:"9222" json:"cdp_port"`
	BROPPort int    `envconfig:"BROP_PORT" default:"9223" json:"brop_port"`
	ExtPort  int    `envconfig:"EXT_PORT" default:"9224" json:"ext_port"`
	HTTPPort int    `envconfig:"HTTP_PORT" default:"9225" json:"http_port"`

	// Log stores
	MaxConsoleEntriesPerTab int `envconfig:"MAX_CONSOLE_ENTRIES_PER_TAB" default:"1000" json:"max_console_entries_per_tab"`
	MaxCallLogEntries       int `envconfig:"MAX_CALL_LOG_ENTRIES" default:"1000" json:"max_call_log_entries"`

	// Routing behavior
	ExtensionCallTimeoutMS   int    `envconfig:"EXTENSION_CALL_TIMEOUT_MS" default:"30000" json:"extension_call_timeout_ms"`
	ClientEventHighWatermark int    `envconfig:"CLIENT_EVENT_HIGH_WATERMARK" default:"256" json:"client_event_high_watermark"`
	TargetIDPrefix           string `envconfig:"TARGET_ID_PREFIX" default:"TAB_" json:"target_id_prefix"`
	EnableRequestLog         bool   `envconfig:"ENABLE_REQUEST_LOG" default:"true" json:"enable_request_log"`
}

// envOverrides mirrors Config without defaults. Pointer fields stay nil unless
// the variable is explicitly set, which lets the loader reassert env values
// over a YAML overlay without the default tags stomping file values.
type envOverrides struct {
	Host                     *string `envconfig:"HOST"`
	CDPPort                  *int    `envconfig:"CDP_PORT"`
	BROPPort                 *int    `envconfig:"BROP_PORT"`
	ExtPort                  *int    `envconfig:"EXT_PORT"`
	HTTPPort                 *int    `envconfig:"HTTP_PORT"`
	MaxConsoleEntriesPerTab  *int    `envconfig:"MAX_CONSOLE_ENTRIES_PER_TAB"`
	MaxCallLogEntries        *int    `envconfig:"MAX_CALL_LOG_ENTRIES"`
	ExtensionCallTimeoutMS   *int    `envconfig:"EXTENSION_CALL_TIMEOUT_MS"`
	ClientEventHighWatermark *int    `envconfig:"CLIENT_EVENT_HIGH_WATERMARK"`
	TargetIDPrefix           *string `envconfig:"TARGET_ID_PREFIX"`
	EnableRequestLog         *bool   `envconfig:"ENABLE_REQUEST_LOG"`
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables, in that precedence order: env wins
// over file, file wins over defaults.
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		var explicit envOverrides
		if err := envconfig.Process("", &explicit); err != nil {
			return nil, err
		}
		explicit.apply(&config)
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (o *envOverrides) apply(config *Config) {
	if o.Host != nil {
		config.Host = *o.Host
	}
	if o.CDPPort != nil {
		config.CDPPort = *o.CDPPort
	}
	if o.BROPPort != nil {
		config.BROPPort = *o.BROPPort
	}
	if o.ExtPort != nil {
		config.ExtPort = *o.ExtPort
	}
	if o.HTTPPort != nil {
		config.HTTPPort = *o.HTTPPort
	}
	if o.MaxConsoleEntriesPerTab != nil {
		config.MaxConsoleEntriesPerTab = *o.MaxConsoleEntriesPerTab
	}
	if o.MaxCallLogEntries != nil {
		config.MaxCallLogEntries = *o.MaxCallLogEntries
	}
	if o.ExtensionCallTimeoutMS != nil {
		config.ExtensionCallTimeoutMS = *o.ExtensionCallTimeoutMS
	}
	if o.ClientEventHighWatermark != nil {
		config.ClientEventHighWatermark = *o.ClientEventHighWatermark
	}
	if o.TargetIDPrefix != nil {
		config.TargetIDPrefix = *o.TargetIDPrefix
	}
	if o.EnableRequestLog != nil {
		config.EnableRequestLog = *o.EnableRequestLog
	}
}

func validate(config *Config) error {
	ports := []struct {
		name string
		port int
	}{
		{"CDP_PORT", config.CDPPort},
		{"BROP_PORT", config.BROPPort},
		{"EXT_PORT", config.ExtPort},
		{"HTTP_PORT", config.HTTPPort},
	}
	seen := make(map[int]string)
	for _, p := range ports {
		if p.port < 0 || p.port > 65535 {
			return fmt.Errorf("%s out of range: %d", p.name, p.port)
		}
		// Port 0 asks the OS for a free port; duplicates are fine there.
		if p.port == 0 {
			continue
		}
		if other, dup := seen[p.port]; dup {
			return fmt.Errorf("%s and %s both use port %d", other, p.name, p.port)
		}
		seen[p.port] = p.name
	}
	if config.MaxConsoleEntriesPerTab < 1 {
		return fmt.Errorf("MAX_CONSOLE_ENTRIES_PER_TAB must be at least 1")
	}
	if config.MaxCallLogEntries < 1 {
		return fmt.Errorf("MAX_CALL_LOG_ENTRIES must be at least 1")
	}
	if config.ExtensionCallTimeoutMS < 1 {
		return fmt.Errorf("EXTENSION_CALL_TIMEOUT_MS must be at least 1")
	}
	if config.ClientEventHighWatermark < 1 {
		return fmt.Errorf("CLIENT_EVENT_HIGH_WATERMARK must be at least 1")
	}
	if config.TargetIDPrefix == "" {
		return fmt.Errorf("TARGET_ID_PREFIX is required")
	}

	return nil
}
