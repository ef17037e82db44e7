package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg *Config
	}{
		{
			name: "defaults (no env set)",
			env:  map[string]string{},
			wantCfg: &Config{
				Host:                     "127.0.0.1",
				CDPPort:                  9222,
				BROPPort:                 9223,
				ExtPort:                  9224,
				HTTPPort:                 9225,
				MaxConsoleEntriesPerTab:  1000,
				MaxCallLogEntries:        1000,
				ExtensionCallTimeoutMS:   30000,
				ClientEventHighWatermark: 256,
				TargetIDPrefix:           "TAB_",
				EnableRequestLog:         true,
			},
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"HOST":                        "0.0.0.0",
				"CDP_PORT":                    "19222",
				"BROP_PORT":                   "19223",
				"EXT_PORT":                    "19224",
				"HTTP_PORT":                   "19225",
				"MAX_CONSOLE_ENTRIES_PER_TAB": "50",
				"MAX_CALL_LOG_ENTRIES":        "200",
				"EXTENSION_CALL_TIMEOUT_MS":   "5000",
				"CLIENT_EVENT_HIGH_WATERMARK": "32",
				"TARGET_ID_PREFIX":            "PAGE_",
				"ENABLE_REQUEST_LOG":          "false",
			},
			wantCfg: &Config{
				Host:                     "0.0.0.0",
				CDPPort:                  19222,
				BROPPort:                 19223,
				ExtPort:                  19224,
				HTTPPort:                 19225,
				MaxConsoleEntriesPerTab:  50,
				MaxCallLogEntries:        200,
				ExtensionCallTimeoutMS:   5000,
				ClientEventHighWatermark: 32,
				TargetIDPrefix:           "PAGE_",
				EnableRequestLog:         false,
			},
		},
		{
			name: "duplicate ports",
			env: map[string]string{
				"CDP_PORT":  "9222",
				"BROP_PORT": "9222",
			},
			wantErr: true,
		},
		{
			name: "port out of range",
			env: map[string]string{
				"HTTP_PORT": "70000",
			},
			wantErr: true,
		},
		{
			name: "zero console cap",
			env: map[string]string{
				"MAX_CONSOLE_ENTRIES_PER_TAB": "0",
			},
			wantErr: true,
		},
		{
			name: "zero call timeout",
			env: map[string]string{
				"EXTENSION_CALL_TIMEOUT_MS": "0",
			},
			wantErr: true,
		},
		{
			name: "empty target id prefix",
			env: map[string]string{
				"TARGET_ID_PREFIX": "",
			},
			wantErr: true,
		},
	}

	for idx := range testCases {
		tc := testCases[idx]
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()

			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				require.Equal(t, tc.wantCfg, cfg)
			}
		})
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	data := []byte("cdp_port: 18222\nbrop_port: 18223\ntarget_id_prefix: YAML_\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 18222, cfg.CDPPort)
	require.Equal(t, 18223, cfg.BROPPort)
	require.Equal(t, "YAML_", cfg.TargetIDPrefix)
	// Fields absent from the file keep their env defaults.
	require.Equal(t, 9225, cfg.HTTPPort)

	// Env overrides the file.
	t.Setenv("BROP_PORT", "28223")
	cfg, err = Load()
	require.NoError(t, err)
	require.Equal(t, 28223, cfg.BROPPort)
	require.Equal(t, 18222, cfg.CDPPort)
}
