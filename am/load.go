package am

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/cellsync/errors"
)

// EnvPrefix prefixes every environment override, e.g. CELLSYNC_SYNC_NAME
const EnvPrefix = "CELLSYNC"

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper

	// ConfigSources records, per flattened key, the file layer that set it
	// during the last Load. Keys absent here come from defaults or env.
	ConfigSources = map[string]SourceInfo{}
)

// Load reads the cellsync configuration using Viper.
// Precedence (lowest to highest): defaults < system < user < project < env vars
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v, err := initViper()
	if err != nil {
		return nil, err
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() (*viper.Viper, error) {
	mu.Lock()
	defer mu.Unlock()
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path, over defaults only
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "config file %s", configPath)
	}
	return config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
}

// initViper initializes Viper with configuration sources and defaults.
// Callers hold mu.
func initViper() (*viper.Viper, error) {
	if viperInstance != nil {
		return viperInstance, nil
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
	SetDefaults(v)

	sources := map[string]SourceInfo{}
	if err := mergeConfigFiles(v, sources); err != nil {
		return nil, err
	}

	ConfigSources = sources
	viperInstance = v
	return v, nil
}

// UserConfigDir returns ~/.cellsync
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cellsync")
}

// UserConfigPath returns ~/.cellsync/am.toml
func UserConfigPath() string {
	dir := UserConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "am.toml")
}

// findProjectConfig searches for am.toml by walking up the directory tree.
// Returns the path to the first one found, or empty string if none found
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	userPath := UserConfigPath()

	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil && amPath != userPath {
			return amPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// configLayers lists the config files in precedence order, lowest first
func configLayers() []SourceInfo {
	layers := []SourceInfo{{Source: SourceSystem, Path: "/etc/cellsync/am.toml"}}
	if p := UserConfigPath(); p != "" {
		layers = append(layers, SourceInfo{Source: SourceUser, Path: p})
	}
	if p := findProjectConfig(); p != "" {
		layers = append(layers, SourceInfo{Source: SourceProject, Path: p})
	}
	return layers
}

// mergeConfigFiles deep-merges every existing layer into v's config layer,
// so a higher file overrides single settings rather than whole sections and
// env vars still win over all files.
func mergeConfigFiles(v *viper.Viper, sources map[string]SourceInfo) error {
	for _, layer := range configLayers() {
		if _, err := os.Stat(layer.Path); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(layer.Path)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read %s config %s", layer.Source, layer.Path)
		}

		settings := tempViper.AllSettings()
		if err := v.MergeConfigMap(settings); err != nil {
			return errors.Wrapf(err, "failed to merge %s", layer.Path)
		}
		for _, key := range flattenKeys(settings, "") {
			sources[key] = layer
		}
	}
	return nil
}

// flattenKeys returns the dotted leaf keys of a nested settings map, sorted
func flattenKeys(settings map[string]interface{}, prefix string) []string {
	var keys []string
	for k, val := range settings {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok && len(nested) > 0 {
			keys = append(keys, flattenKeys(nested, full)...)
			continue
		}
		keys = append(keys, full)
	}
	sort.Strings(keys)
	return keys
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	v, err := GetViper()
	if err != nil {
		return ""
	}
	return v.GetString(key)
}

// ActiveConfigFiles returns the existing config files, lowest precedence first
func ActiveConfigFiles() []string {
	var out []string
	for _, layer := range configLayers() {
		if _, err := os.Stat(layer.Path); err == nil {
			out = append(out, layer.Path)
		}
	}
	return out
}

// ConfigLayers returns every file location checked, lowest precedence first
func ConfigLayers() []SourceInfo {
	return configLayers()
}
