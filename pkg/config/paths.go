package config

import (
	"path/filepath"

	"github.com/spf13/viper"
)

// BaseSettingsDir returns the directory holding the active settings file.
func BaseSettingsDir() string {
	// config.path overrides the lookup (used by tests)
	if configPath := viper.GetString("config.path"); configPath != "" {
		return configPath
	}

	currentConfig := viper.ConfigFileUsed()
	if currentConfig == "" {
		return ".kortix"
	}
	return filepath.Dir(currentConfig)
}

// BuildSettingsPath resolves target relative to the settings directory.
func BuildSettingsPath(target string) string {
	return filepath.Join(BaseSettingsDir(), target)
}
