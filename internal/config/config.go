package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	Name           string = "perltidy-ls"
	Version        string = "0.1.0"
	ConfigFileName string = ".perltidy-ls.json"

	// ConfigItemPerl is both the top-level key of the project file and the
	// section requested from the client with workspace/configuration.
	ConfigItemPerl string = "perl"

	DefaultExecutable string = "perltidy"
	ContainerRuntime  string = "docker"
)

// ConfigFileNames lists the accepted project files in lookup order.
var ConfigFileNames = []string{
	ConfigFileName,
	".perltidy-ls.yaml",
	".perltidy-ls.yml",
	".perltidy-ls.toml",
}

// DefaultArgs is the perltidy style used when no arguments are configured:
// quiet, 4-column tabs, cuddled else, unlimited line length, opening braces
// on the same line, no added whitespace, at most 2 blank lines.
var DefaultArgs = []string{
	"-q",
	"-et=4",
	"-t",
	"-ce",
	"-l=0",
	"-bar",
	"-naws",
	"-blbs=2",
	"-mbl=2",
}

// FormatConfig is everything a single format request needs to know about the
// external tool. It is built per request and never cached.
type FormatConfig struct {
	Enabled        bool
	ExecutablePath string
	Args           []string
	ContainerName  string
}

// Executable returns the configured executable or the default one.
func (fc FormatConfig) Executable() string {
	if fc.ExecutablePath == "" {
		return DefaultExecutable
	}
	return fc.ExecutablePath
}

// Arguments returns a copy of the configured arguments or the defaults.
func (fc FormatConfig) Arguments() []string {
	if fc.Args == nil {
		return append([]string(nil), DefaultArgs...)
	}
	return append([]string(nil), fc.Args...)
}

// Settings mirrors the editor's "perl" settings section. Unset fields are nil
// so that one source can be overlaid on another.
type Settings struct {
	Perltidy          *string  `json:"perltidy,omitempty" yaml:"perltidy,omitempty" toml:"perltidy,omitempty"`
	PerltidyArgs      []string `json:"perltidyArgs,omitempty" yaml:"perltidyArgs,omitempty" toml:"perltidyArgs,omitempty"`
	PerltidyContainer *string  `json:"perltidyContainer,omitempty" yaml:"perltidyContainer,omitempty" toml:"perltidyContainer,omitempty"`
}

// Merge returns s with every field set in override replacing its own.
func (s Settings) Merge(override Settings) Settings {
	if override.Perltidy != nil {
		s.Perltidy = override.Perltidy
	}
	if override.PerltidyArgs != nil {
		s.PerltidyArgs = override.PerltidyArgs
	}
	if override.PerltidyContainer != nil {
		s.PerltidyContainer = override.PerltidyContainer
	}
	return s
}

// FormatConfig converts the settings. Formatting is enabled only when a
// perltidy executable is configured.
func (s Settings) FormatConfig() FormatConfig {
	fc := FormatConfig{Args: s.PerltidyArgs}
	if s.Perltidy != nil && *s.Perltidy != "" {
		fc.Enabled = true
		fc.ExecutablePath = *s.Perltidy
	}
	if s.PerltidyContainer != nil {
		fc.ContainerName = *s.PerltidyContainer
	}
	return fc
}

// SettingsFromClient decodes one item of a workspace/configuration response.
// A null item yields empty settings.
func SettingsFromClient(item interface{}) (Settings, error) {
	var settings Settings
	if item == nil {
		return settings, nil
	}

	rawData, err := json.Marshal(item)
	if err != nil {
		return settings, fmt.Errorf("failed to encode client settings: %w", err)
	}
	if err := json.Unmarshal(rawData, &settings); err != nil {
		return settings, fmt.Errorf("failed to parse client settings: %w", err)
	}

	return settings, nil
}

type Config struct {
	RawData     json.RawMessage
	Path        string
	Settings    Settings
	initialized bool
}

func (config *Config) IsInitialized() bool {
	return config.initialized
}

// FindConfigFile returns the first project file present in dir.
func FindConfigFile(dir string) (string, bool) {
	for _, name := range ConfigFileNames {
		configPath := filepath.Join(dir, name)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, true
		}
	}
	return "", false
}

func (config *Config) LoadConfig(projectRoot string) (*Config, error) {
	configPath, found := FindConfigFile(projectRoot)
	if !found {
		return config, fmt.Errorf("config file not found: %s", filepath.Join(projectRoot, ConfigFileName))
	}

	rawData, err := os.ReadFile(configPath)
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}

	var file struct {
		Perl *Settings `json:"perl" yaml:"perl" toml:"perl"`
	}
	if err := decode(configPath, rawData, &file); err != nil {
		return config, fmt.Errorf("failed to parse config file: %w", err)
	}
	if file.Perl == nil {
		return config, fmt.Errorf("no formatter configured (missing key %s)", ConfigItemPerl)
	}

	config.RawData = rawData
	config.Path = configPath
	config.Settings = *file.Perl
	config.initialized = true

	return config, nil
}

func decode(configPath string, rawData []byte, v interface{}) error {
	switch filepath.Ext(configPath) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(rawData, v)
	case ".toml":
		_, err := toml.NewDecoder(bytes.NewReader(rawData)).Decode(v)
		return err
	default:
		return json.Unmarshal(rawData, v)
	}
}
