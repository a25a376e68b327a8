// Package config loads shmds's configuration: the shared base directory
// named regions are rooted at, and the logging level. Loading follows the
// same precedence and JSONC ("hujson") file format as this module's
// ancestry's own config loader, generalized from one setting to this
// module's own small set.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// Config holds shmds's runtime configuration.
type Config struct {
	// BaseDir is the directory named regions and process-barrier primitives
	// are rooted at. Point it at a tmpfs mount (conventionally /dev/shm) for
	// true shared-memory semantics.
	BaseDir string `json:"base_dir"` //nolint:tagliatelle // snake_case for config file

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `json:"log_level,omitempty"` //nolint:tagliatelle
}

var (
	errConfigInvalid      = errors.New("config: invalid")
	errConfigFileNotFound = errors.New("config: file not found")
	errConfigFileRead     = errors.New("config: could not read file")
	errBaseDirEmpty       = errors.New("config: base_dir must not be empty")
)

// ConfigFileName is the default project config file name, looked for in the
// current working directory.
const ConfigFileName = ".shmds.json"

// DefaultConfig returns the configuration used when no config file and no
// override sets a value.
func DefaultConfig() Config {
	return Config{
		BaseDir:  filepath.Join(os.TempDir(), "shmds"),
		LogLevel: "info",
	}
}

// Sources reports which config files, if any, contributed to a loaded
// Config.
type Sources struct {
	Global  string
	Project string
}

// Load loads configuration with the following precedence (highest wins):
//  1. DefaultConfig
//  2. Global user config ($XDG_CONFIG_HOME/shmds/config.json, falling back
//     to ~/.config/shmds/config.json)
//  3. The explicit config file at configPath if non-empty (it must exist);
//     otherwise the project config file at workDir/.shmds.json, if present.
//     The project file is not read when configPath is set.
//  4. cliOverrides, applied field-by-field where non-zero
func Load(workDir, configPath string, cliOverrides Config) (Config, Sources, error) {
	cfg := DefaultConfig()

	var sources Sources

	globalCfg, globalPath, err := loadGlobalConfig()
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = merge(cfg, projectCfg)
	cfg = merge(cfg, cliOverrides)

	if cfg.BaseDir == "" {
		return Config{}, Sources{}, errBaseDirEmpty
	}

	return cfg, sources, nil
}

func globalConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "shmds", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "shmds", "config.json")
}

func loadGlobalConfig() (Config, string, error) {
	path := globalConfigPath()
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	path := filepath.Join(workDir, ConfigFileName)
	mustExist := false

	if configPath != "" {
		path = configPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		mustExist = true

		if _, err := os.Stat(path); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	}

	cfg, loaded, err := loadConfigFile(path, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user/env-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: invalid JSONC: %w", errConfigInvalid, path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("%w %s: invalid JSON: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func merge(base, overlay Config) Config {
	if overlay.BaseDir != "" {
		base.BaseDir = overlay.BaseDir
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	return base
}

