// Package config layers envforge's runtime settings: built-in defaults, an
// optional INI file, then environment variables, in that order. Command
// flags are applied last by the caller, after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/go-ini/ini"
)

// Config holds the settings every envforge subcommand needs to talk to an
// index and materialize environments.
type Config struct {
	IndexURLs     []string
	CacheDir      string
	StoreDir      string
	MaxRetries    int
	PlatformTag   string
	PythonVersion string
	Jobs          int
	Verbose       bool
}

const (
	defaultIndexURL      = "https://pypi.org/simple/"
	defaultMaxRetries    = 3
	defaultPlatformTag   = "manylinux_2_17_x86_64"
	defaultPythonVersion = ">=3.9"
)

// Defaults returns the built-in configuration before any file or
// environment layer is applied.
func Defaults() Config {
	cacheDir, storeDir := defaultDirs()
	return Config{
		IndexURLs:     []string{defaultIndexURL},
		CacheDir:      cacheDir,
		StoreDir:      storeDir,
		MaxRetries:    defaultMaxRetries,
		PlatformTag:   defaultPlatformTag,
		PythonVersion: defaultPythonVersion,
		Jobs:          runtime.GOMAXPROCS(0),
	}
}

func defaultDirs() (cacheDir, storeDir string) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cache", "envforge"), filepath.Join(home, ".local", "share", "envforge", "store")
}

// Load layers an optional INI file at path over Defaults(), then applies
// ENVFORGE_* environment overrides. A missing path is not an error; a
// present-but-unparseable one is.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			f, err := ini.Load(path)
			if err != nil {
				return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
			}
			applyINI(&cfg, f)
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyINI reads envforge.cfg's two sections: [global] (index URLs, cache
// directory, HTTP retry count) and [install] (store directory, platform tag,
// python-version target and job count), following the shape of pip.conf's
// own [global]/[install] split, plus a top-level verbose key.
func applyINI(cfg *Config, f *ini.File) {
	global := f.Section("global")
	if urls := global.Key("index-url").Strings(","); len(urls) > 0 {
		cfg.IndexURLs = urls
	}
	if v := global.Key("cache-dir").String(); v != "" {
		cfg.CacheDir = v
	}
	if v, err := global.Key("retries").Int(); err == nil && v > 0 {
		cfg.MaxRetries = v
	}

	install := f.Section("install")
	if v := install.Key("store-dir").String(); v != "" {
		cfg.StoreDir = v
	}
	if v := install.Key("platform").String(); v != "" {
		cfg.PlatformTag = v
	}
	if v := install.Key("python-version").String(); v != "" {
		cfg.PythonVersion = v
	}
	if v, err := install.Key("jobs").Int(); err == nil && v > 0 {
		cfg.Jobs = v
	}

	if v, err := f.Section("").Key("verbose").Bool(); err == nil {
		cfg.Verbose = v
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ENVFORGE_INDEX_URL"); v != "" {
		cfg.IndexURLs = []string{v}
	}
	cfg.CacheDir = getenv("ENVFORGE_CACHE_DIR", cfg.CacheDir)
	cfg.StoreDir = getenv("ENVFORGE_STORE_DIR", cfg.StoreDir)
	cfg.MaxRetries = getenvInt("ENVFORGE_RETRIES", cfg.MaxRetries)
	cfg.PlatformTag = getenv("ENVFORGE_PLATFORM", cfg.PlatformTag)
	cfg.PythonVersion = getenv("ENVFORGE_PYTHON_VERSION", cfg.PythonVersion)
	cfg.Jobs = getenvInt("ENVFORGE_JOBS", cfg.Jobs)
	cfg.Verbose = getenvBool("ENVFORGE_VERBOSE", cfg.Verbose)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "1", "true", "TRUE", "yes", "YES", "on", "ON":
			return true
		case "0", "false", "FALSE", "no", "NO", "off", "OFF":
			return false
		}
	}
	return def
}
