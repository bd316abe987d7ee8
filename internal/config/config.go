package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type IndexConfig struct {
	// DocsBaseURL is the root that relative links inside implementor records resolve against.
	DocsBaseURL       url.URL  `mapstructure:"docs_base_url"`
	FragmentDirs      []string `mapstructure:"fragment_dirs"`
	FragmentURLs      []string `mapstructure:"fragment_urls"`
	InitializeOnStart bool     `mapstructure:"initialize_on_start"`
}

type LoaderConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type DaemonConfig struct {
	ExpirationSeconds int `mapstructure:"expiration_seconds"`
}

type Config struct {
	Index  IndexConfig  `mapstructure:"index"`
	Loader LoaderConfig `mapstructure:"loader"`
	Daemon DaemonConfig `mapstructure:"daemon"`
}

// cacheBase returns the base cache directory for implindex.
// Checks XDG_CACHE_HOME, then ~/.cache, then /tmp/implindex as fallback.
func cacheBase() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "implindex")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "implindex")
	}
	return filepath.Join(os.TempDir(), "implindex")
}

// DBPath returns the path to the DuckDB load journal.
func DBPath() string {
	return filepath.Join(cacheBase(), "journal.db")
}

// CASDir returns the directory holding raw fragment payloads.
func CASDir() string {
	return filepath.Join(cacheBase(), "cas")
}

// LogPath returns the path to the daemon's log file.
func LogPath() string {
	return filepath.Join(cacheBase(), "daemon.log")
}

// SocketPath returns the path to the daemon's unix socket.
func SocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "implindex", "daemon.sock")
	}
	return filepath.Join(fmt.Sprintf("/run/user/%d", os.Getuid()), "implindex", "daemon.sock")
}

func InitializeViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("toml")

	viper.AddConfigPath(".")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		viper.AddConfigPath(filepath.Join(xdg, "implindex"))
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "implindex"))
	}

	viper.SetDefault("index.docs_base_url", "")
	viper.SetDefault("index.fragment_dirs", []string{})
	viper.SetDefault("index.fragment_urls", []string{})
	viper.SetDefault("index.initialize_on_start", true)
	viper.SetDefault("loader.concurrency", 8)
	viper.SetDefault("loader.timeout_seconds", 60)
	viper.SetDefault("daemon.expiration_seconds", 600)

	viper.SetEnvPrefix("IMPLINDEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// BaseURL returns the docs base URL, or "" when none is configured.
func (c IndexConfig) BaseURL() string {
	if c.DocsBaseURL.Scheme == "" {
		return ""
	}
	return c.DocsBaseURL.String()
}

// stringToURLHookFunc parses string values into url.URL. A base URL always gets a
// trailing slash so relative record links resolve beneath it.
func stringToURLHookFunc() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(url.URL{}) || f.Kind() != reflect.String {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return url.URL{}, nil
		}
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid docs base URL %q: %w", raw, err)
		}
		if u.Scheme == "" {
			return nil, fmt.Errorf("docs base URL %q must be absolute", raw)
		}
		return *u, nil
	}
}

func Load() (*Config, error) {
	if err := InitializeViper(); err != nil {
		return nil, err
	}
	return decode(viper.AllSettings())
}

func decode(settings map[string]interface{}) (*Config, error) {
	var config Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			// Lists set through environment variables arrive comma-separated.
			mapstructure.StringToSliceHookFunc(","),
			stringToURLHookFunc(),
		),
		Result: &config,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Loader.Concurrency <= 0 {
		config.Loader.Concurrency = 8
	}
	if config.Loader.TimeoutSeconds <= 0 {
		config.Loader.TimeoutSeconds = 60
	}
	return &config, nil
}
