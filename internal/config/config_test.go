package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestCacheBase_XDGSet(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/custom/cache")
	got := cacheBase()
	want := filepath.Join("/custom/cache", "implindex")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCacheBase_HomeDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "")
	got := cacheBase()
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home dir")
	}
	want := filepath.Join(home, ".cache", "implindex")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCacheBase_TmpFallback(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "")
	t.Setenv("HOME", "")
	got := cacheBase()
	// Should use os.TempDir() when HOME is unset
	if !strings.Contains(got, "implindex") {
		t.Errorf("expected implindex in path, got %q", got)
	}
}

func TestSocketPath_XDGRuntime(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/test")
	if got, want := SocketPath(), filepath.Join("/run/test", "implindex", "daemon.sock"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("full", func(t *testing.T) {
		cfg, err := decode(map[string]interface{}{
			"index": map[string]interface{}{
				"docs_base_url":       "https://paritytech.github.io/polkadot-sdk/master",
				"fragment_dirs":       []interface{}{"/a", "/b"},
				"fragment_urls":       "https://x/implementors/a/trait.A.js,https://x/implementors/b/trait.B.js",
				"initialize_on_start": false,
			},
			"loader": map[string]interface{}{"concurrency": 4},
			"daemon": map[string]interface{}{"expiration_seconds": 30},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := cfg.Index.BaseURL(); got != "https://paritytech.github.io/polkadot-sdk/master/" {
			t.Errorf("base URL = %q", got)
		}
		if !reflect.DeepEqual(cfg.Index.FragmentDirs, []string{"/a", "/b"}) {
			t.Errorf("dirs = %v", cfg.Index.FragmentDirs)
		}
		if len(cfg.Index.FragmentURLs) != 2 {
			t.Errorf("comma-separated URLs not split: %v", cfg.Index.FragmentURLs)
		}
		if cfg.Index.InitializeOnStart {
			t.Error("initialize_on_start should be false")
		}
		if cfg.Loader.Concurrency != 4 || cfg.Daemon.ExpirationSeconds != 30 {
			t.Errorf("unexpected %+v", cfg)
		}
		if cfg.Loader.TimeoutSeconds != 60 {
			t.Errorf("timeout default not applied: %d", cfg.Loader.TimeoutSeconds)
		}
	})

	t.Run("empty_base_url", func(t *testing.T) {
		cfg, err := decode(map[string]interface{}{
			"index": map[string]interface{}{"docs_base_url": ""},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := cfg.Index.BaseURL(); got != "" {
			t.Errorf("expected no base URL, got %q", got)
		}
	})

	t.Run("relative_base_url", func(t *testing.T) {
		_, err := decode(map[string]interface{}{
			"index": map[string]interface{}{"docs_base_url": "docs/master"},
		})
		if err == nil {
			t.Error("expected error for relative base URL")
		}
	})
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if err := os.MkdirAll(filepath.Join(dir, "implindex"), 0755); err != nil {
		t.Fatal(err)
	}
	data := "[index]\ndocs_base_url = \"https://docs.example.com/\"\nfragment_dirs = [\"/srv/docs\"]\n"
	if err := os.WriteFile(filepath.Join(dir, "implindex", "config.toml"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	// Keep the working directory's config.toml, if any, out of the way.
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Index.BaseURL() != "https://docs.example.com/" {
		t.Errorf("base URL = %q", cfg.Index.BaseURL())
	}
	if !reflect.DeepEqual(cfg.Index.FragmentDirs, []string{"/srv/docs"}) {
		t.Errorf("dirs = %v", cfg.Index.FragmentDirs)
	}
	if !cfg.Index.InitializeOnStart {
		t.Error("initialize_on_start default should be true")
	}
}
