package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "no-such-config.yml"))
	if err != nil {
		t.Fatalf("Load on a missing file should not error, got: %v", err)
	}
	if cfg.IdentityPath != "" || cfg.PluginPath != "" {
		t.Errorf("Load on a missing file = %+v, want the zero value", cfg)
	}
}

func TestLoadParsesListeners(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	contents := `
identity_path: /home/op/.ssh/id_ed25519
plugin_path: /home/op/.pwncat/plugins
relay_defaults:
  platform: windows
  ssl: true
listeners:
  - protocol: bind
    bind_host: 0.0.0.0
    bind_port: 4444
    platform_hint: linux
    count_limit: 1
    drop_duplicate: true
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IdentityPath != "/home/op/.ssh/id_ed25519" {
		t.Errorf("IdentityPath = %q", cfg.IdentityPath)
	}
	if cfg.RelayDefaults.Platform != "windows" || !cfg.RelayDefaults.SSL {
		t.Errorf("RelayDefaults = %+v", cfg.RelayDefaults)
	}
	if len(cfg.Listeners) != 1 {
		t.Fatalf("Listeners = %+v, want 1 entry", cfg.Listeners)
	}
	l := cfg.Listeners[0]
	if l.BindPort != 4444 || l.PlatformHint != "linux" || !l.DropDuplicate || l.CountLimit != 1 {
		t.Errorf("Listeners[0] = %+v", l)
	}
}

func TestResolvePicksFirstNonEmpty(t *testing.T) {
	cases := []struct {
		candidates []string
		want       string
	}{
		{[]string{"flag", "env", "file"}, "flag"},
		{[]string{"", "env", "file"}, "env"},
		{[]string{"", "", "file"}, "file"},
		{[]string{"", "", ""}, ""},
	}
	for _, c := range cases {
		if got := Resolve(c.candidates...); got != c.want {
			t.Errorf("Resolve(%v) = %q, want %q", c.candidates, got, c.want)
		}
	}
}

func TestDefaultPathHonorsXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/xdg")
	want := filepath.Join("/custom/xdg", "pwncat", "config.yml")
	if got := DefaultPath(); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}
