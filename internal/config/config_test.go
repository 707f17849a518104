package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetDefaults(t *testing.T) {
	c := &Config{BaseDir: "/tmp/apirec"}
	c.SetDefaults()
	if c.Server.Port != 3000 {
		t.Fatalf("expected port 3000")
	}
	if c.Server.Host != "127.0.0.1" {
		t.Fatalf("expected default host")
	}
	if c.Log.Level != "info" {
		t.Fatalf("expected info level")
	}
	if c.Proxy.Port != 8899 {
		t.Fatalf("expected proxy port 8899, got %d", c.Proxy.Port)
	}
	if c.MITM.Dir != filepath.Join("/tmp/apirec", "mitm") {
		t.Fatalf("unexpected mitm dir %s", c.MITM.Dir)
	}
	if c.Storage.DBPath != filepath.Join("/tmp/apirec", "apirecorder.db") {
		t.Fatalf("unexpected db path %s", c.Storage.DBPath)
	}
	if c.Browser.Headless {
		t.Fatalf("browser must be visible by default")
	}
}

func TestLoadFromYAML(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("proxy:\n  port: 9900\nserver:\n  port: 8080\nmitm:\n  command: [\"mitmdump\", \"-p\", \"{port}\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Proxy.Port != 9900 {
		t.Fatalf("unexpected proxy port %d", cfg.Proxy.Port)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("unexpected port %d", cfg.Server.Port)
	}
	if len(cfg.MITM.Command) != 3 || cfg.MITM.Command[2] != "{port}" {
		t.Fatalf("unexpected mitm command %v", cfg.MITM.Command)
	}
	if cfg.BaseDir != tmp {
		t.Fatalf("base dir should follow config location, got %s", cfg.BaseDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APIREC_PROXY_PORT", "7001")
	t.Setenv("APIREC_SANITIZE", "true")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Proxy.Port != 7001 {
		t.Fatalf("env override not applied: %d", cfg.Proxy.Port)
	}
	if !cfg.Sanitize.Enabled {
		t.Fatalf("expected sanitize enabled")
	}
}

func TestValidate(t *testing.T) {
	c := &Config{BaseDir: t.TempDir()}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	c.MITM.Port = c.Proxy.Port
	if err := c.Validate(); err == nil {
		t.Fatalf("expected port clash error")
	}
	c.MITM.Port = 70000
	if err := c.Validate(); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestEnsureDirs(t *testing.T) {
	c := &Config{BaseDir: filepath.Join(t.TempDir(), "state")}
	c.SetDefaults()
	if err := c.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(c.MITM.Dir); err != nil {
		t.Fatalf("mitm dir missing: %v", err)
	}
}
