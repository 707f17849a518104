package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultBaseDirName = ".apirecorder"
	defaultConfigName  = "config.yaml"
)

type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	CORSAllowOrigin string `yaml:"cors_allow_origin"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

type CaptureConfig struct {
	MaxBodyBytes int `yaml:"max_body_bytes"`
	EventBuffer  int `yaml:"event_buffer"`
}

type BrowserConfig struct {
	Headless             bool   `yaml:"headless"`
	ExecPath             string `yaml:"exec_path"`
	UserAgent            string `yaml:"user_agent"`
	LaunchTimeoutSeconds int    `yaml:"launch_timeout_seconds"`
	BodyTimeoutMs        int    `yaml:"body_timeout_ms"`
}

type ProxyConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	DialTimeoutSeconds int    `yaml:"dial_timeout_seconds"`
	// VerifyTLS enables upstream certificate checks; capture favors reachability.
	VerifyTLS         bool `yaml:"verify_tls"`
	ShutdownTimeoutMs int  `yaml:"shutdown_timeout_ms"`
}

type MITMConfig struct {
	Port           int      `yaml:"port"`
	Command        []string `yaml:"command"`
	Script         string   `yaml:"script"`
	Dir            string   `yaml:"dir"`
	StartupGraceMs int      `yaml:"startup_grace_ms"`
	StopTimeoutMs  int      `yaml:"stop_timeout_ms"`
	DebounceMs     int      `yaml:"debounce_ms"`
	ProbeTimeoutMs int      `yaml:"probe_timeout_ms"`
	PollIntervalMs int      `yaml:"poll_interval_ms"`
	CACertFile     string   `yaml:"ca_cert_file"`
	CAKeyFile      string   `yaml:"ca_key_file"`
}

type FilterConfig struct {
	IgnoreExtensions   []string `yaml:"ignore_extensions"`
	IgnoreContentTypes []string `yaml:"ignore_content_types"`
	IgnorePaths        []string `yaml:"ignore_paths"`
}

type SanitizeConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Headers     []string `yaml:"headers"`
	BodyFields  []string `yaml:"body_fields"`
	Replacement string   `yaml:"replacement"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Capture  CaptureConfig  `yaml:"capture"`
	Browser  BrowserConfig  `yaml:"browser"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	MITM     MITMConfig     `yaml:"mitm"`
	Filter   FilterConfig   `yaml:"filter"`
	Sanitize SanitizeConfig `yaml:"sanitize"`

	// BaseDir is where relative state paths are resolved. Not read from YAML.
	BaseDir string `yaml:"-"`
}

// BaseDir returns ~/.apirecorder.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, defaultBaseDirName), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, defaultConfigName), nil
}

// Load loads YAML config, then applies env overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}
	cfg.BaseDir = filepath.Dir(configPath)

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.SetDefaults()
	applyEnvOverrides(cfg)
	return cfg, nil
}

func (c *Config) SetDefaults() {
	if c.BaseDir == "" {
		if base, err := BaseDir(); err == nil {
			c.BaseDir = base
		} else {
			c.BaseDir = defaultBaseDirName
		}
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.CORSAllowOrigin == "" {
		c.Server.CORSAllowOrigin = "*"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.BaseDir, "apirecorder.db")
	}
	if c.Capture.MaxBodyBytes == 0 {
		c.Capture.MaxBodyBytes = 1 << 20
	}
	if c.Capture.EventBuffer == 0 {
		c.Capture.EventBuffer = 1024
	}
	if c.Browser.LaunchTimeoutSeconds == 0 {
		c.Browser.LaunchTimeoutSeconds = 30
	}
	if c.Browser.BodyTimeoutMs == 0 {
		c.Browser.BodyTimeoutMs = 5000
	}
	if c.Proxy.Host == "" {
		c.Proxy.Host = "127.0.0.1"
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = 8899
	}
	if c.Proxy.DialTimeoutSeconds == 0 {
		c.Proxy.DialTimeoutSeconds = 10
	}
	if c.Proxy.ShutdownTimeoutMs == 0 {
		c.Proxy.ShutdownTimeoutMs = 2000
	}
	if c.MITM.Port == 0 {
		c.MITM.Port = 8898
	}
	if c.MITM.Dir == "" {
		c.MITM.Dir = filepath.Join(c.BaseDir, "mitm")
	}
	if c.MITM.StartupGraceMs == 0 {
		c.MITM.StartupGraceMs = 2000
	}
	if c.MITM.StopTimeoutMs == 0 {
		c.MITM.StopTimeoutMs = 5000
	}
	if c.MITM.DebounceMs == 0 {
		c.MITM.DebounceMs = 150
	}
	if c.MITM.ProbeTimeoutMs == 0 {
		c.MITM.ProbeTimeoutMs = 300
	}
	if c.MITM.PollIntervalMs == 0 {
		c.MITM.PollIntervalMs = 250
	}
	if c.MITM.CACertFile == "" {
		c.MITM.CACertFile = filepath.Join(c.BaseDir, "ca.pem")
	}
	if c.MITM.CAKeyFile == "" {
		c.MITM.CAKeyFile = filepath.Join(c.BaseDir, "ca-key.pem")
	}
	if len(c.Filter.IgnoreExtensions) == 0 {
		c.Filter.IgnoreExtensions = []string{".js", ".css", ".png", ".jpg", ".gif", ".svg", ".woff", ".woff2", ".ico", ".map"}
	}
	if len(c.Filter.IgnoreContentTypes) == 0 {
		c.Filter.IgnoreContentTypes = []string{"text/html", "text/css", "image/*", "font/*", "application/javascript"}
	}
	if len(c.Filter.IgnorePaths) == 0 {
		c.Filter.IgnorePaths = []string{"/static/", "/assets/", "/favicon"}
	}
	if len(c.Sanitize.Headers) == 0 {
		c.Sanitize.Headers = []string{"Authorization", "Cookie", "Set-Cookie", "X-Api-Key", "X-Auth-Token", "Proxy-Authorization"}
	}
	if len(c.Sanitize.BodyFields) == 0 {
		c.Sanitize.BodyFields = []string{"password", "secret", "token", "api_key", "access_token", "refresh_token", "credential"}
	}
	if c.Sanitize.Replacement == "" {
		c.Sanitize.Replacement = "***REDACTED***"
	}
}

func (c *Config) Validate() error {
	for name, port := range map[string]int{"server.port": c.Server.Port, "proxy.port": c.Proxy.Port, "mitm.port": c.MITM.Port} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.Proxy.Port == c.MITM.Port {
		return errors.New("proxy.port and mitm.port must differ")
	}
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path cannot be empty")
	}
	if strings.TrimSpace(c.MITM.Dir) == "" {
		return errors.New("mitm.dir cannot be empty")
	}
	if c.Capture.MaxBodyBytes < 0 {
		return errors.New("capture.max_body_bytes cannot be negative")
	}
	return nil
}

// EnsureDirs creates the state directories used at runtime.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.BaseDir, filepath.Dir(c.Storage.DBPath), c.MITM.Dir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func applyEnvOverrides(c *Config) {
	setString(&c.Server.Host, "APIREC_SERVER_HOST")
	setInt(&c.Server.Port, "APIREC_SERVER_PORT")
	setString(&c.Log.Level, "APIREC_LOG_LEVEL")
	setString(&c.Storage.DBPath, "APIREC_DB_PATH")
	setInt(&c.Capture.MaxBodyBytes, "APIREC_MAX_BODY_BYTES")
	setBool(&c.Browser.Headless, "APIREC_BROWSER_HEADLESS")
	setString(&c.Browser.ExecPath, "APIREC_BROWSER_EXEC_PATH")
	setInt(&c.Proxy.Port, "APIREC_PROXY_PORT")
	setBool(&c.Proxy.VerifyTLS, "APIREC_PROXY_VERIFY_TLS")
	setInt(&c.MITM.Port, "APIREC_MITM_PORT")
	setString(&c.MITM.Dir, "APIREC_MITM_DIR")
	setBool(&c.Sanitize.Enabled, "APIREC_SANITIZE")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
