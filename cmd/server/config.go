package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relaytun/relaytun/internal/allocator"
	"github.com/relaytun/relaytun/internal/ipfilter"
	"github.com/relaytun/relaytun/internal/server"
)

const defaultConfigPath = "/etc/relaytun/server.yaml"

// fileConfig is the on-disk YAML/env shape. Parsing it into the plain
// server.Config the core package consumes is this command's job, not
// internal/server's.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	PublicPort int    `yaml:"public_port"`

	Domains []struct {
		Domain   string `yaml:"domain"`
		BasePath string `yaml:"base_path"`
	} `yaml:"domains"`

	TunnelPortMin int `yaml:"tunnel_port_min"`
	TunnelPortMax int `yaml:"tunnel_port_max"`

	AuthRequired bool     `yaml:"auth_required"`
	AuthTokens   []string `yaml:"auth_tokens"`

	IPAccessMode  string   `yaml:"ip_access_mode"`
	IPAllowList   []string `yaml:"ip_allow_list"`
	IPDenyList    []string `yaml:"ip_deny_list"`

	TLSMode  string `yaml:"tls_mode"` // "off", "external", "self_signed"
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	MaxResponseMB int `yaml:"max_response_mb"`
}

func defaultFileConfig() *fileConfig {
	return &fileConfig{
		ListenAddr:    ":8080",
		TunnelPortMin: 10000,
		TunnelPortMax: 20000,
		IPAccessMode:  string(ipfilter.ModeAll),
		TLSMode:       "off",
		MaxResponseMB: 10,
		Domains: []struct {
			Domain   string `yaml:"domain"`
			BasePath string `yaml:"base_path"`
		}{{Domain: "localhost", BasePath: "op"}},
	}
}

// loadConfig reads path (falling back to defaultConfigPath), applies
// RELAYTUN_* environment overrides, and translates the result into a
// server.Config. When tls_mode is "external" it also reads the
// configured certificate and key files from disk.
func loadConfig(path string) (server.Config, []byte, []byte, error) {
	fc := defaultFileConfig()
	if path == "" {
		path = defaultConfigPath
	}

	if err := loadConfigFile(fc, path); err != nil {
		slog.Warn("could not load config file, using defaults and env vars", "path", path, "error", err)
	} else {
		slog.Info("loaded config file", "path", path)
	}

	applyEnvOverrides(fc)

	cfg, err := translateConfig(fc)
	if err != nil {
		return server.Config{}, nil, nil, err
	}

	var certPEM, keyPEM []byte
	if cfg.TLSMode == server.TLSExternal {
		certPEM, err = os.ReadFile(fc.CertFile)
		if err != nil {
			return server.Config{}, nil, nil, fmt.Errorf("reading cert_file: %w", err)
		}
		keyPEM, err = os.ReadFile(fc.KeyFile)
		if err != nil {
			return server.Config{}, nil, nil, fmt.Errorf("reading key_file: %w", err)
		}
	}

	return cfg, certPEM, keyPEM, nil
}

func loadConfigFile(fc *fileConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(fc *fileConfig) {
	if v := os.Getenv("RELAYTUN_LISTEN_ADDR"); v != "" {
		fc.ListenAddr = v
	}
	if v := os.Getenv("RELAYTUN_PUBLIC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			fc.PublicPort = p
		}
	}
	if v := os.Getenv("RELAYTUN_AUTH_TOKENS"); v != "" {
		fc.AuthTokens = strings.Split(v, ",")
		fc.AuthRequired = true
	}
	if v := os.Getenv("RELAYTUN_TLS_MODE"); v != "" {
		fc.TLSMode = v
	}
	if v := os.Getenv("RELAYTUN_CERT_FILE"); v != "" {
		fc.CertFile = v
	}
	if v := os.Getenv("RELAYTUN_KEY_FILE"); v != "" {
		fc.KeyFile = v
	}
	if v := os.Getenv("RELAYTUN_IP_ACCESS_MODE"); v != "" {
		fc.IPAccessMode = v
	}
}

func translateConfig(fc *fileConfig) (server.Config, error) {
	cfg := server.Config{
		ListenAddr: fc.ListenAddr,
		PublicPort: fc.PublicPort,
		Auth:       server.AuthConfig{Required: fc.AuthRequired, Tokens: fc.AuthTokens},
	}

	for _, d := range fc.Domains {
		cfg.Domains = append(cfg.Domains, server.DomainRule{Domain: d.Domain, BasePath: d.BasePath})
	}

	if fc.TunnelPortMin != 0 || fc.TunnelPortMax != 0 {
		cfg.TunnelPortRange = allocator.PortRange{Min: fc.TunnelPortMin, Max: fc.TunnelPortMax}
	}

	if fc.MaxResponseMB > 0 {
		cfg.MaxResponseBytes = int64(fc.MaxResponseMB) << 20
	}

	if fc.IPAccessMode != "" && fc.IPAccessMode != string(ipfilter.ModeAll) {
		filter, err := ipfilter.New(ipfilter.Mode(fc.IPAccessMode), fc.IPAllowList, fc.IPDenyList)
		if err != nil {
			return server.Config{}, fmt.Errorf("building ip filter: %w", err)
		}
		cfg.IPFilter = filter
	}

	switch fc.TLSMode {
	case "", "off":
		cfg.TLSMode = server.TLSOff
	case "external":
		if fc.CertFile == "" || fc.KeyFile == "" {
			return server.Config{}, fmt.Errorf("tls_mode external requires cert_file and key_file")
		}
		cfg.TLSMode = server.TLSExternal
	case "self_signed":
		cfg.TLSMode = server.TLSAutomatic
		cfg.CertProvider = server.NewSelfSignedProvider(0)
	default:
		return server.Config{}, fmt.Errorf("unknown tls_mode %q", fc.TLSMode)
	}

	return cfg.WithDefaults(), nil
}
