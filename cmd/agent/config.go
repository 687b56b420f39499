package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relaytun/relaytun/internal/agent"
)

const defaultConfigPath = "/etc/relaytun/agent.yaml"

// fileConfig is the on-disk YAML/env shape for the agent. Parsing it
// into the plain agent.Config the core package consumes is this
// command's job, not internal/agent's.
type fileConfig struct {
	ServerURL          string `yaml:"server_url"`
	Token              string `yaml:"token"`
	Reconnect          bool   `yaml:"reconnect"`
	RejectUnauthorized bool   `yaml:"reject_unauthorized"`

	Tunnels []struct {
		Name       string `yaml:"name"`
		Protocol   string `yaml:"protocol"`
		LocalHost  string `yaml:"local_host"`
		LocalPort  int    `yaml:"local_port"`
		Subdomain  string `yaml:"subdomain"`
		RemotePort *int   `yaml:"remote_port"`
		Autostart  bool   `yaml:"autostart"`
	} `yaml:"tunnels"`
}

func defaultFileConfig() *fileConfig {
	return &fileConfig{
		ServerURL:          "http://localhost:8080",
		Reconnect:          true,
		RejectUnauthorized: true,
	}
}

// loadConfig reads path (falling back to defaultConfigPath), applies
// RELAYTUN_* environment overrides, and translates the result into an
// agent.Config.
func loadConfig(path string) (agent.Config, error) {
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

	return translateConfig(fc)
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
	if v := os.Getenv("RELAYTUN_SERVER_URL"); v != "" {
		fc.ServerURL = v
	}
	if v := os.Getenv("RELAYTUN_TOKEN"); v != "" {
		fc.Token = v
	}
	if v := os.Getenv("RELAYTUN_RECONNECT"); v != "" {
		fc.Reconnect = v != "false" && v != "0"
	}
	if v := os.Getenv("RELAYTUN_REJECT_UNAUTHORIZED"); v != "" {
		fc.RejectUnauthorized = v != "false" && v != "0"
	}
	// RELAYTUN_TUNNEL declares one ad hoc tunnel, e.g.
	// "web:http:localhost:3000:myapp" (name:protocol:localHost:localPort:subdomain).
	// Intended for quick CLI use; config-file tunnels cover everything else.
	if v := os.Getenv("RELAYTUN_TUNNEL"); v != "" {
		parts := strings.Split(v, ":")
		if len(parts) >= 4 {
			port, err := strconv.Atoi(parts[3])
			if err == nil {
				entry := struct {
					Name       string `yaml:"name"`
					Protocol   string `yaml:"protocol"`
					LocalHost  string `yaml:"local_host"`
					LocalPort  int    `yaml:"local_port"`
					Subdomain  string `yaml:"subdomain"`
					RemotePort *int   `yaml:"remote_port"`
					Autostart  bool   `yaml:"autostart"`
				}{Name: parts[0], Protocol: parts[1], LocalHost: parts[2], LocalPort: port, Autostart: true}
				if len(parts) >= 5 {
					entry.Subdomain = parts[4]
				}
				fc.Tunnels = append(fc.Tunnels, entry)
			}
		}
	}
}

func translateConfig(fc *fileConfig) (agent.Config, error) {
	if fc.ServerURL == "" {
		return agent.Config{}, fmt.Errorf("server_url is required")
	}

	cfg := agent.Config{
		ServerURL:          fc.ServerURL,
		Token:              fc.Token,
		Reconnect:          fc.Reconnect,
		RejectUnauthorized: fc.RejectUnauthorized,
	}

	for _, t := range fc.Tunnels {
		if t.Protocol == "" {
			return agent.Config{}, fmt.Errorf("tunnel %q: protocol is required", t.Name)
		}
		cfg.Tunnels = append(cfg.Tunnels, agent.TunnelSpec{
			Name: t.Name, Protocol: t.Protocol, LocalHost: t.LocalHost, LocalPort: t.LocalPort,
			Subdomain: t.Subdomain, RemotePort: t.RemotePort, Autostart: t.Autostart,
		})
	}

	return cfg.WithDefaults(), nil
}
