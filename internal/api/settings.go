package api

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/control/internal/config"
)

const (
	// DefaultMaxBodyBytes limits request payloads to 1 MB.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultReadTimeout guards hung clients.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds handler writes. Merges and worktree
	// creation run inside handlers, so this is longer than a typical API.
	DefaultWriteTimeout = 2 * time.Minute
	// DefaultIdleTimeout bounds keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second
)

// Settings captures runtime configuration for the HTTP server.
type Settings struct {
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SettingsFromConfig builds Settings from .control/config.yaml. Environment
// overrides were already applied when the config was loaded.
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := Settings{
		Host:         config.DefaultServerHost,
		Port:         config.DefaultServerPort,
		MaxBodyBytes: DefaultMaxBodyBytes,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}
	if cfg != nil {
		raw := cfg.Project.Server
		if host := strings.TrimSpace(raw.Host); host != "" {
			settings.Host = host
		}
		if isValidPort(raw.Port) {
			settings.Port = raw.Port
		}
	}
	settings.normalize()
	return settings
}

func (s *Settings) normalize() {
	if s == nil {
		return
	}
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = config.DefaultServerHost
	}
	// Port 0 asks the kernel for a free port.
	if s.Port < 0 || s.Port > 65535 {
		s.Port = config.DefaultServerPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}
