// Package config holds the settings of a wampx process.
//
// Values come from command line flags, an optional yaml file passed with
// --load and the environment. Env files are loaded into the environment before
// flags are parsed.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-chi/httplog"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/rapidmidiex/wampx/internal/wamp"
)

var (
	ErrInvalidPort    = errors.New("wampx: invalid port number")
	ErrInvalidPath    = errors.New("wampx: websocket path must start with /")
	ErrInvalidTimeout = errors.New("wampx: close timeout must be positive")
	ErrInvalidLevel   = errors.New("wampx: unknown log level")
	ErrInvalidLimit   = errors.New("wampx: limits must not be negative")
)

// EnvFiles are loaded by LoadEnv when present.
var EnvFiles = []string{"wampx.env", ".env"}

type ServerConfig struct {
	Port int `json:"port" yaml:"port"`
	// Path is where websocket clients connect.
	Path    string   `json:"path" yaml:"path"`
	Origins []string `json:"origins" yaml:"origins"`
	// ReadLimit caps one inbound websocket message in bytes.
	ReadLimit int64 `json:"readLimit" yaml:"readLimit"`
	// QueueSize is the per connection outbound buffer.
	QueueSize int `json:"queueSize" yaml:"queueSize"`
	// Capacity caps open connections, 0 for no limit.
	Capacity int `json:"capacity" yaml:"capacity"`
}

type RouterConfig struct {
	AutoCreateRealms bool          `json:"autoCreateRealms" yaml:"autoCreateRealms"`
	Realms           []string      `json:"realms" yaml:"realms"`
	CloseTimeout     time.Duration `json:"closeTimeout" yaml:"closeTimeout"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	JSON  bool   `json:"json" yaml:"json"`
}

type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	Router RouterConfig `json:"router" yaml:"router"`
	Log    LogConfig    `json:"log" yaml:"log"`
	Dev    bool         `json:"dev" yaml:"dev"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Path: "/ws", ReadLimit: 1 << 20, QueueSize: 64},
		Router: RouterConfig{AutoCreateRealms: true, CloseTimeout: 500 * time.Millisecond},
		Log:    LogConfig{Level: "info"},
	}
}

// LoadEnv loads the env files that exist into the process environment.
// Variables already set are not overridden.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = EnvFiles
	}

	var found []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			found = append(found, f)
		}
	}
	if len(found) == 0 {
		return nil
	}
	return errors.Wrap(godotenv.Load(found...), "wampx: couldn't read env")
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Wrapf(ErrInvalidPort, "%d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return errors.Wrapf(ErrInvalidPath, "%q", c.Server.Path)
	}
	if c.Server.ReadLimit < 0 || c.Server.QueueSize < 0 || c.Server.Capacity < 0 {
		return ErrInvalidLimit
	}
	for _, realm := range c.Router.Realms {
		if !wamp.URI(realm).Valid() {
			return errors.Wrapf(wamp.ErrInvalidURI, "realm %q", realm)
		}
	}
	if c.Router.CloseTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(ErrInvalidLevel, "%q", c.Log.Level)
	}
	return nil
}

// Logger builds the process logger. Dev mode forces debug output.
func (c *Config) Logger(service string) zerolog.Logger {
	level := c.Log.Level
	if c.Dev {
		level = "debug"
	}
	return httplog.NewLogger(service, httplog.Options{
		LogLevel: level,
		JSON:     c.Log.JSON,
		Concise:  !c.Dev,
	})
}
