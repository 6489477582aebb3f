package jsbridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ConsoleMode selects how console arguments are rendered.
type ConsoleMode int

const (
	// ConsoleString joins the String() conversion of each argument.
	ConsoleString ConsoleMode = iota
	// ConsoleJSON JSON-encodes each argument; bare strings stay unquoted.
	ConsoleJSON
	// ConsoleEmpty installs console methods that do nothing.
	ConsoleEmpty
)

// ConsoleConfig configures the console extension.
type ConsoleConfig struct {
	Enabled bool
	Mode    ConsoleMode
	// Append receives every console message. Nil logs through the
	// bridge logger.
	Append func(level, msg string)
}

// TimersConfig configures setTimeout/setInterval.
type TimersConfig struct {
	Enabled bool
}

// PromiseConfig configures unhandled rejection tracking.
type PromiseConfig struct {
	Enabled bool
}

// XHRConfig configures the XMLHttpRequest extension.
type XHRConfig struct {
	Enabled   bool
	Client    *http.Client // nil uses a client with Timeout
	UserAgent string
	Timeout   time.Duration
}

// LocalStorageConfig configures the localStorage extension.
type LocalStorageConfig struct {
	Enabled bool
	// Namespace separates the storage of different bridges sharing one
	// database. Empty uses the bridge id, making storage private to the
	// bridge instance.
	Namespace string
	// Path of the sqlite database; empty keeps data in memory.
	Path string
}

// ModulesConfig configures EvaluateModule.
type ModulesConfig struct {
	// Loader returns the source of a module by name.
	Loader func(name string) (string, error)
}

// DebuggerConfig configures the websocket debugger endpoint.
type DebuggerConfig struct {
	Enabled bool
	Addr    string
}

// Config configures a Bridge.
type Config struct {
	Console      ConsoleConfig
	Timers       TimersConfig
	Promise      PromiseConfig
	XHR          XHRConfig
	LocalStorage LocalStorageConfig
	Modules      ModulesConfig
	Debugger     DebuggerConfig

	MemoryLimitMB int // per-bridge engine memory limit, 0 for none
	// ReleaseTimeout is how long Release lets a running evaluation finish
	// before interrupting it. 0 never interrupts.
	ReleaseTimeout time.Duration
	// Debug enables the same-goroutine assertions on engine access.
	Debug bool

	Logger *zap.Logger // nil derives from the package Logger
}

const (
	DefaultDebuggerAddr = "127.0.0.1:9092"
	DefaultUserAgent    = "jsbridge"
	DefaultXHRTimeout   = 30 * time.Second
)

// BareConfig returns a configuration without any extension.
func BareConfig() Config {
	return Config{
		Console:        ConsoleConfig{Mode: ConsoleString},
		XHR:            XHRConfig{UserAgent: DefaultUserAgent, Timeout: DefaultXHRTimeout},
		Debugger:       DebuggerConfig{Addr: DefaultDebuggerAddr},
		ReleaseTimeout: 5 * time.Second,
	}
}

// StandardConfig returns a configuration with console, timers, promise
// tracking, XMLHttpRequest and localStorage enabled. The debugger stays
// off.
func StandardConfig(localStorageNamespace string) Config {
	cfg := BareConfig()
	cfg.Console.Enabled = true
	cfg.Timers.Enabled = true
	cfg.Promise.Enabled = true
	cfg.XHR.Enabled = true
	cfg.LocalStorage.Enabled = true
	cfg.LocalStorage.Namespace = localStorageNamespace
	return cfg
}

// FileConfig is the YAML form of Config. Zero fields keep the value of
// the base configuration.
type FileConfig struct {
	Standard  bool   `yaml:"standard"`
	Namespace string `yaml:"namespace"`

	Console *struct {
		Enabled *bool  `yaml:"enabled"`
		Mode    string `yaml:"mode"`
	} `yaml:"console"`
	Timers *struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"timers"`
	Promise *struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"promise"`
	XHR *struct {
		Enabled   *bool  `yaml:"enabled"`
		UserAgent string `yaml:"userAgent"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"xhr"`
	LocalStorage *struct {
		Enabled *bool  `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"localStorage"`
	Debugger *struct {
		Enabled *bool  `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"debugger"`

	MemoryLimitMB  int    `yaml:"memoryLimitMB"`
	ReleaseTimeout string `yaml:"releaseTimeout"`
	Debug          bool   `yaml:"debug"`
}

// LoadConfig reads a YAML configuration file. Unknown fields are
// rejected.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration data.
func ParseConfig(data []byte) (Config, error) {
	var fc FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return fc.Apply()
}

// Apply overlays fc onto BareConfig or StandardConfig.
func (fc *FileConfig) Apply() (Config, error) {
	cfg := BareConfig()
	if fc.Standard {
		cfg = StandardConfig(fc.Namespace)
	}
	cfg.LocalStorage.Namespace = fc.Namespace
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}

	if c := fc.Console; c != nil {
		setBool(&cfg.Console.Enabled, c.Enabled)
		switch c.Mode {
		case "":
		case "string":
			cfg.Console.Mode = ConsoleString
		case "json":
			cfg.Console.Mode = ConsoleJSON
		case "empty":
			cfg.Console.Mode = ConsoleEmpty
		default:
			return Config{}, fmt.Errorf("config: unknown console mode %q", c.Mode)
		}
	}
	if t := fc.Timers; t != nil {
		setBool(&cfg.Timers.Enabled, t.Enabled)
	}
	if p := fc.Promise; p != nil {
		setBool(&cfg.Promise.Enabled, p.Enabled)
	}
	if x := fc.XHR; x != nil {
		setBool(&cfg.XHR.Enabled, x.Enabled)
		if x.UserAgent != "" {
			cfg.XHR.UserAgent = x.UserAgent
		}
		if x.Timeout != "" {
			d, err := time.ParseDuration(x.Timeout)
			if err != nil {
				return Config{}, fmt.Errorf("config: xhr timeout: %w", err)
			}
			cfg.XHR.Timeout = d
		}
	}
	if ls := fc.LocalStorage; ls != nil {
		setBool(&cfg.LocalStorage.Enabled, ls.Enabled)
		cfg.LocalStorage.Path = ls.Path
	}
	if d := fc.Debugger; d != nil {
		setBool(&cfg.Debugger.Enabled, d.Enabled)
		if d.Addr != "" {
			cfg.Debugger.Addr = d.Addr
		}
	}
	if fc.MemoryLimitMB < 0 {
		return Config{}, fmt.Errorf("config: negative memoryLimitMB")
	}
	cfg.MemoryLimitMB = fc.MemoryLimitMB
	if fc.ReleaseTimeout != "" {
		d, err := time.ParseDuration(fc.ReleaseTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("config: releaseTimeout: %w", err)
		}
		cfg.ReleaseTimeout = d
	}
	cfg.Debug = fc.Debug
	return cfg, nil
}
