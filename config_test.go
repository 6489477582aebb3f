package jsbridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Presets(t *testing.T) {
	bare := BareConfig()
	assert.False(t, bare.Console.Enabled)
	assert.False(t, bare.Timers.Enabled)
	assert.False(t, bare.LocalStorage.Enabled)
	assert.Equal(t, DefaultUserAgent, bare.XHR.UserAgent)
	assert.Equal(t, DefaultDebuggerAddr, bare.Debugger.Addr)

	std := StandardConfig("shop")
	assert.True(t, std.Console.Enabled)
	assert.True(t, std.Timers.Enabled)
	assert.True(t, std.Promise.Enabled)
	assert.True(t, std.XHR.Enabled)
	assert.True(t, std.LocalStorage.Enabled)
	assert.Equal(t, "shop", std.LocalStorage.Namespace)
	assert.False(t, std.Debugger.Enabled)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
standard: true
namespace: app
console:
  mode: json
xhr:
  enabled: false
  userAgent: test-agent
  timeout: 2s
localStorage:
  path: /tmp/app.db
debugger:
  enabled: true
  addr: 127.0.0.1:0
memoryLimitMB: 64
releaseTimeout: 250ms
`))
	require.NoError(t, err)
	assert.True(t, cfg.Console.Enabled)
	assert.Equal(t, ConsoleJSON, cfg.Console.Mode)
	assert.False(t, cfg.XHR.Enabled)
	assert.Equal(t, "test-agent", cfg.XHR.UserAgent)
	assert.Equal(t, 2*time.Second, cfg.XHR.Timeout)
	assert.Equal(t, "app", cfg.LocalStorage.Namespace)
	assert.Equal(t, "/tmp/app.db", cfg.LocalStorage.Path)
	assert.True(t, cfg.Debugger.Enabled)
	assert.Equal(t, "127.0.0.1:0", cfg.Debugger.Addr)
	assert.Equal(t, 64, cfg.MemoryLimitMB)
	assert.Equal(t, 250*time.Millisecond, cfg.ReleaseTimeout)
}

func TestParseConfig_Empty(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, BareConfig().ReleaseTimeout, cfg.ReleaseTimeout)
	assert.False(t, cfg.Console.Enabled)
}

func TestParseConfig_Errors(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field":   "colour: red\n",
		"console mode":    "console:\n  mode: loud\n",
		"xhr timeout":     "xhr:\n  timeout: soon\n",
		"negative memory": "memoryLimitMB: -1\n",
		"release timeout": "releaseTimeout: 5 parsecs\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timers:\n  enabled: true\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Timers.Enabled)
	assert.False(t, cfg.Console.Enabled)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
