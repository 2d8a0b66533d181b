package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jnesss/filemon/platform"
)

func printedConfig(t *testing.T, args ...string) Config {
	t.Helper()
	out, err := execute(t, append([]string{"config"}, args...)...)
	require.NoError(t, err)
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	return cfg
}

func TestConfigDefaults(t *testing.T) {
	cfg := printedConfig(t)
	assert.Equal(t, "-", cfg.Output)
	assert.Equal(t, int32(0), cfg.PID)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "localhost:8080", cfg.Web.Listen)
	assert.Equal(t, "events", cfg.EBPF.Ringbuf)
	assert.Equal(t, "targets", cfg.EBPF.Targets)
	assert.Equal(t, 1000, cfg.Pipeline.QueueSize)
}

func TestConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "filemon.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
output: /var/log/filemon.log
pid: 12
log:
  level: debug
database:
  path: /var/lib/filemon/filemon.db
ebpf:
  object: /usr/lib/filemon/ktrace.o
  tracepoints:
    - raw_syscalls/sys_enter=trace_enter
    - raw_syscalls/sys_exit=trace_exit
`), 0o644))

	t.Setenv("FILEMON_LOG_FORMAT", "json")
	t.Setenv("FILEMON_WEB_LISTEN", ":9000")

	cfg := printedConfig(t, "--config", file, "--pid", "99")
	assert.Equal(t, "/var/log/filemon.log", cfg.Output)
	assert.Equal(t, int32(99), cfg.PID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9000", cfg.Web.Listen)
	assert.Equal(t, "/var/lib/filemon/filemon.db", cfg.Database.Path)
	assert.Equal(t, []string{"raw_syscalls/sys_enter=trace_enter", "raw_syscalls/sys_exit=trace_exit"}, cfg.EBPF.Tracepoints)

	rc, err := cfg.EBPF.ringbufConfig()
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/filemon/ktrace.o", rc.Object)
	assert.Equal(t, []platform.Tracepoint{
		{Group: "raw_syscalls", Name: "sys_enter", Program: "trace_enter"},
		{Group: "raw_syscalls", Name: "sys_exit", Program: "trace_exit"},
	}, rc.Tracepoints)
}

func TestConfigMissingFile(t *testing.T) {
	_, err := execute(t, "config", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestRingbufConfigErrors(t *testing.T) {
	_, err := EBPFConfig{}.ringbufConfig()
	assert.Error(t, err)

	_, err = EBPFConfig{Object: "x.o", Tracepoints: []string{"sched"}}.ringbufConfig()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"console", "json", ""} {
		l, err := newLogger(LogConfig{Level: "warn", Format: format})
		require.NoError(t, err, format)
		assert.False(t, l.Core().Enabled(-1), format)
	}

	_, err := newLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = newLogger(LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestLoadConfigFromViper(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("binaries.dir", "/var/lib/filemon/bins")
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/filemon/bins", cfg.Binaries.Dir)
	assert.Equal(t, 1000, cfg.Binaries.CacheSize)
}
