package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/jnesss/filemon/platform"
)

// Config is the effective configuration of a filemon run.
type Config struct {
	Output string `mapstructure:"output" yaml:"output"`
	PID    int32  `mapstructure:"pid" yaml:"pid"`

	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Sigma    SigmaConfig    `mapstructure:"sigma" yaml:"sigma"`
	Binaries BinariesConfig `mapstructure:"binaries" yaml:"binaries"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Web      WebConfig      `mapstructure:"web" yaml:"web"`
	EBPF     EBPFConfig     `mapstructure:"ebpf" yaml:"ebpf"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type SigmaConfig struct {
	RulesDir string `mapstructure:"rules_dir" yaml:"rules_dir"`
}

type BinariesConfig struct {
	Dir       string `mapstructure:"dir" yaml:"dir"`
	CacheSize int    `mapstructure:"cache_size" yaml:"cache_size"`
}

type PipelineConfig struct {
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	Retain    int `mapstructure:"retain" yaml:"retain"`
}

type WebConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type EBPFConfig struct {
	Object      string   `mapstructure:"object" yaml:"object"`
	Ringbuf     string   `mapstructure:"ringbuf" yaml:"ringbuf"`
	Targets     string   `mapstructure:"targets" yaml:"targets"`
	Tracepoints []string `mapstructure:"tracepoints" yaml:"tracepoints"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output", "-")
	v.SetDefault("pid", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("database.path", "")
	v.SetDefault("sigma.rules_dir", "")
	v.SetDefault("binaries.dir", "")
	v.SetDefault("binaries.cache_size", 1000)
	v.SetDefault("pipeline.queue_size", 1000)
	v.SetDefault("pipeline.retain", 1024)
	v.SetDefault("web.listen", "localhost:8080")
	v.SetDefault("ebpf.object", "")
	v.SetDefault("ebpf.ringbuf", "events")
	v.SetDefault("ebpf.targets", "targets")
	v.SetDefault("ebpf.tracepoints", []string{})
}

// bindFlags binds persistent flags to config keys. Flag names use dashes
// where keys use dots.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, flag := range map[string]string{
		"output":          "output",
		"pid":             "pid",
		"log.level":       "log-level",
		"log.format":      "log-format",
		"database.path":   "database",
		"sigma.rules_dir": "rules-dir",
		"web.listen":      "listen",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// readConfig loads cfgFile, or filemon.yaml from . or $HOME when cfgFile is
// empty. A missing default file is not an error.
func readConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigType("yaml")
		v.SetConfigName("filemon")
	}

	v.SetEnvPrefix("FILEMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func loadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (c EBPFConfig) ringbufConfig() (platform.RingbufConfig, error) {
	rc := platform.RingbufConfig{
		Object:  c.Object,
		Ringbuf: c.Ringbuf,
		Targets: c.Targets,
	}
	if rc.Object == "" {
		return rc, fmt.Errorf("ebpf.object is not set")
	}
	for _, s := range c.Tracepoints {
		tp, err := platform.ParseTracepoint(s)
		if err != nil {
			return rc, err
		}
		rc.Tracepoints = append(rc.Tracepoints, tp)
	}
	return rc, nil
}

// newLogger builds the process logger. It writes to stderr so that the
// filemon log can go to stdout.
func newLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	switch c.Format {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

func newConfigCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(app.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
