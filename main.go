package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app is the state shared by the commands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), logger: zap.NewNop()}
	setDefaults(a.v)

	root := &cobra.Command{
		Use:   "filemon",
		Short: "Correlate syscall trace records into a filemon log",
		Long: `filemon reads a stream of ktrace records (syscall entries, path lookups and
returns), pairs them per thread and writes one line per successful file
operation in the filemon v4 log format. Lines can also be stored in sqlite,
checked against Sigma rules and served over HTTP.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.init,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is filemon.yaml in . or $HOME)")
	flags.StringP("output", "o", "-", "filemon log destination, - for stdout, empty for none")
	flags.Int32("pid", 0, "root process to monitor")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.String("database", "", "sqlite database storing operations and rule matches")
	flags.String("rules-dir", "", "Sigma rules directory")
	flags.String("listen", "localhost:8080", "web API listen address")
	if err := bindFlags(a.v, flags); err != nil {
		panic(err)
	}

	root.AddCommand(
		newDecodeCmd(a),
		newTraceCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command, args []string) error {
	if err := readConfig(a.v, a.cfgFile); err != nil {
		return err
	}
	cfg, err := loadConfig(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	a.logger = logger
	if used := a.v.ConfigFileUsed(); used != "" {
		logger.Debug("using config file", zap.String("path", used))
	}
	return nil
}

type nopCloser struct{ io.Writer }

// openOutput resolves the output key to a session sink. A nil writer means
// no sink.
func (a *app) openOutput(cmd *cobra.Command) (io.Writer, error) {
	switch a.cfg.Output {
	case "":
		return nil, nil
	case "-":
		return nopCloser{cmd.OutOrStdout()}, nil
	}
	f, err := os.Create(a.cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	return f, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "filemon: %v\n", err)
		os.Exit(1)
	}
}
