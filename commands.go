package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jnesss/filemon/filemon"
	"github.com/jnesss/filemon/platform"
	"github.com/jnesss/filemon/process"
)

// exitGrace is how long trace keeps reading after the traced command has
// been reaped, for records still in flight.
const exitGrace = 2 * time.Second

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// correlate runs a session over src until the root process exits, the
// stream ends or ctx is cancelled.
func (a *app) correlate(ctx context.Context, cmd *cobra.Command, b *backend, src platform.Source, setup func(*filemon.Session) error, opts ...filemon.Option) error {
	p := b.pipeline(ctx)
	defer p.Close()

	opts = append([]filemon.Option{
		filemon.WithLogger(a.logger.Named("session")),
		filemon.WithMetrics(b.metrics),
		filemon.WithObserver(p),
	}, opts...)
	s, err := filemon.Open(src, opts...)
	if err != nil {
		src.Close()
		return err
	}

	if setup != nil {
		if err := setup(s); err != nil {
			return errors.Join(err, s.Close())
		}
	}

	out, err := a.openOutput(cmd)
	if err != nil {
		return errors.Join(err, s.Close())
	}
	if out != nil {
		if err := s.SetOutput(out); err != nil {
			return errors.Join(err, s.Close())
		}
	}

	err = filemon.Run(ctx, s, src)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, s.Close())
}

func newDecodeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "decode [file]",
		Short: "Correlate a recorded ktrace stream",
		Long: `decode reads ktrace records from file, or stdin when file is omitted or -,
and writes the filemon log. With --pid the log ends at that process's exit.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			var (
				src *platform.FDSource
				err error
			)
			if len(args) == 0 || args[0] == "-" {
				src, err = platform.NewFDSource(int(os.Stdin.Fd()))
			} else {
				src, err = platform.OpenFile(args[0])
			}
			if err != nil {
				return err
			}

			b, err := openBackend(a.cfg, a.logger)
			if err != nil {
				src.Close()
				return err
			}
			defer b.Close()

			return a.correlate(ctx, cmd, b, src, func(s *filemon.Session) error {
				if a.cfg.PID != 0 {
					s.SetPIDParent(a.cfg.PID)
				}
				return nil
			})
		},
	}
}

func newTraceCmd(a *app) *cobra.Command {
	var serve bool

	cmd := &cobra.Command{
		Use:   "trace [-- command [args...]]",
		Short: "Trace a command or a running process through eBPF",
		Long: `trace loads the configured BPF object, which must emit ktrace records into
its ring buffer, and follows either the given command or --pid. Only
processes inserted in the targets map are traced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && a.cfg.PID == 0 {
				return errors.New("nothing to trace: give a command or --pid")
			}
			rc, err := a.cfg.EBPF.ringbufConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()

			owner, err := sudoInvoker()
			if err != nil {
				a.logger.Warn("cannot determine sudo user", zap.Error(err))
			}

			src, err := platform.OpenRingbuf(rc, a.logger.Named("ebpf"))
			if err != nil {
				return err
			}

			b, err := openBackend(a.cfg, a.logger)
			if err != nil {
				src.Close()
				return err
			}
			defer func() {
				b.Close()
				if owner != nil {
					a.handOver(owner)
				}
			}()

			if serve {
				go func() {
					if err := b.webServer().Start(ctx); err != nil {
						a.logger.Error("web server", zap.Error(err))
					}
				}()
			}

			setup := func(s *filemon.Session) error {
				pid := a.cfg.PID
				if len(args) > 0 {
					child, err := startChild(args, owner)
					if err != nil {
						return err
					}
					pid = int32(child.Process.Pid)
					go func() {
						err := child.Wait()
						a.logger.Info("command finished", zap.Int32("pid", pid), zap.Error(err))
						select {
						case <-time.After(exitGrace):
							cancel()
						case <-ctx.Done():
						}
					}()
				}

				root := process.Info{PID: pid}
				if info, ok := process.CollectProcMetadata(pid); ok {
					root = info
				}
				b.tree.Add(root)
				return s.SetPIDChild(pid)
			}
			return a.correlate(ctx, cmd, b, src, setup, filemon.WithAttacher(src))
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "serve the web API while tracing")
	return cmd
}

func startChild(args []string, owner *invoker) (*exec.Cmd, error) {
	c := exec.Command(args[0], args[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if owner != nil {
		c.SysProcAttr = &syscall.SysProcAttr{Credential: owner.credential()}
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}
	return c, nil
}

// handOver gives files created while running as root back to the sudo user.
func (a *app) handOver(owner *invoker) {
	var paths []string
	if db := a.cfg.Database.Path; db != "" && db != ":memory:" {
		if dir := filepath.Dir(db); dir != "." {
			paths = append(paths, dir)
		} else {
			paths = append(paths, db, db+"-wal", db+"-shm")
		}
	}
	if a.cfg.Binaries.Dir != "" {
		paths = append(paths, a.cfg.Binaries.Dir)
	}
	if a.cfg.Output != "" && a.cfg.Output != "-" {
		paths = append(paths, a.cfg.Output)
	}
	for _, p := range paths {
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		if err := owner.chownAll(p); err != nil {
			a.logger.Warn("changing ownership", zap.String("path", p), zap.String("user", owner.Name), zap.Error(err))
		}
	}
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve recorded operations and rule matches over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Database.Path == "" {
				return errors.New("serve needs database.path")
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			b, err := openBackend(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.replay(); err != nil {
				return fmt.Errorf("rebuild process tree: %w", err)
			}
			return b.webServer().Start(ctx)
		},
	}
}
