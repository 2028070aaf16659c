// Command lgrdisk pumps log lines from stdin into a rotating log directory and
// runs the archive and retention sweeps of that directory.
//
//	lgrdisk write --config logs.yaml < app.log
//	lgrdisk archive --dir ./logs
//	lgrdisk sweep --dir ./logs --retention 7d
//	lgrdisk maintain --config logs.yaml
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/abyssdigger/lgrdisk"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// maxLine bounds a single stdin line.
const maxLine = 1 << 20

type flags struct {
	config     string
	dir        string
	retention  string
	standalone bool
	verbose    bool
}

func main() {
	var f flags
	rootCmd := &cobra.Command{
		Use:           "lgrdisk",
		Short:         "Rotating multi-process log directory tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&f.config, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&f.dir, "dir", "d", "", "log directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&f.retention, "retention", "", "retention such as 7d, 12h, 3mo (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&f.standalone, "standalone", false, "skip coordinator election")
	rootCmd.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "debug diagnostics")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "write",
		Short: "Append stdin lines to the log directory until EOF or a signal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(f, cmd.InOrStdin())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "archive",
		Short: "Archive every finished period once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintenance(cmd.Context(), f, true, false)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired files once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintenance(cmd.Context(), f, false, true)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "maintain",
		Short: "Run archive and retention sweeps once, concurrently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintenance(cmd.Context(), f, true, true)
		},
	})

	// a panic still releases coordinator markers and drains writers
	var err error
	lgrdisk.Guard(func() { err = rootCmd.Execute() })
	lgrdisk.RunShutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, "lgrdisk:", err)
		os.Exit(1)
	}
}

func loadConfig(f flags) (lgrdisk.Config, zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if f.verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	cfg, err := lgrdisk.LoadConfig(f.config)
	if err != nil {
		return cfg, log, err
	}
	if f.dir != "" {
		cfg.Dir = f.dir
	}
	if f.retention != "" {
		r, err := lgrdisk.ParseRetention(f.retention)
		if err != nil {
			return cfg, log, err
		}
		cfg.Retention = &r
	}
	if f.standalone {
		cfg.Coordinator.Standalone = true
	}
	return cfg, log, nil
}

func newElector(cfg lgrdisk.Config, log *zerolog.Logger) *lgrdisk.Elector {
	opts := cfg.ElectorOptions()
	opts.Logger = log
	return lgrdisk.NewElector(opts).ReleaseOnExit()
}

// runWrite pumps until EOF. SIGINT and SIGTERM run the shutdown hooks, which
// drain the writer, and exit.
func runWrite(f flags, in io.Reader) error {
	cfg, log, err := loadConfig(f)
	if err != nil {
		return err
	}
	opts, err := cfg.WriterOptions()
	if err != nil {
		return err
	}
	opts.Logger = &log
	w, err := lgrdisk.GetWriter(opts)
	if err != nil {
		return err
	}
	lgrdisk.OnShutdown(func() { lgrdisk.CloseAll() })

	el := newElector(cfg, &log)
	if _, err := el.Join(cfg.Dir); err != nil {
		log.Warn().Err(err).Msg("coordinator election unavailable")
	}
	if cfg.Archive.Enabled {
		aopts, err := cfg.ArchiverOptions(el)
		if err != nil {
			return err
		}
		aopts.Logger = &log
		a, err := lgrdisk.NewArchiver(aopts)
		if err != nil {
			return err
		}
		a.Start()
		lgrdisk.OnShutdown(a.Stop)
	}
	if ropts, ok, err := cfg.RetentionOptions(el); err != nil {
		return err
	} else if ok {
		ropts.Logger = &log
		s, err := lgrdisk.NewRetentionSweeper(ropts)
		if err != nil {
			return err
		}
		s.Start()
		lgrdisk.OnShutdown(s.Stop)
	}

	lgrdisk.WatchSignals()
	err = pump(in, w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

// pump copies newline separated lines from in into w.
func pump(in io.Reader, w *lgrdisk.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	for sc.Scan() {
		w.Write(sc.Bytes())
	}
	return sc.Err()
}

func runMaintenance(ctx context.Context, f flags, archive, sweep bool) error {
	cfg, log, err := loadConfig(f)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	el := newElector(cfg, &log)
	leader, err := el.Join(cfg.Dir)
	if err != nil {
		return err
	}
	if !leader {
		log.Info().Str("dir", cfg.Dir).Msg("another process coordinates this directory, nothing to do")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if archive {
		aopts, err := cfg.ArchiverOptions(el)
		if err != nil {
			return err
		}
		aopts.Logger = &log
		a, err := lgrdisk.NewArchiver(aopts)
		if err != nil {
			return err
		}
		g.Go(func() error { return a.Run(gctx) })
	}
	if sweep {
		ropts, ok, err := cfg.RetentionOptions(el)
		if err != nil {
			return err
		}
		if !ok {
			if !archive {
				return errors.New("no retention configured, use --retention or the config file")
			}
		} else {
			ropts.Logger = &log
			s, err := lgrdisk.NewRetentionSweeper(ropts)
			if err != nil {
				return err
			}
			g.Go(func() error { return s.Run(gctx) })
		}
	}
	return g.Wait()
}
