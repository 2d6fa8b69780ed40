package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/kernelwire/internal/config"
	"github.com/codefionn/kernelwire/internal/connection"
	"github.com/codefionn/kernelwire/internal/evaluator"
	"github.com/codefionn/kernelwire/internal/kernel"
	"github.com/codefionn/kernelwire/internal/logger"
	"github.com/codefionn/kernelwire/internal/pprof"
	"github.com/codefionn/kernelwire/internal/securemem"
)

var (
	connectionFile string
	profiling      pprof.Config
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a kernel for the given connection file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if connectionFile == "" {
			return errors.New("a connection file is required (-f)")
		}
		return runKernel(cmd.Context(), configPath(), connectionFile)
	},
}

func init() {
	runCmd.Flags().StringVarP(&connectionFile, "connection-file", "f", "", "Connection file written by the front end")
	runCmd.Flags().StringVar(&profiling.HTTPAddr, "pprof-addr", "", "Serve pprof and kernel state on this address (e.g. localhost:6060)")
	runCmd.Flags().StringVar(&profiling.CPUProfile, "cpu-profile", "", "Write a CPU profile to this file")
	runCmd.Flags().StringVar(&profiling.MutexProfile, "mutex-profile", "", "Write a mutex contention profile to this file on exit")
	rootCmd.AddCommand(runCmd)
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	return config.GetConfigPath()
}

func runKernel(parent context.Context, cfgPath, connPath string) (err error) {
	defer securemem.Purge()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if closeErr := logger.Global().Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	params, err := connection.FromFile(connPath)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ev := evaluator.New(evaluator.Options{
		PollInterval: cfg.EnginePoll(),
		CommBuffer:   cfg.CommBuffer,
		Starvation:   cfg.LockStarvation(),
	})

	k, err := kernel.New(ctx, params, cfg, ev, ev)
	if err != nil {
		return fmt.Errorf("failed to start kernel: %w", err)
	}
	defer k.Close()

	logger.Info("kernel listening on %s (session %s)", params.ShellEndpoint(), k.Session().ID())

	prof := pprof.NewHandler(profiling)
	prof.Expose("lock", func() any {
		return map[string]any{"state": ev.Lock().State(), "stats": ev.Lock().Stats()}
	})
	prof.Expose("comms", func() any {
		qctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		comms, err := k.Comms().Snapshot(qctx)
		if err != nil {
			return map[string]string{"error": err.Error()}
		}
		return comms
	})
	if prof.Enabled() {
		if err := prof.Start(); err != nil {
			return err
		}
		defer func() {
			if perr := prof.Stop(); perr != nil {
				logger.Warn("failed to stop profiling: %v", perr)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ev.Run(gctx)
	})
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, func(updated *config.Config) {
			level := logger.ParseLevel(updated.LogLevel)
			logger.Info("config reloaded, log level %s", level)
			logger.Global().SetLevel(level)
		})
		if err != nil {
			logger.Warn("config hot reload disabled: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		err := k.Run(gctx)
		stop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("kernel stopped")
	return nil
}
