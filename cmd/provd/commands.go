package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tigerroll/ioprov/internal/app"
	"github.com/tigerroll/ioprov/internal/supervisor"
	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/repository"
	ledger "github.com/tigerroll/ioprov/pkg/prov/infrastructure/repository"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const startWait = 10 * time.Second

// Process control, replaced in tests.
var (
	startServer = supervisor.Start
	stopServer  = supervisor.Stop
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the server in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.RoleSupervisor)
		if err != nil {
			return err
		}
		return start(cmd.OutOrStdout(), cfg)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop the running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.RoleSupervisor)
		if err != nil {
			return err
		}
		return stop(cmd.OutOrStdout(), cfg)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "stop the server if it runs, then start it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.RoleSupervisor)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if err := stop(out, cfg); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			return err
		}
		return start(out, cfg)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "report whether the server runs and its latest window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.RoleSupervisor)
		if err != nil {
			return err
		}
		pid, running, err := supervisor.Running(cfg.Supervisor.PidFile)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if running {
			fmt.Fprintf(out, "provd is running (pid %d)\n", pid)
		} else {
			fmt.Fprintln(out, "provd is not running")
		}
		printLatestWindow(cmd.Context(), out, cfg.Ledger)
		if !running {
			return conflict(supervisor.ErrNotRunning)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:    "run",
	Short:  "run the server in the foreground",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.RoleSupervisor)
		if err != nil {
			return err
		}
		pf, err := supervisor.Acquire(cfg.Supervisor.PidFile)
		if errors.Is(err, supervisor.ErrRunning) {
			return conflict(err)
		}
		if err != nil {
			return err
		}
		defer pf.Release()

		code := app.RunServer(app.Options{
			ConfigPath:  rootFlags.config,
			EnvFilePath: rootFlags.envFile,
			StopTimeout: time.Duration(cfg.Supervisor.StopTimeout) * time.Second,
		})
		if code != exitOK {
			return &exitError{code: code, err: fmt.Errorf("server exited with code %d", code)}
		}
		return nil
	},
}

func loadConfig(role config.Role) (*config.Config, error) {
	cfg, err := config.Load(rootFlags.config, rootFlags.envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(role); err != nil {
		return nil, err
	}
	logger.SetLogLevel(cfg.Logging.Level)
	return cfg, nil
}

func start(out io.Writer, cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"run", "--config", rootFlags.config}
	if rootFlags.envFile != "" {
		args = append(args, "--env-file", rootFlags.envFile)
	}
	pid, err := startServer(exe, args, cfg.Supervisor.PidFile, startWait)
	if errors.Is(err, supervisor.ErrRunning) {
		return conflict(err)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "provd started (pid %d)\n", pid)
	return nil
}

func stop(out io.Writer, cfg *config.Config) error {
	timeout := time.Duration(cfg.Supervisor.StopTimeout) * time.Second
	if err := stopServer(cfg.Supervisor.PidFile, timeout); err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			return conflict(err)
		}
		return err
	}
	fmt.Fprintln(out, "provd stopped")
	return nil
}

func printLatestWindow(ctx context.Context, out io.Writer, cfg config.LedgerConfig) {
	if cfg.Type == "" || cfg.Type == "memory" {
		return
	}
	l, err := ledger.NewWindowLedger(cfg)
	if err != nil {
		fmt.Fprintf(out, "window ledger unavailable: %v\n", err)
		return
	}
	defer l.Close()
	w, err := l.LatestWindow(ctx)
	if errors.Is(err, repository.ErrWindowNotFound) {
		fmt.Fprintln(out, "no window recorded")
		return
	}
	if err != nil {
		fmt.Fprintf(out, "window ledger unavailable: %v\n", err)
		return
	}
	end := "-"
	if w.EndTime != nil {
		end = w.EndTime.Format(time.RFC3339)
	}
	fmt.Fprintf(out, "latest window %s %s: started %s, ended %s, %d job(s), %d finished, %d change log(s) cleared\n",
		w.ID, w.Status, w.StartTime.Format(time.RFC3339), end, w.Entries, w.FinishedJobs, w.ClearedTargets)
	if w.ExitMessage != "" {
		fmt.Fprintf(out, "  %s\n", w.ExitMessage)
	}
}
