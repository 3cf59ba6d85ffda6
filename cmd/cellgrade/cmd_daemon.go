package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cellgrade/internal/config"
	"github.com/felixgeelhaar/cellgrade/internal/daemon"
	"github.com/felixgeelhaar/cellgrade/internal/grader"
	"github.com/felixgeelhaar/cellgrade/internal/suite"
)

const pidFile = "cellgraded.pid"

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the grading daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel(g.cfg.Daemon.LogLevel, g.debug),
			})))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc := grader.FromConfig(g.cfg)
			db, history, err := grader.OpenHistory(ctx, g.cfg, svc)
			if err != nil {
				return err
			}
			if db != nil {
				defer db.Close()
			}

			serverCfg := daemon.ServerConfig{
				Config:   g.cfg,
				Grader:   svc,
				Registry: suite.NewRegistry(g.cfg.Grading.TestsDir),
				Version:  version,
			}
			if history != nil {
				serverCfg.History = history
			}
			server, err := daemon.NewServer(serverCfg)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return <-errCh
		},
	}
}

func newStartCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the grading daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			addr := daemonAddr(g.cfg)
			if isRunning(addr) {
				fmt.Fprintln(out, "✓ Daemon is already running")
				return nil
			}

			dir, err := config.EnsureDir()
			if err != nil {
				return fmt.Errorf("setup config directory: %w", err)
			}

			bin, err := findDaemonBinary()
			if err != nil {
				return fmt.Errorf("find daemon binary: %w", err)
			}

			proc := exec.Command(bin)
			proc.Dir, err = os.Getwd()
			if err != nil {
				proc.Dir = dir
			}
			configureDaemonProcess(proc)

			if err := proc.Start(); err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}

			fmt.Fprint(out, "Starting daemon...")
			for i := 0; i < 30; i++ {
				time.Sleep(100 * time.Millisecond)
				if isRunning(addr) {
					fmt.Fprintln(out, " ✓")
					fmt.Fprintf(out, "Daemon running at %s\n", addr)
					return nil
				}
				fmt.Fprint(out, ".")
			}

			fmt.Fprintln(out, " ✗")
			return fmt.Errorf("daemon failed to start (see %s)", filepath.Join(dir, "logs", "cellgraded.log"))
		},
	}
}

func newStopCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			addr := daemonAddr(g.cfg)
			if !isRunning(addr) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}

			dir, err := config.Dir()
			if err != nil {
				return err
			}
			pid, err := readPID(filepath.Join(dir, pidFile))
			if err != nil {
				return err
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("find process: %w", err)
			}

			fmt.Fprint(out, "Stopping daemon...")
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("send signal: %w", err)
			}

			for i := 0; i < 50; i++ {
				time.Sleep(100 * time.Millisecond)
				if !isRunning(addr) {
					fmt.Fprintln(out, " ✓")
					return nil
				}
				fmt.Fprint(out, ".")
			}

			fmt.Fprintln(out, " ✗")
			return fmt.Errorf("daemon did not stop gracefully")
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd.OutOrStdout(), daemonAddr(g.cfg))
		},
	}
}

func printStatus(w io.Writer, addr string) error {
	if !isRunning(addr) {
		fmt.Fprintln(w, "Status: stopped")
		return nil
	}

	resp, err := http.Get(addr + "/v1/status")
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	defer resp.Body.Close()

	var status struct {
		Status          string `json:"status"`
		Version         string `json:"version"`
		UptimeSeconds   int    `json:"uptime_seconds"`
		TestsDir        string `json:"tests_dir"`
		Isolate         bool   `json:"isolate"`
		RevealThreshold int    `json:"reveal_threshold"`
		ActiveRuns      int    `json:"active_runs"`
		History         bool   `json:"history"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("parse status: %w", err)
	}

	fmt.Fprintf(w, "Status:    %s\n", status.Status)
	fmt.Fprintf(w, "Version:   %s\n", status.Version)
	fmt.Fprintf(w, "Uptime:    %s\n", time.Duration(status.UptimeSeconds)*time.Second)
	fmt.Fprintf(w, "Tests dir: %s\n", status.TestsDir)
	fmt.Fprintf(w, "Isolate:   %t\n", status.Isolate)
	fmt.Fprintf(w, "Reveal at: %d attempts\n", status.RevealThreshold)
	fmt.Fprintf(w, "Running:   %d\n", status.ActiveRuns)
	fmt.Fprintf(w, "History:   %t\n", status.History)
	fmt.Fprintf(w, "Address:   %s\n", addr)
	return nil
}

// isRunning checks the daemon health endpoint
func isRunning(addr string) bool {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(addr + "/v1/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID: %w", err)
	}
	return pid, nil
}

// findDaemonBinary locates the cellgraded binary
func findDaemonBinary() (string, error) {
	if path, err := exec.LookPath("cellgraded"); err == nil {
		return path, nil
	}

	if self, err := os.Executable(); err == nil {
		path := filepath.Join(filepath.Dir(self), "cellgraded")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	for _, path := range []string{"/usr/local/bin/cellgraded", "./cellgraded"} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("cellgraded binary not found (build with 'go build ./cmd/cellgraded')")
}

func logLevel(level string, debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
