package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cellgrade/internal/config"
)

var version = "dev"

// errNotPassed makes the process exit non-zero without printing anything
// beyond the report itself
var errNotPassed = errors.New("not every test passed")

// globals holds the persistent flags and the configuration they produce
type globals struct {
	configPath string
	envFile    string
	testsDir   string
	debug      bool

	cfg *config.LocalConfig
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errNotPassed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "cellgrade",
		Short:         "Grade notebook exercise cells against hidden test suites",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&g.configPath, "config", "", "config file (default ~/.cellgrade/config.yaml)")
	flags.StringVar(&g.envFile, "env-file", ".env", "environment file loaded before the config")
	flags.StringVar(&g.testsDir, "tests-dir", "", "directory holding test_<module>.yaml suites")
	flags.BoolVar(&g.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newGradeCmd(g),
		newSuitesCmd(g),
		newServeCmd(g),
		newStartCmd(g),
		newStopCmd(g),
		newStatusCmd(g),
		newWorkerCmd(g),
		newMCPCmd(g),
		newHistoryCmd(g),
		newVersionCmd(),
	)
	return root
}

// load reads the env file and the configuration, then sets up logging
func (g *globals) load() error {
	if g.envFile != "" {
		if err := godotenv.Load(g.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", g.envFile, err)
		}
	}

	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	if g.testsDir != "" {
		cfg.Grading.TestsDir = g.testsDir
	}
	g.cfg = cfg

	level := slog.LevelWarn
	if g.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// loadConfig reads path, or ~/.cellgrade/config.yaml when empty, and applies
// the environment overrides
func loadConfig(path string) (*config.LocalConfig, error) {
	if path == "" {
		dir, err := config.Dir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// daemonAddr is the base URL of the configured daemon
func daemonAddr(cfg *config.LocalConfig) string {
	host := cfg.Daemon.Bind
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Daemon.Port)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "cellgrade %s\n", version)
			return nil
		},
	}
}

// renderProgressBar draws value in [0,1] as a bar of width cells
func renderProgressBar(value float64, width int) string {
	filled := int(value * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}
