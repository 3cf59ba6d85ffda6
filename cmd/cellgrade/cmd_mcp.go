package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cellgrade/internal/grader"
	mcpserver "github.com/felixgeelhaar/cellgrade/internal/mcp"
	"github.com/felixgeelhaar/cellgrade/internal/suite"
)

func newMCPCmd(g *globals) *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the grader as MCP tools (stdio by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel("warn", g.debug),
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

			mcpCfg := mcpserver.Config{
				Grader:   svc,
				Registry: suite.NewRegistry(g.cfg.Grading.TestsDir),
				Options:  grader.OptionsFromConfig(g.cfg),
				Version:  version,
			}
			if history != nil {
				mcpCfg.History = history
			}
			srv := mcpserver.NewServer(mcpCfg)

			if httpAddr != "" {
				slog.Info("serving MCP over HTTP", "addr", httpAddr)
				return srv.ServeHTTP(ctx, httpAddr)
			}
			return srv.ServeStdio(ctx)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "serve over HTTP on this address instead of stdio")
	return cmd
}
