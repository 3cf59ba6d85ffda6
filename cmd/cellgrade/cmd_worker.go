package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cellgrade/internal/grader"
	"github.com/felixgeelhaar/cellgrade/internal/queue"
)

func newWorkerCmd(g *globals) *cobra.Command {
	var workers, prefetch int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Grade jobs from the RabbitMQ grade queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel(g.cfg.Daemon.LogLevel, g.debug),
			})))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc := grader.FromConfig(g.cfg)
			db, _, err := grader.OpenHistory(ctx, g.cfg, svc)
			if err != nil {
				return err
			}
			if db != nil {
				defer db.Close()
			}

			conn, err := queue.NewConnection(ctx, g.cfg.Queue.URL, queue.DefaultConnectionConfig())
			if err != nil {
				return err
			}
			defer conn.Close()

			consumerCfg := queue.ConsumerConfig{
				Workers:  g.cfg.Queue.Workers,
				Prefetch: g.cfg.Queue.Prefetch,
			}
			if cmd.Flags().Changed("workers") {
				consumerCfg.Workers = workers
			}
			if cmd.Flags().Changed("prefetch") {
				consumerCfg.Prefetch = prefetch
			}

			consumer := queue.NewConsumer(conn, queue.GraderHandler(svc), consumerCfg)
			if err := consumer.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			slog.Info("received signal, stopping worker")
			consumer.Stop()
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent graders (default from config)")
	cmd.Flags().IntVar(&prefetch, "prefetch", 0, "unacked jobs per consumer (default from config)")
	return cmd
}
