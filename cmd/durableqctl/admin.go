package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Force an immediate snapshot and journal truncation",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			if err := q.TriggerSnapshot(); err != nil {
				return err
			}
			fmt.Println("snapshot written")
			return nil
		},
	}
}

func metricsCmd() *cobra.Command {
	var (
		messageType string
		serve       bool
		addr        string
	)

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print per-handler metrics, or serve Prometheus metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			if serve {
				mux := http.NewServeMux()
				mux.Handle("/metrics", q.PrometheusHandler())
				server := &http.Server{Addr: addr, Handler: mux}

				ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					server.Shutdown(shutdownCtx)
				}()

				fmt.Printf("serving Prometheus metrics on %s/metrics\n", addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			}

			if messageType != "" {
				m, err := q.GetHandlerMetrics(messageType)
				if err != nil {
					return err
				}
				fmt.Printf("%s: processed=%d failed=%d active_workers=%d avg_duration=%s throughput=%.2f/s\n",
					messageType, m.TotalProcessed, m.TotalFailed, m.ActiveWorkers, m.AverageDuration, m.ThroughputPerSec)
				return nil
			}

			for msgType, m := range q.GetMetrics() {
				fmt.Printf("%s: processed=%d failed=%d active_workers=%d avg_duration=%s throughput=%.2f/s\n",
					msgType, m.TotalProcessed, m.TotalFailed, m.ActiveWorkers, m.AverageDuration, m.ThroughputPerSec)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&messageType, "type", "", "Restrict to a single message type's dispatcher metrics")
	cmd.Flags().BoolVar(&serve, "serve", false, "Serve Prometheus /metrics over HTTP instead of printing")
	cmd.Flags().StringVar(&addr, "addr", ":9090", "Address to listen on when --serve is set")
	return cmd
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage the dead-letter store",
	}
	cmd.AddCommand(dlqListCmd(), dlqReplayCmd(), dlqPurgeCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	var (
		messageType string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			entries := q.GetDeadLetter(messageType, limit)
			if len(entries) == 0 {
				fmt.Println("dead-letter store is empty")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  type=%s  reason=%q  failed_at=%s  handler=%s\n",
					e.MessageID, e.MessageType, e.FailureReason, e.FailureTimestamp.Format(time.RFC3339), e.LastHandlerID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&messageType, "type", "", "Restrict to a single message type")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to return (0 = unlimited)")
	return cmd
}

func dlqReplayCmd() *cobra.Command {
	var (
		messageID       string
		resetRetryCount bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-publish a dead-lettered message",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(messageID)
			if err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}

			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			newID, err := q.ReplayDeadLetter(id, resetRetryCount)
			if err != nil {
				return err
			}
			fmt.Printf("replayed %s as %s\n", id, newID)
			return nil
		},
	}

	cmd.Flags().StringVar(&messageID, "id", "", "Dead-letter message id (required)")
	cmd.Flags().BoolVar(&resetRetryCount, "reset-retry-count", true, "Passed to ReplayDeadLetter; replay always resets retry_count and assigns a new message id")
	return cmd
}

func dlqPurgeCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove dead-letter entries older than a given age (0 purges everything)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			n := q.PurgeDeadLetter(olderThan)
			fmt.Printf("purged %d dead-letter entries\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only purge entries older than this duration")
	return cmd
}
