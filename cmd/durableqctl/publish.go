package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oriys/durableq"
)

func openQueue() (*durableq.Queue, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return durableq.Open(*cfg)
}

func publishCmd() *cobra.Command {
	var (
		messageType      string
		payloadText      string
		payloadFile      string
		deduplicationKey string
		correlationID    string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message onto the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if messageType == "" {
				return fmt.Errorf("--type is required")
			}

			payload := []byte(payloadText)
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload file: %w", err)
				}
				payload = data
			}

			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			id, err := q.Publish(payload, messageType, deduplicationKey, correlationID)
			if err != nil {
				return err
			}
			fmt.Printf("published message %s (type=%s)\n", id, messageType)
			return nil
		},
	}

	cmd.Flags().StringVar(&messageType, "type", "", "Message type (required)")
	cmd.Flags().StringVar(&payloadText, "payload", "", "Inline payload text")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read payload from a file instead of --payload")
	cmd.Flags().StringVar(&deduplicationKey, "dedup-key", "", "Deduplication key")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation id to attach")
	return cmd
}

func checkoutCmd() *cobra.Command {
	var (
		messageType   string
		handlerID     string
		leaseDuration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Lease the next ready message of a given type",
		RunE: func(cmd *cobra.Command, args []string) error {
			if messageType == "" {
				return fmt.Errorf("--type is required")
			}

			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			env, ok := q.Checkout(messageType, handlerID, leaseDuration)
			if !ok {
				fmt.Println("no ready message available")
				return nil
			}
			fmt.Printf("checked out %s (retry_count=%d)\n", env.MessageID, env.RetryCount)
			fmt.Printf("  payload: %s\n", env.Payload)
			return nil
		},
	}

	cmd.Flags().StringVar(&messageType, "type", "", "Message type to check out (required)")
	cmd.Flags().StringVar(&handlerID, "handler-id", "durableqctl", "Handler identity recorded on the lease")
	cmd.Flags().DurationVar(&leaseDuration, "lease", 30*time.Second, "Lease duration")
	return cmd
}

func ackCmd() *cobra.Command {
	var messageID string

	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a checked-out message, removing it",
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

			if _, ok := q.Acknowledge(id); !ok {
				return fmt.Errorf("message %s not found", id)
			}
			fmt.Printf("acknowledged %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&messageID, "id", "", "Message id (required)")
	return cmd
}

func nackCmd() *cobra.Command {
	var (
		messageID string
		reason    string
	)

	cmd := &cobra.Command{
		Use:   "nack",
		Short: "Requeue a checked-out message for retry (or dead-letter it if retries are exhausted)",
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

			if err := q.Requeue(id, fmt.Errorf("%s", reason)); err != nil {
				return err
			}
			fmt.Printf("requeued %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&messageID, "id", "", "Message id (required)")
	cmd.Flags().StringVar(&reason, "reason", "nacked by durableqctl", "Failure reason to record")
	return cmd
}

func peekCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "List every pending message currently held in the buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			pending := q.PendingMessages()
			if len(pending) == 0 {
				fmt.Println("no pending messages")
				return nil
			}
			for _, env := range pending {
				fmt.Printf("%s  type=%s  status=%s  retry_count=%d\n", env.MessageID, env.MessageType, env.Status, env.RetryCount)
			}
			return nil
		},
	}
	return cmd
}
