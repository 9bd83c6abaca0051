// mediactl is the operator tool for the media pipeline: manual job
// publishing and dead-letter queue remediation. Dead-lettered messages
// are never replayed automatically; replay here is a deliberate operator
// action.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/harrybui03/media-processing-service/internal/domain/entity"
	"github.com/harrybui03/media-processing-service/internal/infra/config"
	"github.com/harrybui03/media-processing-service/internal/infra/rabbitmq"
)

func main() {
	root := &cobra.Command{
		Use:          "mediactl",
		Short:        "Operate the media processing pipeline",
		SilenceUsage: true,
	}
	root.AddCommand(publishCmd(), dlqCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func publishCmd() *cobra.Command {
	var jobID, language string

	cmd := &cobra.Command{
		Use:   "publish <objectPath>",
		Short: "Publish a job envelope to the media exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			id := uuid.New()
			if jobID != "" {
				id, err = uuid.Parse(jobID)
				if err != nil {
					return fmt.Errorf("parse job id: %w", err)
				}
			}

			msg := entity.MediaJobMessage{
				JobID:      id,
				ObjectPath: args[0],
				Language:   language,
			}
			body, err := json.Marshal(msg)
			if err != nil {
				return err
			}

			conn, err := amqp.Dial(cfg.RabbitMQURL)
			if err != nil {
				return fmt.Errorf("dial rabbitmq: %w", err)
			}
			defer conn.Close()

			pub, err := rabbitmq.NewPublisher(conn)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if err := pub.PublishJob(ctx, cfg.RabbitMQExchange, cfg.RoutingKey, body); err != nil {
				return fmt.Errorf("publish: %w", err)
			}

			fmt.Printf("published job %s for %s\n", id, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job-id", "", "job id (defaults to a new uuid)")
	cmd.Flags().StringVar(&language, "language", "", "source language hint")
	return cmd
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and remediate dead-letter queues",
	}
	cmd.AddCommand(dlqInspectCmd(), dlqReplayCmd())
	return cmd
}

func dlqInspectCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "inspect <queue>",
		Short: "Print dead-lettered messages without consuming them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			conn, err := amqp.Dial(cfg.RabbitMQURL)
			if err != nil {
				return fmt.Errorf("dial rabbitmq: %w", err)
			}
			defer conn.Close()

			ch, err := conn.Channel()
			if err != nil {
				return err
			}
			defer ch.Close()

			for i := 0; i < limit; i++ {
				d, ok, err := ch.Get(args[0], false)
				if err != nil {
					return fmt.Errorf("get from %s: %w", args[0], err)
				}
				if !ok {
					break
				}
				reason := ""
				if r, ok := d.Headers["x-dlq-reason"].(string); ok {
					reason = r
				}
				fmt.Printf("%d: reason=%q body=%s\n", i+1, reason, d.Body)
				// Requeue so inspection does not consume the message.
				_ = d.Nack(false, true)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "maximum messages to print")
	return cmd
}

func dlqReplayCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "replay <queue>",
		Short: "Republish dead-lettered messages to the primary exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			conn, err := amqp.Dial(cfg.RabbitMQURL)
			if err != nil {
				return fmt.Errorf("dial rabbitmq: %w", err)
			}
			defer conn.Close()

			ch, err := conn.Channel()
			if err != nil {
				return err
			}
			defer ch.Close()

			pub, err := rabbitmq.NewPublisher(conn)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			replayed := 0
			for i := 0; i < count; i++ {
				d, ok, err := ch.Get(args[0], false)
				if err != nil {
					return fmt.Errorf("get from %s: %w", args[0], err)
				}
				if !ok {
					break
				}

				if err := pub.PublishJob(ctx, cfg.RabbitMQExchange, cfg.RoutingKey, d.Body); err != nil {
					_ = d.Nack(false, true)
					return fmt.Errorf("republish: %w", err)
				}
				_ = d.Ack(false)
				replayed++
			}

			fmt.Printf("replayed %d message(s) from %s\n", replayed, args[0])
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "maximum messages to replay")
	return cmd
}
