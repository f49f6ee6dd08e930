package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/rabbitlog"
	"github.com/glimte/rabbitlog/config"
	"github.com/glimte/rabbitlog/health"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		hostName   string
		exchange   string
		topic      string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "rabbitlog",
		Short: "Publish log lines to a RabbitMQ topic exchange",
		Long: `rabbitlog sends log messages to a RabbitMQ exchange using the same
buffering publisher as the library: messages are kept in memory while the
broker is unreachable and replayed once it comes back.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&hostName, "host", "", "Broker host name (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&exchange, "exchange", "e", "", "Exchange name (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&topic, "topic", "t", "", "Routing key template (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// open builds a target from the config file and flags
	open := func(cmd *cobra.Command) (*rabbitlog.Target, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if hostName != "" {
			cfg.HostName = hostName
		}
		if exchange != "" {
			cfg.Exchange = exchange
		}
		if topic != "" {
			cfg.Topic = topic
		}

		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

		return rabbitlog.NewTarget(cfg, rabbitlog.WithLogger(logger))
	}

	var (
		level  string
		logger string
	)

	sendCmd := &cobra.Command{
		Use:   "send <message...>",
		Short: "Send a single log message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := open(cmd)
			if err != nil {
				return fmt.Errorf("failed to create target: %w", err)
			}
			defer target.Close(context.Background())

			target.Write(cmd.Context(), rabbitlog.LogEvent{
				Message: strings.Join(args, " "),
				Level:   level,
				Logger:  logger,
				Time:    time.Now(),
			})

			if stats := target.Stats(); stats.Backlog > 0 {
				return fmt.Errorf("broker unreachable, message not delivered")
			}
			return nil
		},
	}
	sendCmd.Flags().StringVarP(&level, "level", "l", "Info", "Level name used in the routing key")
	sendCmd.Flags().StringVar(&logger, "logger", "rabbitlog", "Logger name (app-id fallback)")

	pipeCmd := &cobra.Command{
		Use:   "pipe",
		Short: "Send every line read from stdin",
		Long:  "Reads stdin line by line and sends each line as a log message until EOF or interrupt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			target, err := open(cmd)
			if err != nil {
				return fmt.Errorf("failed to create target: %w", err)
			}
			defer target.Close(context.Background())

			if err := pipeLines(ctx, cmd.InOrStdin(), target, level, logger); err != nil {
				return err
			}

			stats := target.Stats()
			fmt.Fprintf(cmd.ErrOrStderr(), "published=%d replayed=%d buffered=%d dropped=%d pending=%d\n",
				stats.Published, stats.Replayed, stats.Buffered, stats.Dropped, stats.Backlog)
			return nil
		},
	}
	pipeCmd.Flags().StringVarP(&level, "level", "l", "Info", "Level name used in the routing key")
	pipeCmd.Flags().StringVar(&logger, "logger", "rabbitlog", "Logger name (app-id fallback)")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check broker connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := open(cmd)
			if err != nil {
				return fmt.Errorf("failed to create target: %w", err)
			}
			defer target.Close(context.Background())

			result := health.NewPublisherChecker(target).Check(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if result.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker unreachable")
			}
			return nil
		},
	}

	rootCmd.AddCommand(sendCmd, pipeCmd, checkCmd)
	return rootCmd
}

// pipeLines writes each non-empty line of r to target
func pipeLines(ctx context.Context, r io.Reader, target *rabbitlog.Target, level, logger string) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		target.Write(ctx, rabbitlog.LogEvent{
			Message: line,
			Level:   level,
			Logger:  logger,
			Time:    time.Now(),
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}
