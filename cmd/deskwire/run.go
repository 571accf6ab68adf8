package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deskwire/deskwire/pkg/executor"
	"github.com/deskwire/deskwire/pkg/log"
	"github.com/deskwire/deskwire/pkg/mcp"
)

var (
	sessionID      string
	toolName       string
	maxRetries     int
	attemptTimeout time.Duration
	retryDelay     time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command...>",
	Short: "Execute a command through the tool server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClientConfig()
		if err != nil {
			return err
		}

		if sessionID == "" {
			sessionID = uuid.NewString()
			log.Debug("generated session id", "session", sessionID)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := mcp.NewClient(cfg)
		unsubscribe := client.Subscribe(func(ev mcp.Event) {
			switch ev.Type {
			case mcp.EventDisconnected:
				log.Warn("tool server disconnected", "error", ev.Err)
			case mcp.EventReconnecting:
				log.Info("reconnecting to tool server", "attempt", ev.Attempt, "delay", ev.Delay)
			case mcp.EventReconnectFailed:
				log.Error("tool server reconnect failed", "error", ev.Err)
			}
		})
		defer unsubscribe()

		if err := client.Connect(ctx); err != nil {
			info := mcp.Classify(err)
			return fmt.Errorf("%s (%s)", info.Message, info.Suggestion)
		}
		defer client.Close()

		exec := executor.New(client, nil)
		result, err := exec.Execute(ctx, sessionID, strings.Join(args, " "), executor.Options{
			MaxRetries:     maxRetries,
			AttemptTimeout: attemptTimeout,
			RetryDelay:     retryDelay,
			ToolName:       toolName,
		})
		if err != nil {
			return err
		}

		if result.Output != "" {
			fmt.Println(result.Output)
		}
		if !result.Success {
			if result.Error != nil {
				return fmt.Errorf("command failed after %d attempts: %s (%s)",
					result.Attempts, result.Error.Message, result.Error.Suggestion)
			}
			return fmt.Errorf("command failed after %d attempts", result.Attempts)
		}

		log.Info("command completed",
			"session", sessionID,
			"attempts", result.Attempts,
			"duration", result.Duration,
			"exit_code", result.ExitCode,
		)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&sessionID, "session", "", "Session id (generated when empty)")
	runCmd.Flags().StringVar(&toolName, "tool", executor.DefaultToolName, "Tool to invoke")
	runCmd.Flags().IntVar(&maxRetries, "max-retries", executor.DefaultMaxRetries, "Attempt budget per command")
	runCmd.Flags().DurationVar(&attemptTimeout, "attempt-timeout", executor.DefaultAttemptTimeout, "Timeout per attempt")
	runCmd.Flags().DurationVar(&retryDelay, "retry-delay", executor.DefaultRetryDelay, "Fixed delay between attempts")
}
