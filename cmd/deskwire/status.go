package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deskwire/deskwire/pkg/mcp"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to the tool server and report connection state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClientConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := mcp.NewClient(cfg)
		if err := client.Connect(ctx); err != nil {
			info := mcp.Classify(err)
			return fmt.Errorf("%s (%s)", info.Message, info.Suggestion)
		}
		defer client.Close()

		status := client.Status()
		keys := make([]string, 0, len(status))
		for k := range status {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %v\n", k, status[k])
		}
		return nil
	},
}
