package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deskwire/deskwire/pkg/mcp"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools advertised by the server",
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

		tools, err := client.ListTools(ctx)
		if err != nil {
			return err
		}

		if len(tools) == 0 {
			fmt.Println("No tools advertised.")
			return nil
		}
		for _, tool := range tools {
			if tool.Description != "" {
				fmt.Printf("%s\t%s\n", tool.Name, tool.Description)
			} else {
				fmt.Println(tool.Name)
			}
		}
		return nil
	},
}
