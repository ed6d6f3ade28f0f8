package main

import (
	"fmt"
	"os"

	"github.com/anatoly-dev/go-chat-gateway/cmd/chat-gateway/commands"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chat-gateway",
		Short: "Real-time presence and chat gateway",
		Long:  "A WebSocket gateway that tracks who is online, broadcasts presence changes and relays one-to-one chat messages",
	}

	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
