// Package cmd is the almudeer command line: the serve entrypoint plus
// the operational helpers (migrations, telegram login, event tail,
// repair).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/almudeerhq/almudeer/cmd.Version=v1.0.0".
var Version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:   "almudeer",
	Short: "almudeer, the multi-channel customer communication engine",
	Long: "almudeer ingests customer messages from Gmail, Telegram and WhatsApp,\n" +
		"analyzes them with an AI provider and drives operator-approved replies\n" +
		"back out over the same transports.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load before reading the environment")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(telegramLoginCmd())
	rootCmd.AddCommand(tailCmd())
	rootCmd.AddCommand(repairCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("almudeer %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
