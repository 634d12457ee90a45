// Command bookingctl is the operator CLI for the booking service: it issues and checks
// signed booking links and manages slots directly in the database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bookingctl",
		Short:         "bookingctl - operator tooling for the booking service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config-dir", ".", "Directory holding the optional .env file")

	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(slotCmd())
	rootCmd.AddCommand(schemaCmd())
	return rootCmd
}
