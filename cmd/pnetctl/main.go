package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pnetctl",
		Short: "PROFINET IO controller",
		Long: `pnetctl is a PROFINET IO controller: it discovers remote IO devices
over DCP, establishes application relationships over DCE/RPC, and
exchanges cyclic sensor and actuator data as RT class 1 traffic.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add subcommands
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newInterfacesCmd())
	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newSetIPCmd())
	rootCmd.AddCommand(newSetNameCmd())
	rootCmd.AddCommand(newSignalCmd())
	rootCmd.AddCommand(newFactoryResetCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newReadRecordCmd())
	rootCmd.AddCommand(newWriteRecordCmd())

	// Custom help command
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "Usage:\n  %s <command> [arguments] [options]\n\n", cmd.Name())
		fmt.Fprintf(os.Stdout, "Available Commands:\n")
		for _, subCmd := range cmd.Commands() {
			if !subCmd.Hidden {
				fmt.Fprintf(os.Stdout, "  %-15s %s\n", subCmd.Name(), subCmd.Short)
			}
		}
		fmt.Fprintf(os.Stdout, "\nUse \"%s help <command>\" for more information about a command.\n", cmd.Name())
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
