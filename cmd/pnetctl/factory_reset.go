package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openpnet/pnetctl/internal/logging"
)

type factoryResetFlags struct {
	interfaceName string
	mac           string
	yes           bool
}

func newFactoryResetCmd() *cobra.Command {
	flags := &factoryResetFlags{}

	cmd := &cobra.Command{
		Use:   "factory-reset <station>",
		Short: "Reset a device's communication parameters",
		Long: `Send a DCP reset-to-factory request, clearing the device's
station name and IP configuration.

The device drops off the network until it is re-provisioned with
set-name and set-ip, so the command asks for confirmation unless --yes
is given.`,
		Example: `  pnetctl factory-reset rtu-01
  pnetctl factory-reset --mac aa:bb:cc:00:01:02 --yes`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			station := ""
			if len(args) == 1 {
				station = args[0]
			}
			return runFactoryReset(station, flags)
		},
	}

	cmd.Flags().StringVar(&flags.interfaceName, "interface", "", "Network interface (default: autodetect)")
	cmd.Flags().StringVar(&flags.mac, "mac", "", "Device MAC address (skips identify)")
	cmd.Flags().BoolVar(&flags.yes, "yes", false, "Skip the confirmation prompt")

	return cmd
}

func runFactoryReset(station string, flags *factoryResetFlags) error {
	log, err := logging.NewLogger(logging.LogLevelError, "")
	if err != nil {
		return err
	}
	session, err := openDCPSession(flags.interfaceName, log)
	if err != nil {
		return err
	}
	defer session.close()

	mac, err := session.resolveMAC(station, flags.mac)
	if err != nil {
		return err
	}

	if !flags.yes {
		fmt.Printf("Reset %s to factory defaults? The device loses its name and IP. [y/N] ", mac)
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if answer := strings.TrimSpace(strings.ToLower(line)); answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := session.client.ResetToFactory(mac); err != nil {
		return err
	}
	fmt.Printf("Factory reset sent to %s.\n", mac)
	return nil
}
