package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openpnet/pnetctl/internal/logging"
)

type signalFlags struct {
	interfaceName string
	mac           string
}

func newSignalCmd() *cobra.Command {
	flags := &signalFlags{}

	cmd := &cobra.Command{
		Use:   "signal <station>",
		Short: "Flash a device's signal LED",
		Long: `Ask a PROFINET device to flash its signal LED, to physically
locate it in the cabinet. The target is the device's station name, or
a MAC address via --mac.`,
		Example: `  pnetctl signal rtu-01
  pnetctl signal --mac aa:bb:cc:00:01:02`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			station := ""
			if len(args) == 1 {
				station = args[0]
			}
			return runSignal(station, flags)
		},
	}

	cmd.Flags().StringVar(&flags.interfaceName, "interface", "", "Network interface (default: autodetect)")
	cmd.Flags().StringVar(&flags.mac, "mac", "", "Device MAC address (skips identify)")

	return cmd
}

func runSignal(station string, flags *signalFlags) error {
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
	if err := session.client.Signal(mac); err != nil {
		return err
	}

	fmt.Printf("Signal request sent to %s.\n", mac)
	return nil
}
