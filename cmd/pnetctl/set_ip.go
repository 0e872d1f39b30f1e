package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/openpnet/pnetctl/internal/logging"
)

type setIPFlags struct {
	interfaceName string
	mac           string
	ip            string
	mask          string
	gateway       string
	permanent     bool
}

func newSetIPCmd() *cobra.Command {
	flags := &setIPFlags{}

	cmd := &cobra.Command{
		Use:   "set-ip <station>",
		Short: "Assign an IP address to a device via DCP",
		Long: `Assign an IP address, netmask and gateway to a PROFINET device
using a DCP Set request.

The target is the device's station name; the command identifies it
first to learn its MAC address. Use --mac to address a device that has
no station name yet.

DCP Set requests are fire-and-forget: run discover afterwards to
confirm the change. Without --permanent the address is lost on power
cycle.`,
		Example: `  # Temporary address by station name
  pnetctl set-ip rtu-01 --ip 192.168.0.50 --mask 255.255.255.0 --gateway 192.168.0.1

  # Permanent address by MAC, for an unnamed device
  pnetctl set-ip --mac aa:bb:cc:00:01:02 --ip 192.168.0.50 --mask 255.255.255.0 --gateway 192.168.0.1 --permanent`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			station := ""
			if len(args) == 1 {
				station = args[0]
			}
			return runSetIP(station, flags)
		},
	}

	cmd.Flags().StringVar(&flags.interfaceName, "interface", "", "Network interface (default: autodetect)")
	cmd.Flags().StringVar(&flags.mac, "mac", "", "Device MAC address (skips identify)")
	cmd.Flags().StringVar(&flags.ip, "ip", "", "IPv4 address to assign (required)")
	cmd.Flags().StringVar(&flags.mask, "mask", "255.255.255.0", "Subnet mask")
	cmd.Flags().StringVar(&flags.gateway, "gateway", "", "Default gateway (default: the assigned address)")
	cmd.Flags().BoolVar(&flags.permanent, "permanent", false, "Store the address permanently on the device")
	cmd.MarkFlagRequired("ip")

	return cmd
}

func runSetIP(station string, flags *setIPFlags) error {
	ip := net.ParseIP(flags.ip)
	mask := net.ParseIP(flags.mask)
	if ip == nil || mask == nil {
		return fmt.Errorf("invalid IP %q or mask %q", flags.ip, flags.mask)
	}
	gateway := ip
	if flags.gateway != "" {
		if gateway = net.ParseIP(flags.gateway); gateway == nil {
			return fmt.Errorf("invalid gateway %q", flags.gateway)
		}
	}

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
	if err := session.client.SetIP(mac, ip, mask, gateway, flags.permanent); err != nil {
		return err
	}

	fmt.Printf("Sent IP %s to %s; run 'pnetctl discover' to confirm.\n", ip, mac)
	return nil
}
