package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openpnet/pnetctl/internal/netdetect"
	"github.com/openpnet/pnetctl/internal/rawsock"
)

func newInterfacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "List capture-capable network interfaces",
		Long: `List the network interfaces the controller can attach to.

Two views are combined: the OS interface table (names, MACs and
addresses) and the set of interfaces the packet-capture backend can
open. An interface must appear in both to carry PROFINET traffic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInterfaces()
		},
	}
}

func runInterfaces() error {
	infos, err := netdetect.ListInterfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	capturable, capErr := rawsock.Interfaces()
	captureSet := make(map[string]bool, len(capturable))
	for _, name := range capturable {
		captureSet[name] = true
	}

	fmt.Fprintf(os.Stdout, "%-20s %-18s %-8s %s\n", "INTERFACE", "MAC", "CAPTURE", "ADDRESSES")
	for _, info := range infos {
		capture := "no"
		if captureSet[info.Name] {
			capture = "yes"
		}
		fmt.Fprintf(os.Stdout, "%-20s %-18s %-8s %s\n",
			netdetect.DisplayName(info), info.MAC, capture, netdetect.AddressString(info))
	}

	if capErr != nil {
		fmt.Fprintf(os.Stderr, "warning: capture backend unavailable: %v\n", capErr)
	}
	return nil
}
