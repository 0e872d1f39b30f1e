package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openpnet/pnetctl/internal/config"
	"github.com/openpnet/pnetctl/internal/metrics"
)

type runFlags struct {
	configPath string
	capture    string
	dryRun     bool
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller",
		Long: `Run the PROFINET IO controller: discover devices, auto-connect
the stations listed in the configuration and exchange cyclic data
until interrupted.

A missing configuration file is created with defaults on first run.
Edits to the file are picked up while running; changes to the device
list apply to new connections.

With --dry-run the configuration is loaded, validated and printed,
then the command exits without touching the network.`,
		Example: `  # Run with the default configuration path
  pnetctl run --config pnetctl.yaml

  # Validate a configuration without opening sockets
  pnetctl run --config pnetctl.yaml --dry-run

  # Mirror all PROFINET traffic into a capture file
  pnetctl run --config pnetctl.yaml --capture session.pcap`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(flags)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "pnetctl.yaml", "Configuration file path")
	cmd.Flags().StringVar(&flags.capture, "capture", "", "Write all PROFINET traffic to this pcap file")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Validate the configuration and exit")

	return cmd
}

func runController(flags *runFlags) error {
	cfg, err := config.Load(flags.configPath, !flags.dryRun)
	if err != nil {
		return err
	}
	if flags.capture != "" {
		cfg.CaptureFile = flags.capture
	}

	if flags.dryRun {
		fmt.Fprintf(os.Stdout, "Configuration %s is valid:\n\n", flags.configPath)
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
		return nil
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	ctrl, cleanup, err := openController(cfg, flags.configPath, log)
	if err != nil {
		return err
	}
	defer cleanup()

	ctrl.Start()
	defer ctrl.Stop()

	// Hot-reload: the running loops keep their timing; the device list
	// and log level take effect immediately.
	watcher, err := config.Watch(flags.configPath, log, func(updated *config.Config) {
		ctrl.ApplyConfig(updated)
	})
	if err != nil {
		log.Error("config watch: %v", err)
	} else {
		defer watcher.Close()
	}

	if err := ctrl.Discover(); err != nil {
		log.Error("initial discovery: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	if sink := ctrl.Metrics(); sink != nil {
		printSummary(sink.GetSummary())
	}
	return nil
}

func printSummary(s *metrics.Summary) {
	if s.TotalOperations == 0 {
		return
	}
	fmt.Fprintf(os.Stdout, "\n%d operations, %d ok, %d failed (%d timeouts)\n",
		s.TotalOperations, s.SuccessfulOps, s.FailedOps, s.TimeoutCount)
	if s.SuccessfulOps > 0 {
		fmt.Fprintf(os.Stdout, "RTT ms: min %.3f avg %.3f p50 %.3f p95 %.3f max %.3f\n",
			s.MinRTT, s.AvgRTT, s.P50RTT, s.P95RTT, s.MaxRTT)
	}
	for op, st := range s.RTTByOperation {
		fmt.Fprintf(os.Stdout, "  %-13s count %-6d ok %-6d avg %.3f ms\n",
			op, st.Count, st.Success, st.AvgRTT)
	}
}
