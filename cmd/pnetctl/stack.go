package main

// Shared setup for commands that talk to the network: a lightweight
// DCP-only session for discovery and configuration, and the full
// controller stack for run and record access.

import (
	"fmt"
	"net"
	"time"

	"github.com/openpnet/pnetctl/internal/config"
	"github.com/openpnet/pnetctl/internal/controller"
	"github.com/openpnet/pnetctl/internal/dcp"
	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/frame"
	"github.com/openpnet/pnetctl/internal/logging"
	"github.com/openpnet/pnetctl/internal/metrics"
	"github.com/openpnet/pnetctl/internal/netdetect"
	"github.com/openpnet/pnetctl/internal/rawsock"
	"github.com/openpnet/pnetctl/internal/registry"
	"github.com/openpnet/pnetctl/internal/rpc"
)

// dcpSession is a raw socket plus a DCP client, enough for identify
// and set operations without the rest of the controller.
type dcpSession struct {
	identity netdetect.ControllerIdentity
	sock     *rawsock.Socket
	client   *dcp.Client
}

func openDCPSession(iface string, log *logging.Logger) (*dcpSession, error) {
	identity, err := netdetect.Autodetect(iface)
	if err != nil {
		return nil, err
	}
	sock, err := rawsock.Open(identity.Interface)
	if err != nil {
		return nil, errors.WrapSocketError(err, identity.Interface)
	}
	return &dcpSession{
		identity: identity,
		sock:     sock,
		client:   dcp.NewClient(sock, identity.MAC, dcp.DefaultResponseWindow, log),
	}, nil
}

// collect pumps received frames into the DCP client until the window
// elapses.
func (s *dcpSession) collect(window time.Duration) {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		data, err := s.sock.Recv()
		if err != nil {
			continue
		}
		p := frame.NewParser(data)
		eth, err := frame.DecodeEthernetHeader(p)
		if err != nil || eth.EtherType != frame.EtherTypePROFINET {
			continue
		}
		frameID, err := p.Uint16()
		if err != nil || !frame.IsDCPFrameID(frameID) {
			continue
		}
		s.client.ProcessFrame(eth.Src, frameID, p.Rest())
	}
}

// resolveMAC turns a --mac flag or station name into a device MAC,
// identifying over the wire when only the name is known.
func (s *dcpSession) resolveMAC(station, macFlag string) (net.HardwareAddr, error) {
	if macFlag != "" {
		mac, err := net.ParseMAC(macFlag)
		if err != nil {
			return nil, fmt.Errorf("parse MAC %q: %w", macFlag, err)
		}
		return mac, nil
	}
	if station == "" {
		return nil, fmt.Errorf("either a station name or --mac is required")
	}

	if err := s.client.IdentifyByName(station); err != nil {
		return nil, err
	}
	s.collect(s.client.ResponseWindow())

	device, ok := s.client.Cache().GetByName(station)
	if !ok {
		return nil, fmt.Errorf("station %q did not answer identify", station)
	}
	return device.MAC, nil
}

func (s *dcpSession) close() {
	s.sock.Close()
}

// openController builds the full stack from a configuration file.
func openController(cfg *config.Config, configPath string, log *logging.Logger) (*controller.Controller, func(), error) {
	identity, err := netdetect.Autodetect(cfg.Network.Interface)
	if err != nil {
		return nil, nil, err
	}

	sock, err := rawsock.Open(identity.Interface)
	if err != nil {
		return nil, nil, errors.WrapSocketError(err, identity.Interface)
	}
	if cfg.CaptureFile != "" {
		if err := sock.EnableCapture(cfg.CaptureFile); err != nil {
			sock.Close()
			return nil, nil, err
		}
	}

	conn, err := rpc.NewUDPConn(identity.IP, log)
	if err != nil {
		sock.Close()
		return nil, nil, err
	}

	var reg registry.Registry = registry.NewLogRegistry(log)
	var mqttReg *registry.MQTTRegistry
	if cfg.MQTT.Broker != "" {
		mqttReg, err = registry.NewMQTTRegistry(registry.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
		}, log)
		if err != nil {
			sock.Close()
			conn.Close()
			return nil, nil, err
		}
		reg = mqttReg
	}

	sink := metrics.NewSink()
	var writer *metrics.Writer
	if cfg.Metrics.Enabled {
		writer, err = metrics.NewWriter(cfg.Metrics.CSVPath)
		if err != nil {
			sock.Close()
			conn.Close()
			return nil, nil, err
		}
	}

	ctrl, err := controller.New(controller.Options{
		Config:   cfg,
		Socket:   sock,
		RPCConn:  conn,
		Registry: reg,
		LocalMAC: identity.MAC,
		Log:      log,
		Metrics:  sink,
		Writer:   writer,
	})
	if err != nil {
		sock.Close()
		conn.Close()
		return nil, nil, err
	}

	log.LogStartup(identity.Interface, identity.MAC.String(), identity.IP.String(),
		cfg.Timing.CycleTimeUs, configPath)

	cleanup := func() {
		conn.Close()
		if mqttReg != nil {
			mqttReg.Close()
		}
	}
	return ctrl, cleanup, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(level, cfg.Logging.File)
}
