package controller

// PROFINET IO controller core
//
// Ties the protocol layers together and runs two loops: a receive
// loop draining the raw socket and a cyclic scan loop driving AR
// state machines, watchdogs and outbound RT frames. All blocking RPC
// work (connect, release, record access) happens on caller or
// per-connect goroutines, never inside the loops.

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openpnet/pnetctl/internal/ar"
	"github.com/openpnet/pnetctl/internal/config"
	"github.com/openpnet/pnetctl/internal/cyclic"
	"github.com/openpnet/pnetctl/internal/dcp"
	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/frame"
	"github.com/openpnet/pnetctl/internal/logging"
	"github.com/openpnet/pnetctl/internal/metrics"
	"github.com/openpnet/pnetctl/internal/registry"
	"github.com/openpnet/pnetctl/internal/rpc"
)

// sendClockTicksPerMs is how many 31.25 us send-clock ticks make one
// millisecond.
const sendClockTicksPerMs = 32

// FrameSocket is the raw Ethernet transport the controller drives.
// *rawsock.Socket satisfies it.
type FrameSocket interface {
	SendFrame(data []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Options carries the controller's collaborators. Config, Socket,
// RPCConn and LocalMAC are required.
type Options struct {
	Config   *config.Config
	Socket   FrameSocket
	RPCConn  rpc.Conn
	Registry registry.Registry
	LocalMAC net.HardwareAddr
	Log      *logging.Logger
	Metrics  *metrics.Sink
	Writer   *metrics.Writer
}

// Controller owns the protocol engine and its loops.
type Controller struct {
	cfgMu    sync.Mutex
	cfg      *config.Config
	log      *logging.Logger
	reg      registry.Registry
	sink     *metrics.Sink
	mwriter  *metrics.Writer
	sock     FrameSocket
	localMAC net.HardwareAddr

	dcp       *dcp.Client
	rpcClient *rpc.Client
	mgr       *ar.Manager
	connector *ar.Connector
	engine    *cyclic.Engine

	scanInterval time.Duration
	watchdog     time.Duration

	running atomic.Bool
	wg      sync.WaitGroup
}

// New wires a controller from its options. The socket and RPC
// connection are owned by the caller until Start; Stop closes both.
func New(opts Options) (*Controller, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New(errors.KindInvalidParam, "controller: nil config")
	}
	if opts.Socket == nil || opts.RPCConn == nil {
		return nil, errors.New(errors.KindInvalidParam, "controller: socket and RPC connection are required")
	}
	if len(opts.LocalMAC) != 6 {
		return nil, errors.New(errors.KindInvalidParam, "controller: local MAC must be 6 bytes")
	}

	reg := opts.Registry
	if reg == nil {
		reg = registry.NewLogRegistry(opts.Log)
	}

	timing := ar.Timing{
		SendClockFactor: uint16(cfg.Timing.CycleTimeUs * sendClockTicksPerMs / 1000),
		ReductionRatio:  uint16(cfg.Timing.ReductionRatio),
		WatchdogFactor:  3,
		DataHoldFactor:  3,
	}

	c := &Controller{
		cfg:      cfg,
		log:      opts.Log,
		reg:      reg,
		sink:     opts.Metrics,
		mwriter:  opts.Writer,
		sock:     opts.Socket,
		localMAC: opts.LocalMAC,
		scanInterval: time.Duration(cfg.Timing.CycleTimeUs) * time.Microsecond *
			time.Duration(cfg.Timing.ReductionRatio),
		watchdog: time.Duration(cfg.Timing.WatchdogMs) * time.Millisecond,
	}

	c.dcp = dcp.NewClient(opts.Socket, opts.LocalMAC,
		time.Duration(cfg.Timing.DiscoveryWindowMs)*time.Millisecond, opts.Log)
	c.dcp.OnDevice(c.onDeviceSeen)

	c.rpcClient = rpc.NewClient(opts.RPCConn,
		cfg.Identity.Instance, cfg.Identity.DeviceID, cfg.Identity.VendorID,
		rpc.DefaultTimeouts(), opts.Log)

	c.mgr = ar.NewManager(ar.DefaultMaxARs, opts.Log)
	c.connector = ar.NewConnector(c.rpcClient, c.mgr, opts.LocalMAC,
		cfg.Identity.StationName, timing, opts.Log)
	c.engine = cyclic.NewEngine(opts.LocalMAC, opts.Log)

	for _, m := range cfg.Modules {
		profile := ar.ModuleProfile{Direction: cyclic.DirectionSensor, DataLength: m.DataLength}
		if m.Direction == "actuator" {
			profile.Direction = cyclic.DirectionActuator
			if profile.DataLength == 0 {
				profile.DataLength = cyclic.ActuatorSlotWidth
			}
		} else if profile.DataLength == 0 {
			profile.DataLength = cyclic.SensorSlotWidth
		}
		c.connector.RegisterModuleProfile(m.Ident, profile)
	}

	return c, nil
}

// Start launches the receive and scan loops.
func (c *Controller) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(2)
	go c.receiveLoop()
	go c.scanLoop()
}

// Stop terminates the loops, joins them and closes the transports.
func (c *Controller) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.wg.Wait()
	c.sock.Close()
	if c.mwriter != nil {
		c.mwriter.Close()
	}
}

// receiveLoop drains the raw socket and dispatches by frame ID. The
// socket's poll timeout bounds each Recv call, so a cleared running
// flag is observed promptly.
func (c *Controller) receiveLoop() {
	defer c.wg.Done()
	for c.running.Load() {
		data, err := c.sock.Recv()
		if err != nil {
			if errors.Is(err, errors.KindTimeout) {
				continue
			}
			if c.log != nil {
				c.log.Error("receive: %v", err)
			}
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Controller) handleFrame(data []byte) {
	p := frame.NewParser(data)
	eth, err := frame.DecodeEthernetHeader(p)
	if err != nil || eth.EtherType != frame.EtherTypePROFINET {
		return
	}
	if bytes.Equal(eth.Src, c.localMAC) {
		return // our own transmit echoed back
	}
	frameID, err := p.Uint16()
	if err != nil {
		return
	}

	switch {
	case frame.IsDCPFrameID(frameID):
		if err := c.dcp.ProcessFrame(eth.Src, frameID, p.Rest()); err != nil && c.log != nil {
			c.log.Debug("dcp frame from %s: %v", eth.Src, err)
		}

	case frame.IsCyclicFrameID(frameID):
		c.handleCyclic(frameID, p.Rest())
	}
}

func (c *Controller) handleCyclic(frameID uint16, payload []byte) {
	now := time.Now()
	updates, err := c.engine.HandleFrame(frameID, payload, now)
	if err != nil {
		if c.log != nil && !errors.Is(err, errors.KindNotFound) {
			c.log.Debug("cyclic frame 0x%04X: %v", frameID, err)
		}
		return
	}

	a, err := c.mgr.GetByFrameID(frameID)
	if err != nil {
		return
	}
	station := a.Device.StationName
	c.mgr.Apply(station, func(a *ar.AR) error {
		a.Touch(now)
		return nil
	})

	for _, u := range updates {
		c.reg.OnDataReceived(station, u.Index, u.Raw)
	}
	c.record(metrics.Metric{
		Timestamp: now,
		Operation: metrics.OperationCyclicRecv,
		Station:   station,
		Success:   true,
	})
}

// scanLoop is the fixed-period tick: state machines, watchdogs,
// outbound RT frames and connect retries. The next deadline is
// advanced from the previous one, not from wakeup time, so tick drift
// does not accumulate.
func (c *Controller) scanLoop() {
	defer c.wg.Done()
	next := time.Now().Add(c.scanInterval)
	for c.running.Load() {
		now := time.Now()

		for _, ev := range c.mgr.Process(now) {
			c.dispatchEvent(ev)
		}
		c.transmitOutputs(now)
		for _, station := range c.mgr.CheckHealth(now) {
			c.connectAsync(station)
		}

		next = next.Add(c.scanInterval)
		sleep := time.Until(next)
		if sleep < 0 {
			// Fell behind by more than a full period; resync.
			next = time.Now().Add(c.scanInterval)
			continue
		}
		time.Sleep(sleep)
	}
}

func (c *Controller) dispatchEvent(ev ar.Event) {
	switch ev.Type {
	case ar.EventStateChanged:
		if ev.New == ar.StateRun {
			c.attachEngine(ev.Station)
		} else if ev.Old == ar.StateRun {
			c.detachEngine(ev.Station)
		}
		c.reg.OnDeviceStateChanged(ev.Station, ev.New.String())

	case ar.EventDeviceRemoved:
		c.reg.OnDeviceRemoved(ev.Station)

	case ar.EventSlotsDiscovered:
		c.reg.OnSlotsDiscovered(ev.Station, ev.Slots)
	}
}

// attachEngine registers the AR's IOCR payloads with the cyclic
// engine. This runs in the scan loop only after the AR reached Run,
// so the engine never observes buffers mid-negotiation.
func (c *Controller) attachEngine(station string) {
	a, err := c.mgr.Get(station)
	if err != nil {
		return
	}
	in := cyclic.NewPayloadView(a.Slots, cyclic.DirectionSensor)
	out := cyclic.NewPayloadView(a.Slots, cyclic.DirectionActuator)

	if err := c.engine.RegisterInput(a.Input().FrameID, in, a.Input().Buffer); err != nil && c.log != nil {
		c.log.Error("register input for %s: %v", station, err)
	}
	if out.SlotCount() > 0 {
		if err := c.engine.RegisterOutput(a.Output().FrameID, a.Device.MAC, out, a.Output().Buffer); err != nil && c.log != nil {
			c.log.Error("register output for %s: %v", station, err)
		}
	}
	if c.log != nil {
		c.log.Info("device %s running: %d sensors, %d actuators",
			station, in.SlotCount(), out.SlotCount())
	}
}

func (c *Controller) detachEngine(station string) {
	a, err := c.mgr.Get(station)
	if err != nil {
		return
	}
	c.engine.Unregister(a.Input().FrameID)
	c.engine.Unregister(a.Output().FrameID)
}

// transmitOutputs sends one RT frame per registered output IOCR.
func (c *Controller) transmitOutputs(now time.Time) {
	for _, frameID := range c.engine.OutputFrameIDs() {
		data, err := c.engine.BuildOutput(frameID)
		if err != nil {
			continue
		}
		if err := c.sock.SendFrame(data); err != nil {
			if c.log != nil {
				c.log.Error("cyclic send 0x%04X: %v", frameID, err)
			}
			continue
		}
		if a, err := c.mgr.GetByFrameID(frameID); err == nil {
			c.record(metrics.Metric{
				Timestamp: now,
				Operation: metrics.OperationCyclicSend,
				Station:   a.Device.StationName,
				Success:   true,
			})
		}
	}
}

// onDeviceSeen runs for every DCP cache update.
func (c *Controller) onDeviceSeen(identity dcp.DeviceIdentity) {
	if !c.reg.Known(identity.StationName) {
		c.reg.OnDeviceAdded(identity)
	}
	if c.running.Load() && c.autoConnect(identity.StationName) {
		if _, err := c.mgr.Get(identity.StationName); err != nil {
			c.connectAsync(identity.StationName)
		}
	}
}

func (c *Controller) autoConnect(station string) bool {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	for _, d := range c.cfg.Devices {
		if d.StationName == station {
			return d.AutoConnect
		}
	}
	return false
}

// ApplyConfig takes over the reloadable parts of a new configuration:
// the device list, per-device watchdogs and the log level. Timing and
// network settings stay fixed for the controller's lifetime.
func (c *Controller) ApplyConfig(cfg *config.Config) {
	c.cfgMu.Lock()
	c.cfg.Devices = cfg.Devices
	c.cfgMu.Unlock()

	if c.log != nil {
		if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			c.log.SetLevel(level)
		}
	}
}

// Metrics returns the metrics sink, or nil when none is attached.
func (c *Controller) Metrics() *metrics.Sink { return c.sink }

func (c *Controller) connectAsync(station string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Connect(station); err != nil && c.log != nil {
			c.log.Error("connect %s: %v", station, err)
		}
	}()
}

func (c *Controller) deviceWatchdog(station string) time.Duration {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	for _, d := range c.cfg.Devices {
		if d.StationName == station && d.WatchdogMs > 0 {
			return time.Duration(d.WatchdogMs) * time.Millisecond
		}
	}
	return c.watchdog
}

func (c *Controller) record(m metrics.Metric) {
	if c.sink != nil {
		c.sink.Record(m)
	}
	if c.mwriter != nil {
		c.mwriter.WriteMetric(m)
	}
}
