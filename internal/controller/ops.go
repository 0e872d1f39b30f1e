package controller

// On-demand operations: discovery, connect/disconnect, record access
// and actuator writes. These block on RPC; callers must not hold the
// scan loop (the CLI and the connect retry goroutines are the only
// callers).

import (
	"time"

	"github.com/openpnet/pnetctl/internal/ar"
	"github.com/openpnet/pnetctl/internal/cyclic"
	"github.com/openpnet/pnetctl/internal/dcp"
	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/metrics"
	"github.com/openpnet/pnetctl/internal/recordsync"
	"github.com/openpnet/pnetctl/internal/rpc"
)

// Discover broadcasts an identify-all request. Responses populate the
// device cache asynchronously via the receive loop; callers should
// wait for the DCP response window before reading results.
func (c *Controller) Discover() error {
	return c.timed(metrics.OperationDCPIdentify, "", c.dcp.IdentifyAll)
}

// DCP exposes the DCP client for configuration commands (set-ip,
// set-name, signal, factory reset).
func (c *Controller) DCP() *dcp.Client { return c.dcp }

// Devices returns a snapshot of all discovered devices.
func (c *Controller) Devices() []dcp.DeviceIdentity {
	return c.dcp.Cache().List()
}

// Stations returns the station names with active ARs.
func (c *Controller) Stations() []string {
	return c.mgr.Stations()
}

// State returns the AR state for a station.
func (c *Controller) State(station string) (ar.State, error) {
	a, err := c.mgr.Get(station)
	if err != nil {
		return 0, err
	}
	return a.State, nil
}

// Connect establishes (or re-establishes) the AR for a station. The
// device must already be in the DCP cache.
func (c *Controller) Connect(station string) error {
	if _, err := c.mgr.Get(station); err != nil {
		device, ok := c.dcp.Cache().GetByName(station)
		if !ok {
			return errors.New(errors.KindNotFound, "station %q not discovered; run identify first", station)
		}
		if _, err := c.mgr.Create(device, c.deviceWatchdog(station)); err != nil {
			return err
		}
	}

	start := time.Now()
	err := c.connector.Connect(station)
	c.record(metrics.Metric{
		Timestamp: start,
		Operation: metrics.OperationConnect,
		Station:   station,
		Success:   err == nil,
		RTTMs:     float64(time.Since(start).Microseconds()) / 1000,
		Error:     errString(err),
	})
	return err
}

// Disconnect releases the AR and detaches its cyclic IO.
func (c *Controller) Disconnect(station string) error {
	if a, err := c.mgr.Get(station); err == nil {
		c.engine.Unregister(a.Input().FrameID)
		c.engine.Unregister(a.Output().FrameID)
	}
	return c.timed(metrics.OperationRelease, station, func() error {
		return c.connector.Disconnect(station)
	})
}

// ReadRecord performs an acyclic Record Read against a connected
// station.
func (c *Controller) ReadRecord(station string, addr rpc.RecordAddress) ([]byte, error) {
	a, err := c.runningAR(station)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = c.timed(metrics.OperationRecordRead, station, func() error {
		var err error
		data, err = c.rpcClient.ReadRecord(rpc.DeviceAddr(a.Device.Address), a.UUID, addr, rpc.MaxRecordDataLen)
		return err
	})
	return data, err
}

// WriteRecord performs an acyclic Record Write against a connected
// station.
func (c *Controller) WriteRecord(station string, addr rpc.RecordAddress, data []byte) error {
	a, err := c.runningAR(station)
	if err != nil {
		return err
	}
	return c.timed(metrics.OperationRecordWrite, station, func() error {
		return c.rpcClient.WriteRecord(rpc.DeviceAddr(a.Device.Address), a.UUID, addr, data)
	})
}

// SyncCredentials pushes a credential payload to the device's
// credential-sync record index.
func (c *Controller) SyncCredentials(station string, users []recordsync.UserRecord) error {
	payload, err := recordsync.Build(users)
	if err != nil {
		return err
	}
	return c.WriteRecord(station, rpc.RecordAddress{Index: rpc.IndexCredentialSync}, payload)
}

// Sensor returns the latest decoded reading for a station's i-th
// sensor slot.
func (c *Controller) Sensor(station string, index int) (cyclic.SensorReading, error) {
	a, err := c.runningAR(station)
	if err != nil {
		return cyclic.SensorReading{}, err
	}
	return c.engine.SensorAt(a.Input().FrameID, index, time.Now())
}

// SetActuator stages an actuator command; the scan loop transmits it
// on the next cycle.
func (c *Controller) SetActuator(station string, slot uint16, out cyclic.ActuatorOutput) error {
	a, err := c.runningAR(station)
	if err != nil {
		return err
	}
	return c.engine.SetActuator(a.Output().FrameID, slot, out)
}

func (c *Controller) runningAR(station string) (*ar.AR, error) {
	a, err := c.mgr.Get(station)
	if err != nil {
		return nil, err
	}
	if a.State != ar.StateRun {
		return nil, errors.New(errors.KindNotConnected, "station %q is %s, need %s", station, a.State, ar.StateRun)
	}
	return a, nil
}

// timed wraps an operation with a round-trip metric.
func (c *Controller) timed(op metrics.OperationType, station string, fn func() error) error {
	start := time.Now()
	err := fn()
	m := metrics.Metric{
		Timestamp: start,
		Operation: op,
		Station:   station,
		Success:   err == nil,
		RTTMs:     float64(time.Since(start).Microseconds()) / 1000,
		Error:     errString(err),
	}
	var se *rpc.StatusError
	if errors.As(err, &se) {
		m.PNIOStatus = se.Status.Uint32()
	}
	c.record(m)
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
