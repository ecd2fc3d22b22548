// Package hub drives MEGA4 hubs through USB hub class requests: discovery,
// per-port power switching, power state readback and downstream topology.
package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harvester/mega4hub/pkg/apis/mega4/v1beta1"
	"github.com/harvester/mega4hub/pkg/config"
	"github.com/harvester/mega4hub/pkg/transport"
)

// sleep is swapped out by tests.
var sleep = time.Sleep

// Controller owns the hubs found by the last scan. Every operation blocks for
// the duration of its control transfers; calls are serialised internally.
type Controller struct {
	lock sync.Mutex

	transport     transport.Transport
	strings       transport.StringReader
	settleDelay   time.Duration
	simulate      bool
	simulatedHubs int

	// generation is bumped by every scan; snapshots from older generations are stale.
	generation uint64
	current    *Snapshot
	simPower   map[int]*[v1beta1.PortCount]bool
}

type Option func(*Controller)

// WithSettleDelay overrides the wait imposed after a power state change.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Controller) {
		c.settleDelay = d
	}
}

// WithStringReader sets a fallback for descriptor strings of devices that cannot be opened.
func WithStringReader(r transport.StringReader) Option {
	return func(c *Controller) {
		c.strings = r
	}
}

// WithSimulation starts the controller in simulation mode with n virtual hubs.
func WithSimulation(n int) Option {
	return func(c *Controller) {
		c.simulate = true
		c.simulatedHubs = n
	}
}

// NewController wraps t. t may be nil when the controller only ever simulates.
func NewController(t transport.Transport, opts ...Option) *Controller {
	c := &Controller{
		transport:     t,
		settleDelay:   config.DefaultSettleDelay,
		simulatedHubs: config.DefaultSimulatedHubs,
		simPower:      make(map[int]*[v1beta1.PortCount]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.simulate {
		c.current = c.simulatedSnapshotLocked()
	}
	return c
}

// NewFromConfig builds a controller from runtime settings.
func NewFromConfig(t transport.Transport, cfg *config.Config) *Controller {
	opts := []Option{WithSettleDelay(cfg.SettleDelay)}
	if cfg.SysfsPath != "" {
		opts = append(opts, WithStringReader(transport.NewSysfsStrings(cfg.SysfsPath)))
	}
	if cfg.Simulate {
		opts = append(opts, WithSimulation(cfg.SimulatedHubs))
	}
	return NewController(t, opts...)
}

// SetSimulationMode toggles simulation. Either way the previous snapshot is invalidated;
// enabling installs a snapshot of virtual hubs, disabling requires a new Scan.
func (c *Controller) SetSimulationMode(enabled bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.simulate = enabled
	c.simPower = make(map[int]*[v1beta1.PortCount]bool)
	if enabled {
		c.current = c.simulatedSnapshotLocked()
		logrus.Infof("simulation mode enabled with %d virtual hub(s)", c.simulatedHubs)
		return
	}
	c.generation++
	c.current = nil
	logrus.Infof("simulation mode disabled")
}

// Simulated reports whether simulation mode is enabled.
func (c *Controller) Simulated() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.simulate
}

// Scan enumerates the bus and replaces the current snapshot.
func (c *Controller) Scan() (*Snapshot, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.simulate {
		c.current = c.simulatedSnapshotLocked()
		return c.current, nil
	}

	if c.transport == nil {
		return nil, fmt.Errorf("%w: no usb transport configured", ErrDeviceCommunication)
	}

	devices, err := c.transport.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceCommunication, err)
	}

	c.generation++
	s := &Snapshot{
		controller: c,
		generation: c.generation,
	}
	for _, dev := range devices {
		desc := dev.Descriptor()
		model, ok := config.LookupHubModel(desc.Vendor, desc.Product)
		if !ok {
			continue
		}
		info := v1beta1.DeviceInfo{
			BusPortPath: desc.BusPortPath(),
			VID:         desc.Vendor,
			PID:         desc.Product,
			Description: model.Description(),
		}
		logrus.Debugf("found hub %s", info)
		s.hubs = append(s.hubs, hubEntry{info: info, device: dev})
	}

	c.current = s
	return s, nil
}

// ListDevices scans and returns the discovered hubs. No hubs is not an error.
func (c *Controller) ListDevices() ([]v1beta1.DeviceInfo, error) {
	s, err := c.Scan()
	if err != nil {
		return nil, err
	}
	return s.Devices(), nil
}

// Current returns the snapshot of the last scan, nil before the first one.
func (c *Controller) Current() *Snapshot {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current
}

func (c *Controller) PowerOn(port, deviceIndex int) error {
	return c.togglePort(nil, port, deviceIndex, true)
}

func (c *Controller) PowerOff(port, deviceIndex int) error {
	return c.togglePort(nil, port, deviceIndex, false)
}

// GetPortStates reads the power state of all four ports of a hub from hardware.
func (c *Controller) GetPortStates(deviceIndex int) (v1beta1.PortStates, error) {
	return c.portStates(nil, deviceIndex)
}

func (c *Controller) IsPortOn(port, deviceIndex int) (bool, error) {
	return c.isPortOn(nil, port, deviceIndex)
}

// GetPortConnections maps the four downstream ports of a hub to attached devices.
func (c *Controller) GetPortConnections(deviceIndex int) ([]v1beta1.PortConnectionInfo, error) {
	return c.portConnections(nil, deviceIndex)
}

// resolveLocked picks the snapshot to operate on and returns the addressed hub.
// A nil snapshot means the current one.
func (c *Controller) resolveLocked(s *Snapshot, deviceIndex int) (*Snapshot, hubEntry, error) {
	if s == nil {
		s = c.current
	}
	if s == nil {
		return nil, hubEntry{}, fmt.Errorf("%w: hub index %d, no scan has been performed", ErrOutOfRange, deviceIndex)
	}
	if s.generation != c.generation {
		return nil, hubEntry{}, fmt.Errorf("%w: %w: hub index %d", ErrOutOfRange, ErrStaleSnapshot, deviceIndex)
	}
	if deviceIndex < 0 || deviceIndex >= len(s.hubs) {
		return nil, hubEntry{}, fmt.Errorf("%w: invalid hub index %d, %d hub(s) found by last scan", ErrOutOfRange, deviceIndex, len(s.hubs))
	}
	return s, s.hubs[deviceIndex], nil
}

func checkPort(port int) error {
	if !v1beta1.ValidPort(port) {
		return fmt.Errorf("%w: invalid port %d, expected %d..%d", ErrOutOfRange, port, v1beta1.FirstPort, v1beta1.LastPort)
	}
	return nil
}

func (c *Controller) togglePort(s *Snapshot, port, deviceIndex int, on bool) error {
	if err := checkPort(port); err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	s, hub, err := c.resolveLocked(s, deviceIndex)
	if err != nil {
		return err
	}

	state := "OFF"
	if on {
		state = "ON"
	}

	if s.simulated {
		logrus.Infof("[SIMULATION] Port %d %s (hub %d)", port, state, deviceIndex)
		c.simulatedPortsLocked(deviceIndex)[port-1] = on
		return nil
	}

	handle, err := hub.device.Open()
	if err != nil {
		return fmt.Errorf("%w: failed to open hub %s: %v", ErrDeviceCommunication, hub.info.BusPortPath, err)
	}

	req := powerRequest(port, on)
	n, err := handle.Control(req.RequestType, req.Request, req.Value, req.Index, nil)
	closeHandle(handle, hub.info.BusPortPath)
	if err != nil {
		return fmt.Errorf("%w: failed to switch port %d %s on hub %s: %v", ErrDeviceCommunication, port, state, hub.info.BusPortPath, err)
	}
	if n < 0 {
		return fmt.Errorf("%w: failed to switch port %d %s on hub %s: transfer returned %d", ErrDeviceCommunication, port, state, hub.info.BusPortPath, n)
	}

	logrus.Debugf("port %d %s on hub %s (%s)", port, state, hub.info.BusPortPath, req)
	// let the hub firmware apply the change before anyone reads it back
	sleep(c.settleDelay)
	return nil
}

func (c *Controller) portStates(s *Snapshot, deviceIndex int) (v1beta1.PortStates, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var states v1beta1.PortStates
	s, hub, err := c.resolveLocked(s, deviceIndex)
	if err != nil {
		return states, err
	}

	if s.simulated {
		states.Powered = *c.simulatedPortsLocked(deviceIndex)
		states.Simulated = true
		return states, nil
	}

	handle, err := hub.device.Open()
	if err != nil {
		return states, fmt.Errorf("%w: failed to open hub %s: %v", ErrDeviceCommunication, hub.info.BusPortPath, err)
	}
	defer closeHandle(handle, hub.info.BusPortPath)

	for port := v1beta1.FirstPort; port <= v1beta1.LastPort; port++ {
		req := portStatusRequest(port)
		buf := make([]byte, req.Length)
		n, err := handle.Control(req.RequestType, req.Request, req.Value, req.Index, buf)
		if err != nil {
			logrus.Warnf("failed to read status of port %d on hub %s: %v", port, hub.info.BusPortPath, err)
			continue
		}
		status, err := decodePortStatus(buf, n)
		if err != nil {
			logrus.Warnf("failed to read status of port %d on hub %s: %v", port, hub.info.BusPortPath, err)
			continue
		}
		states.Powered[port-1] = isPowered(status)
	}

	return states, nil
}

func (c *Controller) isPortOn(s *Snapshot, port, deviceIndex int) (bool, error) {
	if err := checkPort(port); err != nil {
		return false, err
	}
	states, err := c.portStates(s, deviceIndex)
	if err != nil {
		return false, err
	}
	return states.IsOn(port), nil
}

func (c *Controller) simulatedSnapshotLocked() *Snapshot {
	c.generation++
	s := &Snapshot{
		controller: c,
		generation: c.generation,
		simulated:  true,
	}
	model := config.HubModels[0]
	for i := 0; i < c.simulatedHubs; i++ {
		s.hubs = append(s.hubs, hubEntry{
			info: v1beta1.DeviceInfo{
				BusPortPath: fmt.Sprintf("0-%d", i+1),
				VID:         model.VendorID,
				PID:         model.ProductID,
				Description: model.Description() + " [simulated]",
			},
		})
	}
	return s
}

func (c *Controller) simulatedPortsLocked(deviceIndex int) *[v1beta1.PortCount]bool {
	ports, ok := c.simPower[deviceIndex]
	if !ok {
		ports = &[v1beta1.PortCount]bool{}
		c.simPower[deviceIndex] = ports
	}
	return ports
}

func closeHandle(h transport.Handle, name string) {
	if err := h.Close(); err != nil {
		logrus.Warnf("failed to close usb handle for %s: %v", name, err)
	}
}
