package hub

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvester/mega4hub/pkg/transport"
	"github.com/harvester/mega4hub/pkg/util/fakeclients"
)

type testBus struct {
	bus  *fakeclients.FakeTransport
	usb2 *fakeclients.FakeDevice
	usb3 *fakeclients.FakeDevice
}

// newTestBus builds two root hubs, a MEGA4 on each (USB2 and USB3 side) and a mouse.
func newTestBus() *testBus {
	bus := fakeclients.NewFakeTransport()
	bus.AddDevice(transport.Descriptor{Bus: 1, Address: 1, Vendor: 0x1d6b, Product: 0x0002})
	usb2 := bus.AddDevice(transport.Descriptor{Bus: 1, Address: 2, Port: 1, Path: []int{1}, Vendor: 0x2109, Product: 0x2817})
	bus.AddDevice(transport.Descriptor{Bus: 1, Address: 3, Port: 2, Path: []int{2}, Vendor: 0x046d, Product: 0xc077})
	bus.AddDevice(transport.Descriptor{Bus: 2, Address: 1, Vendor: 0x1d6b, Product: 0x0003})
	usb3 := bus.AddDevice(transport.Descriptor{Bus: 2, Address: 2, Port: 1, Path: []int{1}, Vendor: 0x2109, Product: 0x0817})
	return &testBus{bus: bus, usb2: usb2, usb3: usb3}
}

// mockSleep records settle delays instead of sleeping.
func mockSleep(t *testing.T) *[]time.Duration {
	var slept []time.Duration
	orig := sleep
	sleep = func(d time.Duration) { slept = append(slept, d) }
	t.Cleanup(func() { sleep = orig })
	return &slept
}

func newScannedController(t *testing.T) (*Controller, *testBus) {
	tb := newTestBus()
	c := NewController(tb.bus)
	_, err := c.Scan()
	require.NoError(t, err)
	return c, tb
}

func Test_ListDevices(t *testing.T) {
	assert := require.New(t)
	tb := newTestBus()
	c := NewController(tb.bus)

	devices, err := c.ListDevices()
	assert.NoError(err)
	assert.Len(devices, 2)

	assert.Equal("1-1", devices[0].BusPortPath)
	assert.Equal(uint16(0x2109), devices[0].VID)
	assert.Equal(uint16(0x2817), devices[0].PID)
	assert.Equal("VIA Labs VL817 Hub (USB2)", devices[0].Description)

	assert.Equal("2-1", devices[1].BusPortPath)
	assert.Equal(uint16(0x0817), devices[1].PID)
	assert.Equal("VIA Labs VL817 Hub (USB3)", devices[1].Description)
}

func Test_ListDevicesNestedPath(t *testing.T) {
	bus := fakeclients.NewFakeTransport()
	bus.AddDevice(transport.Descriptor{Bus: 1, Address: 9, Port: 2, Path: []int{1, 2}, Vendor: 0x2109, Product: 0x2817})

	devices, err := NewController(bus).ListDevices()
	assert.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Equal(t, "1-1-2", devices[0].BusPortPath)
}

func Test_ListDevicesEmpty(t *testing.T) {
	bus := fakeclients.NewFakeTransport()
	bus.AddDevice(transport.Descriptor{Bus: 1, Address: 1, Vendor: 0x1d6b, Product: 0x0002})

	devices, err := NewController(bus).ListDevices()
	assert.NoError(t, err)
	assert.Empty(t, devices)
}

func Test_ListDevicesEnumerationError(t *testing.T) {
	bus := fakeclients.NewFakeTransport()
	bus.DevicesErr = errors.New("libusb: io error")

	_, err := NewController(bus).ListDevices()
	assert.ErrorIs(t, err, ErrDeviceCommunication)
}

func Test_PowerOnOffRequests(t *testing.T) {
	assert := require.New(t)
	slept := mockSleep(t)
	c, tb := newScannedController(t)

	assert.NoError(c.PowerOn(2, 0))
	assert.NoError(c.PowerOff(4, 0))

	calls := tb.usb2.Calls()
	assert.Len(calls, 2)
	assert.Equal(fakeclients.ControlCall{RequestType: 0x23, Request: 0x03, Value: 8, Index: 2}, calls[0])
	assert.Equal(fakeclients.ControlCall{RequestType: 0x23, Request: 0x01, Value: 8, Index: 4}, calls[1])
	assert.Empty(tb.usb3.Calls(), "only the addressed hub is touched")
	assert.Equal([]time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, *slept)
	assert.Equal(0, tb.bus.OpenHandles())
}

func Test_PortOutOfRange(t *testing.T) {
	mockSleep(t)
	c, tb := newScannedController(t)

	for _, deviceIndex := range []int{0, 1} {
		for _, port := range []int{-1, 0, 5, 42} {
			assert.ErrorIs(t, c.PowerOn(port, deviceIndex), ErrOutOfRange)
			assert.ErrorIs(t, c.PowerOff(port, deviceIndex), ErrOutOfRange)
			_, err := c.IsPortOn(port, deviceIndex)
			assert.ErrorIs(t, err, ErrOutOfRange)
		}
	}
	assert.Equal(t, 0, tb.bus.TotalControlCalls())
}

func Test_DeviceIndexOutOfRange(t *testing.T) {
	mockSleep(t)
	c, tb := newScannedController(t)

	for _, deviceIndex := range []int{-1, 2, 3, 100} {
		assert.ErrorIs(t, c.PowerOn(1, deviceIndex), ErrOutOfRange)
		assert.ErrorIs(t, c.PowerOff(1, deviceIndex), ErrOutOfRange)
		_, err := c.IsPortOn(1, deviceIndex)
		assert.ErrorIs(t, err, ErrOutOfRange)
		_, err = c.GetPortStates(deviceIndex)
		assert.ErrorIs(t, err, ErrOutOfRange)
		_, err = c.GetPortConnections(deviceIndex)
		assert.ErrorIs(t, err, ErrOutOfRange)
	}
	assert.Equal(t, 0, tb.bus.TotalControlCalls())
}

func Test_OperationsBeforeScan(t *testing.T) {
	tb := newTestBus()
	c := NewController(tb.bus)

	assert.ErrorIs(t, c.PowerOn(1, 0), ErrOutOfRange)
	_, err := c.GetPortStates(0)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Nil(t, c.Current())
}

func Test_PowerCommunicationErrors(t *testing.T) {
	testcases := []struct {
		name  string
		setup func(d *fakeclients.FakeDevice)
	}{
		{"open failure", func(d *fakeclients.FakeDevice) { d.OpenErr = errors.New("LIBUSB_ERROR_ACCESS") }},
		{"transfer error", func(d *fakeclients.FakeDevice) { d.ControlErr = errors.New("LIBUSB_ERROR_PIPE") }},
		{"negative count", func(d *fakeclients.FakeDevice) { d.NegativeCount = true }},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			slept := mockSleep(t)
			c, tb := newScannedController(t)
			tc.setup(tb.usb2)

			assert.ErrorIs(t, c.PowerOn(1, 0), ErrDeviceCommunication)
			assert.ErrorIs(t, c.PowerOff(1, 0), ErrDeviceCommunication)
			assert.Empty(t, *slept, "no settle delay after a failed toggle")
			assert.Equal(t, 0, tb.bus.OpenHandles())
		})
	}
}

func Test_GetPortStates(t *testing.T) {
	assert := require.New(t)
	c, tb := newScannedController(t)
	tb.usb2.SetPowered(1, true)
	tb.usb2.SetPowered(3, true)

	states, err := c.GetPortStates(0)
	assert.NoError(err)
	assert.False(states.Simulated)
	assert.Equal([4]bool{true, false, true, false}, states.Powered)

	calls := tb.usb2.Calls()
	assert.Len(calls, 4)
	for i, call := range calls {
		assert.Equal(fakeclients.ControlCall{RequestType: 0xa0, Request: 0x00, Value: 0, Index: uint16(i + 1), Length: 4}, call)
	}
	assert.Equal(1, tb.usb2.Opens(), "one handle for the four status reads")
	assert.Equal(0, tb.bus.OpenHandles())
}

func Test_GetPortStatesShortRead(t *testing.T) {
	assert := require.New(t)
	c, tb := newScannedController(t)
	for port := 1; port <= 4; port++ {
		tb.usb2.SetPowered(port, true)
	}
	tb.usb2.ShortStatus[2] = true

	states, err := c.GetPortStates(0)
	assert.NoError(err, "a single bad port does not fail the call")
	assert.Equal([4]bool{true, false, true, true}, states.Powered)
	assert.Len(tb.usb2.Calls(), 4, "remaining ports are still queried")
}

func Test_GetPortStatesOpenFailure(t *testing.T) {
	c, tb := newScannedController(t)
	tb.usb2.OpenErr = errors.New("LIBUSB_ERROR_NO_DEVICE")

	_, err := c.GetPortStates(0)
	assert.ErrorIs(t, err, ErrDeviceCommunication)
}

func Test_PowerRoundTrip(t *testing.T) {
	mockSleep(t)
	c, _ := newScannedController(t)

	for _, deviceIndex := range []int{0, 1} {
		for port := 1; port <= 4; port++ {
			require.NoError(t, c.PowerOn(port, deviceIndex))
			on, err := c.IsPortOn(port, deviceIndex)
			require.NoError(t, err)
			assert.True(t, on, "hub %d port %d after PowerOn", deviceIndex, port)

			require.NoError(t, c.PowerOff(port, deviceIndex))
			on, err = c.IsPortOn(port, deviceIndex)
			require.NoError(t, err)
			assert.False(t, on, "hub %d port %d after PowerOff", deviceIndex, port)
		}
	}
}

func Test_PowerOffIdempotent(t *testing.T) {
	mockSleep(t)
	c, tb := newScannedController(t)
	tb.usb3.SetPowered(2, true)

	require.NoError(t, c.PowerOff(2, 1))
	once, err := c.IsPortOn(2, 1)
	require.NoError(t, err)

	require.NoError(t, c.PowerOff(2, 1))
	twice, err := c.IsPortOn(2, 1)
	require.NoError(t, err)

	assert.False(t, once)
	assert.Equal(t, once, twice)
}

func Test_StaleSnapshot(t *testing.T) {
	assert := require.New(t)
	mockSleep(t)
	tb := newTestBus()
	c := NewController(tb.bus)

	first, err := c.Scan()
	assert.NoError(err)
	second, err := c.Scan()
	assert.NoError(err)

	err = first.PowerOn(1, 0)
	assert.ErrorIs(err, ErrStaleSnapshot)
	assert.ErrorIs(err, ErrOutOfRange)
	_, err = first.GetPortConnections(0)
	assert.ErrorIs(err, ErrStaleSnapshot)

	assert.NoError(second.PowerOn(1, 0))
	on, err := second.IsPortOn(1, 0)
	assert.NoError(err)
	assert.True(on)
	assert.Equal(1, second.IndexOf("2-1"))
	assert.Equal(-1, second.IndexOf("3-1"))
}

func Test_Simulation(t *testing.T) {
	assert := require.New(t)
	slept := mockSleep(t)
	tb := newTestBus()
	c := NewController(tb.bus, WithSimulation(1))

	assert.True(c.Simulated())
	assert.NoError(c.PowerOn(1, 0))
	assert.NoError(c.PowerOn(3, 0))
	assert.NoError(c.PowerOff(3, 0))

	states, err := c.GetPortStates(0)
	assert.NoError(err)
	assert.True(states.Simulated)
	assert.Equal([4]bool{true, false, false, false}, states.Powered)

	on, err := c.IsPortOn(1, 0)
	assert.NoError(err)
	assert.True(on)

	ports, err := c.GetPortConnections(0)
	assert.NoError(err)
	assert.Len(ports, 4)

	devices, err := c.ListDevices()
	assert.NoError(err)
	assert.Len(devices, 1)
	assert.Contains(devices[0].Description, "simulated")

	assert.ErrorIs(c.PowerOn(1, 1), ErrOutOfRange)
	assert.ErrorIs(c.PowerOn(0, 0), ErrOutOfRange)

	assert.Equal(0, tb.bus.TotalControlCalls(), "simulation never touches the transport")
	assert.Equal(0, tb.bus.EnumerateCalls)
	assert.Empty(*slept)
}

func Test_SetSimulationMode(t *testing.T) {
	assert := require.New(t)
	mockSleep(t)
	c, tb := newScannedController(t)
	real := c.Current()

	c.SetSimulationMode(true)
	assert.ErrorIs(real.PowerOn(1, 0), ErrStaleSnapshot)
	assert.NoError(c.PowerOn(1, 0))
	assert.Equal(0, tb.bus.TotalControlCalls())

	c.SetSimulationMode(false)
	assert.ErrorIs(c.PowerOn(1, 0), ErrOutOfRange, "a scan is required after leaving simulation")

	_, err := c.Scan()
	assert.NoError(err)
	assert.NoError(c.PowerOn(1, 0))
	assert.True(tb.usb2.Powered(1))
}
