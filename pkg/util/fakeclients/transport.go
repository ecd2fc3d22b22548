package fakeclients

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/harvester/mega4hub/pkg/transport"
)

// ControlCall records one control transfer submitted to a FakeDevice.
type ControlCall struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      int
}

// FakeTransport is an in-memory bus. Hub devices emulate port power through
// SET_FEATURE/CLEAR_FEATURE/GET_STATUS.
type FakeTransport struct {
	lock sync.Mutex

	devices    []*FakeDevice
	DevicesErr error

	EnumerateCalls int
}

// FakeDevice is a device on a FakeTransport.
type FakeDevice struct {
	transport *FakeTransport
	Desc      transport.Descriptor

	OpenErr         error
	ManufacturerStr string
	ManufacturerErr error
	ProductStr      string
	ProductErr      error

	// ControlErr fails every control transfer, NegativeCount reports -1 transferred bytes.
	ControlErr    error
	NegativeCount bool
	// ShortStatus lists ports whose GET_STATUS answers with fewer than 4 bytes.
	ShortStatus map[int]bool

	powered map[int]bool
	calls   []ControlCall
	opens   int
	closes  int
	openNow int
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// AddDevice attaches a device to the fake bus.
func (f *FakeTransport) AddDevice(desc transport.Descriptor) *FakeDevice {
	f.lock.Lock()
	defer f.lock.Unlock()
	d := &FakeDevice{
		transport:   f,
		Desc:        desc,
		ShortStatus: map[int]bool{},
		powered:     map[int]bool{},
	}
	f.devices = append(f.devices, d)
	return d
}

// RemoveDevice detaches a device from the fake bus.
func (f *FakeTransport) RemoveDevice(d *FakeDevice) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for i, v := range f.devices {
		if v == d {
			f.devices = append(f.devices[:i], f.devices[i+1:]...)
			return
		}
	}
}

func (f *FakeTransport) Devices() ([]transport.Device, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.EnumerateCalls++
	if f.DevicesErr != nil {
		return nil, f.DevicesErr
	}
	out := make([]transport.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *FakeTransport) Close() error {
	return nil
}

// TotalControlCalls counts control transfers across every device.
func (f *FakeTransport) TotalControlCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	total := 0
	for _, d := range f.devices {
		total += len(d.calls)
	}
	return total
}

// OpenHandles counts handles opened and not yet closed across every device.
func (f *FakeTransport) OpenHandles() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	total := 0
	for _, d := range f.devices {
		total += d.openNow
	}
	return total
}

func (d *FakeDevice) Descriptor() transport.Descriptor {
	return d.Desc
}

func (d *FakeDevice) Open() (transport.Handle, error) {
	d.transport.lock.Lock()
	defer d.transport.lock.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.opens++
	d.openNow++
	return &fakeHandle{dev: d}, nil
}

// Calls returns a copy of the control transfers seen so far.
func (d *FakeDevice) Calls() []ControlCall {
	d.transport.lock.Lock()
	defer d.transport.lock.Unlock()
	out := make([]ControlCall, len(d.calls))
	copy(out, d.calls)
	return out
}

// Opens and Closes count handle lifecycle calls.
func (d *FakeDevice) Opens() int {
	d.transport.lock.Lock()
	defer d.transport.lock.Unlock()
	return d.opens
}

func (d *FakeDevice) Closes() int {
	d.transport.lock.Lock()
	defer d.transport.lock.Unlock()
	return d.closes
}

// SetPowered forces the emulated power state of a port.
func (d *FakeDevice) SetPowered(port int, on bool) {
	d.transport.lock.Lock()
	defer d.transport.lock.Unlock()
	d.powered[port] = on
}

// Powered returns the emulated power state of a port.
func (d *FakeDevice) Powered(port int) bool {
	d.transport.lock.Lock()
	defer d.transport.lock.Unlock()
	return d.powered[port]
}

type fakeHandle struct {
	dev    *FakeDevice
	closed bool
}

const (
	fakeReqGetStatus    = 0x00
	fakeReqClearFeature = 0x01
	fakeReqSetFeature   = 0x03
	fakePortPower       = 0x08
	fakePowerBit        = 0x0100
)

func (h *fakeHandle) Control(rType, request uint8, value, index uint16, data []byte) (int, error) {
	d := h.dev
	d.transport.lock.Lock()
	defer d.transport.lock.Unlock()

	if h.closed {
		return 0, errors.New("control transfer on closed handle")
	}

	d.calls = append(d.calls, ControlCall{
		RequestType: rType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      len(data),
	})

	if d.ControlErr != nil {
		return 0, d.ControlErr
	}
	if d.NegativeCount {
		return -1, nil
	}

	port := int(index)
	switch request {
	case fakeReqSetFeature:
		if value == fakePortPower {
			d.powered[port] = true
		}
		return 0, nil
	case fakeReqClearFeature:
		if value == fakePortPower {
			d.powered[port] = false
		}
		return 0, nil
	case fakeReqGetStatus:
		if d.ShortStatus[port] {
			return 2, nil
		}
		if len(data) < 4 {
			return 0, fmt.Errorf("status buffer too small: %d", len(data))
		}
		var status uint16
		if d.powered[port] {
			status |= fakePowerBit
		}
		// connection bit, ignored by the controller
		status |= 0x0001
		binary.LittleEndian.PutUint16(data[0:2], status)
		binary.LittleEndian.PutUint16(data[2:4], 0)
		return 4, nil
	}

	return 0, fmt.Errorf("unsupported request %#x", request)
}

func (h *fakeHandle) Manufacturer() (string, error) {
	return h.dev.ManufacturerStr, h.dev.ManufacturerErr
}

func (h *fakeHandle) Product() (string, error) {
	return h.dev.ProductStr, h.dev.ProductErr
}

func (h *fakeHandle) Close() error {
	d := h.dev
	d.transport.lock.Lock()
	defer d.transport.lock.Unlock()
	if h.closed {
		return errors.New("handle closed twice")
	}
	h.closed = true
	d.closes++
	d.openNow--
	return nil
}
