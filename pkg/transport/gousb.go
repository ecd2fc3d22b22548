package transport

import (
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

// USBTransport is the libusb backed Transport.
type USBTransport struct {
	ctx            *gousb.Context
	controlTimeout time.Duration
}

type usbDevice struct {
	transport *USBTransport
	desc      Descriptor
}

type usbHandle struct {
	dev *gousb.Device
}

// openDevices is swapped out by tests. gousb keeps walking the bus when a
// single descriptor cannot be read and returns what it found with the last error.
var openDevices = func(ctx *gousb.Context, opener func(desc *gousb.DeviceDesc) bool) ([]*gousb.Device, error) {
	return ctx.OpenDevices(opener)
}

// NewUSBTransport initialises a libusb context. Close must be called to release it.
func NewUSBTransport(controlTimeout time.Duration) *USBTransport {
	ctx := gousb.NewContext()
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		ctx.Debug(2)
	}
	return &USBTransport{
		ctx:            ctx,
		controlTimeout: controlTimeout,
	}
}

// Devices lists every attached device without opening any of them.
func (t *USBTransport) Devices() ([]Device, error) {
	var devices []Device
	// the opener never returns true, so nothing is opened and nothing needs closing
	_, err := openDevices(t.ctx, func(desc *gousb.DeviceDesc) bool {
		devices = append(devices, &usbDevice{
			transport: t,
			desc:      descriptorFromGousb(desc),
		})
		return false
	})
	if err != nil {
		if len(devices) == 0 {
			return nil, fmt.Errorf("error enumerating usb devices: %w", err)
		}
		logrus.Warnf("skipping unreadable usb devices: %v", err)
	}
	return devices, nil
}

func (t *USBTransport) Close() error {
	return t.ctx.Close()
}

func (d *usbDevice) Descriptor() Descriptor {
	return d.desc
}

// Open reopens the device by bus and address.
func (d *usbDevice) Open() (Handle, error) {
	devs, err := openDevices(d.transport.ctx, func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == d.desc.Bus && desc.Address == d.desc.Address
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("error opening usb device %s: %w", d.desc, err)
		}
		return nil, fmt.Errorf("error opening usb device %s: %w", d.desc, ErrDeviceGone)
	}
	if err != nil {
		logrus.Debugf("opened usb device %s despite enumeration error: %v", d.desc, err)
	}
	for _, extra := range devs[1:] {
		extra.Close()
	}

	dev := devs[0]
	dev.ControlTimeout = d.transport.controlTimeout
	return &usbHandle{dev: dev}, nil
}

func (h *usbHandle) Control(rType, request uint8, value, index uint16, data []byte) (int, error) {
	return h.dev.Control(rType, request, value, index, data)
}

func (h *usbHandle) Manufacturer() (string, error) {
	return h.dev.Manufacturer()
}

func (h *usbHandle) Product() (string, error) {
	return h.dev.Product()
}

func (h *usbHandle) Close() error {
	return h.dev.Close()
}

func descriptorFromGousb(desc *gousb.DeviceDesc) Descriptor {
	path := make([]int, len(desc.Path))
	copy(path, desc.Path)
	return Descriptor{
		Bus:     desc.Bus,
		Address: desc.Address,
		Port:    desc.Port,
		Path:    path,
		Vendor:  uint16(desc.Vendor),
		Product: uint16(desc.Product),
	}
}
