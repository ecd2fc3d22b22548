package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrDeviceGone is returned by Open when the device left the bus after enumeration.
	ErrDeviceGone = errors.New("usb device is no longer attached")
)

// Descriptor is the enumeration data of one bus-attached device.
type Descriptor struct {
	Bus     int
	Address int
	// Port is the port number on the parent hub, 0 for root hubs.
	Port int
	// Path lists port numbers from the root hub down to the device.
	Path    []int
	Vendor  uint16
	Product uint16
}

// Transport is the bus capability consumed by the hub controller.
type Transport interface {
	// Devices enumerates every device currently attached to any bus.
	Devices() ([]Device, error)
	Close() error
}

// Device is one enumerated device. Opening it yields a Handle that must be closed.
type Device interface {
	Descriptor() Descriptor
	Open() (Handle, error)
}

// Handle is an open device. Control submits a synchronous control transfer and
// returns the transferred byte count.
type Handle interface {
	Control(rType, request uint8, value, index uint16, data []byte) (int, error)
	Manufacturer() (string, error)
	Product() (string, error)
	Close() error
}

// StringReader resolves descriptor strings without opening the device.
type StringReader interface {
	Strings(desc Descriptor) (manufacturer string, product string, err error)
}

// IsChildOf reports whether d hangs directly off a port of parent.
func (d Descriptor) IsChildOf(parent Descriptor) bool {
	if d.Bus != parent.Bus || len(d.Path) != len(parent.Path)+1 {
		return false
	}
	for i, p := range parent.Path {
		if d.Path[i] != p {
			return false
		}
	}
	return true
}

// ParentPort returns the port number on the parent hub, taken from the last path segment.
func (d Descriptor) ParentPort() int {
	if len(d.Path) == 0 {
		return d.Port
	}
	return d.Path[len(d.Path)-1]
}

// BusPortPath joins the bus number and every path segment with dashes, e.g. "1-1-2".
func (d Descriptor) BusPortPath() string {
	segments := make([]string, 0, len(d.Path)+1)
	segments = append(segments, strconv.Itoa(d.Bus))
	for _, p := range d.Path {
		segments = append(segments, strconv.Itoa(p))
	}
	return strings.Join(segments, "-")
}

// SysfsName is the kernel device name under /sys/bus/usb/devices, e.g. "1-1.2".
func (d Descriptor) SysfsName() string {
	if len(d.Path) == 0 {
		return fmt.Sprintf("usb%d", d.Bus)
	}
	segments := make([]string, len(d.Path))
	for i, p := range d.Path {
		segments[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%d-%s", d.Bus, strings.Join(segments, "."))
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%04x:%04x@%s", d.Vendor, d.Product, d.BusPortPath())
}
