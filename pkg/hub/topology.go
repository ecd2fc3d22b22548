package hub

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/harvester/mega4hub/pkg/apis/mega4/v1beta1"
	"github.com/harvester/mega4hub/pkg/transport"
)

func (c *Controller) portConnections(s *Snapshot, deviceIndex int) ([]v1beta1.PortConnectionInfo, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	s, hub, err := c.resolveLocked(s, deviceIndex)
	if err != nil {
		return nil, err
	}

	ports := v1beta1.EmptyPortConnections()
	if s.simulated {
		logrus.Debugf("[SIMULATION] no downstream topology for hub %d", deviceIndex)
		return ports, nil
	}

	devices, err := c.transport.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to enumerate devices below hub %s: %v", ErrDeviceCommunication, hub.info.BusPortPath, err)
	}

	hubDesc := hub.device.Descriptor()
	for _, dev := range devices {
		desc := dev.Descriptor()
		if !desc.IsChildOf(hubDesc) {
			continue
		}

		port := desc.ParentPort()
		if !v1beta1.ValidPort(port) {
			logrus.Debugf("ignoring %s on hub %s: port %d is not a physical port", desc, hub.info.BusPortPath, port)
			continue
		}

		slot := &ports[port-1]
		slot.HasDevice = true
		slot.VID = desc.Vendor
		slot.PID = desc.Product
		slot.Manufacturer, slot.Product = c.readStrings(dev)
	}

	return ports, nil
}

// readStrings is best effort: any failure leaves the string empty.
func (c *Controller) readStrings(dev transport.Device) (string, string) {
	desc := dev.Descriptor()
	manufacturer, product, ok := readDescriptorStrings(dev)
	if ok || c.strings == nil {
		return manufacturer, product
	}

	fbManufacturer, fbProduct, err := c.strings.Strings(desc)
	if err != nil {
		logrus.Debugf("no fallback strings for %s: %v", desc, err)
		return manufacturer, product
	}
	if manufacturer == "" {
		manufacturer = fbManufacturer
	}
	if product == "" {
		product = fbProduct
	}
	return manufacturer, product
}

// readDescriptorStrings opens dev and reads both strings. ok is false when any step failed.
func readDescriptorStrings(dev transport.Device) (manufacturer string, product string, ok bool) {
	desc := dev.Descriptor()
	handle, err := dev.Open()
	if err != nil {
		logrus.Debugf("unable to open %s for string descriptors: %v", desc, err)
		return "", "", false
	}
	defer closeHandle(handle, desc.String())

	ok = true
	if manufacturer, err = handle.Manufacturer(); err != nil {
		logrus.Debugf("unable to read manufacturer of %s: %v", desc, err)
		manufacturer, ok = "", false
	}
	if product, err = handle.Product(); err != nil {
		logrus.Debugf("unable to read product of %s: %v", desc, err)
		product, ok = "", false
	}
	return manufacturer, product, ok
}
