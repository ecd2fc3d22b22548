package hub

import (
	"github.com/harvester/mega4hub/pkg/apis/mega4/v1beta1"
	"github.com/harvester/mega4hub/pkg/transport"
)

type hubEntry struct {
	info   v1beta1.DeviceInfo
	device transport.Device
}

// Snapshot is the result of one scan. Device indexes are only meaningful
// against the snapshot they came from: once the controller scans again, every
// operation on an older snapshot fails with ErrStaleSnapshot.
type Snapshot struct {
	controller *Controller
	generation uint64
	simulated  bool
	hubs       []hubEntry
}

// Devices returns the hubs of this snapshot in enumeration order.
func (s *Snapshot) Devices() []v1beta1.DeviceInfo {
	out := make([]v1beta1.DeviceInfo, 0, len(s.hubs))
	for _, h := range s.hubs {
		out = append(out, h.info)
	}
	return out
}

func (s *Snapshot) Len() int {
	return len(s.hubs)
}

// Simulated reports whether the snapshot lists virtual hubs.
func (s *Snapshot) Simulated() bool {
	return s.simulated
}

// IndexOf returns the index of the hub at busPortPath, or -1.
func (s *Snapshot) IndexOf(busPortPath string) int {
	for i, h := range s.hubs {
		if h.info.BusPortPath == busPortPath {
			return i
		}
	}
	return -1
}

func (s *Snapshot) PowerOn(port, deviceIndex int) error {
	return s.controller.togglePort(s, port, deviceIndex, true)
}

func (s *Snapshot) PowerOff(port, deviceIndex int) error {
	return s.controller.togglePort(s, port, deviceIndex, false)
}

func (s *Snapshot) GetPortStates(deviceIndex int) (v1beta1.PortStates, error) {
	return s.controller.portStates(s, deviceIndex)
}

func (s *Snapshot) IsPortOn(port, deviceIndex int) (bool, error) {
	return s.controller.isPortOn(s, port, deviceIndex)
}

func (s *Snapshot) GetPortConnections(deviceIndex int) ([]v1beta1.PortConnectionInfo, error) {
	return s.controller.portConnections(s, deviceIndex)
}
