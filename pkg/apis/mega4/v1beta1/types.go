package v1beta1

import "fmt"

const (
	// PortCount is the number of downstream ports on a MEGA4 hub.
	PortCount = 4

	// FirstPort and LastPort bound the 1-based hub class port numbers.
	FirstPort = 1
	LastPort  = PortCount
)

// DeviceInfo identifies one discovered hub.
type DeviceInfo struct {
	// BusPortPath is the bus number followed by the dash joined port path, e.g. "1-1-2"
	BusPortPath string `json:"busPortPath"`
	VID         uint16 `json:"vid"`
	PID         uint16 `json:"pid"`
	Description string `json:"description"`
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s @ %s [%04x:%04x]", d.Description, d.BusPortPath, d.VID, d.PID)
}

// PortConnectionInfo is the state of one physical port of a hub.
// VID, PID, Manufacturer and Product are only meaningful when HasDevice is true.
type PortConnectionInfo struct {
	PortNumber   int    `json:"portNumber"`
	HasDevice    bool   `json:"hasDevice"`
	VID          uint16 `json:"vid,omitempty"`
	PID          uint16 `json:"pid,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
}

// GetID returns the vendor:product pair of the attached device.
func (p PortConnectionInfo) GetID() string {
	return fmt.Sprintf("%04x:%04x", p.VID, p.PID)
}

// SameDevice reports whether two snapshots of a port describe the same attached device.
// Descriptor strings are ignored since reading them is best effort.
func (p PortConnectionInfo) SameDevice(other PortConnectionInfo) bool {
	return p.HasDevice == other.HasDevice &&
		p.VID == other.VID &&
		p.PID == other.PID
}

// PortStates is the power state of every port, index 0 being port 1.
// Simulated is set when the values come from simulation bookkeeping rather than hardware.
type PortStates struct {
	Powered   [PortCount]bool `json:"powered"`
	Simulated bool            `json:"simulated"`
}

// IsOn returns the power state of a 1-based port. Callers validate the port first.
func (s PortStates) IsOn(port int) bool {
	return s.Powered[port-1]
}

// ValidPort reports whether port is a usable 1-based hub port number.
func ValidPort(port int) bool {
	return port >= FirstPort && port <= LastPort
}

// EmptyPortConnections returns the dense port 1..4 slice with no devices attached.
func EmptyPortConnections() []PortConnectionInfo {
	ports := make([]PortConnectionInfo, PortCount)
	for i := range ports {
		ports[i].PortNumber = i + 1
	}
	return ports
}
