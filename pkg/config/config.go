package config

import (
	"fmt"
	"time"
)

const (
	// ViaLabsVendorID is the vendor of the VL817 controller used by the MEGA4.
	ViaLabsVendorID uint16 = 0x2109

	// VL817 exposes one hub per USB generation.
	VL817USB2ProductID uint16 = 0x2817
	VL817USB3ProductID uint16 = 0x0817
)

const (
	DefaultPluginDir      = "/usr/lib/mega4/plugins"
	DefaultDevBusPath     = "/dev/bus/usb"
	DefaultSysfsPath      = "/sys/bus/usb/devices"
	DefaultSettleDelay    = 50 * time.Millisecond
	DefaultControlTimeout = 1000 * time.Millisecond
	DefaultPollInterval   = 5 * time.Second
	DefaultDebounce       = 500 * time.Millisecond
	DefaultSimulatedHubs  = 1
)

// Environment variables bound to the CLI flags.
const (
	EnvPluginDir    = "MEGA4_PLUGIN_DIR"
	EnvSimulate     = "MEGA4_SIMULATE"
	EnvUSBIDs       = "MEGA4_USB_IDS"
	EnvSysfsPath    = "MEGA4_SYSFS_PATH"
	EnvDevBusPath   = "MEGA4_DEV_BUS_PATH"
	EnvPollInterval = "MEGA4_POLL_INTERVAL"
	EnvDebug        = "DEBUG_LOGGING"
)

// HubModel is one supported hub controller variant.
type HubModel struct {
	VendorID  uint16
	ProductID uint16
	Name      string
	Speed     string
}

// Description is the human readable name reported for a discovered hub.
func (m HubModel) Description() string {
	return fmt.Sprintf("%s (%s)", m.Name, m.Speed)
}

// HubModels lists every hub controller the hub package will claim during a scan.
var HubModels = []HubModel{
	{VendorID: ViaLabsVendorID, ProductID: VL817USB2ProductID, Name: "VIA Labs VL817 Hub", Speed: "USB2"},
	{VendorID: ViaLabsVendorID, ProductID: VL817USB3ProductID, Name: "VIA Labs VL817 Hub", Speed: "USB3"},
}

// LookupHubModel returns the model matching vid/pid.
func LookupHubModel(vid, pid uint16) (HubModel, bool) {
	for _, m := range HubModels {
		if m.VendorID == vid && m.ProductID == pid {
			return m, true
		}
	}
	return HubModel{}, false
}

// Config carries the runtime settings of the hub controller, plugin manager and port monitor.
type Config struct {
	PluginDir      string
	Simulate       bool
	SimulatedHubs  int
	SettleDelay    time.Duration
	ControlTimeout time.Duration
	USBIDsFile     string
	SysfsPath      string
	DevBusPath     string
	PollInterval   time.Duration
	Debounce       time.Duration
	Debug          bool
}

// NewDefault returns a Config populated with the default values.
func NewDefault() *Config {
	return &Config{
		PluginDir:      DefaultPluginDir,
		SimulatedHubs:  DefaultSimulatedHubs,
		SettleDelay:    DefaultSettleDelay,
		ControlTimeout: DefaultControlTimeout,
		SysfsPath:      DefaultSysfsPath,
		DevBusPath:     DefaultDevBusPath,
		PollInterval:   DefaultPollInterval,
		Debounce:       DefaultDebounce,
	}
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	if c.SimulatedHubs < 0 {
		return fmt.Errorf("simulated hub count must not be negative, got %d", c.SimulatedHubs)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle delay must not be negative, got %s", c.SettleDelay)
	}
	if c.ControlTimeout <= 0 {
		return fmt.Errorf("control transfer timeout must be positive, got %s", c.ControlTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}
