// Package storage is a device plugin that mounts USB mass storage devices
// plugged into a hub port at a per-port mount point.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jaypipes/ghw"
	"github.com/sirupsen/logrus"

	"github.com/harvester/mega4hub/pkg/apis/mega4/v1beta1"
	"github.com/harvester/mega4hub/pkg/deviceplugins"
	"github.com/harvester/mega4hub/pkg/lsblk"
	"github.com/harvester/mega4hub/pkg/util/executor"
)

const (
	PluginName       = "StoragePlugin"
	DefaultMountRoot = "/mnt/mega4"
	EnvMountRoot     = "MEGA4_MOUNT_ROOT"
)

// blockInfo is swapped out by tests.
var blockInfo = func() (*ghw.BlockInfo, error) {
	return ghw.Block()
}

var _ deviceplugins.DevicePlugin = (*Plugin)(nil)

type Plugin struct {
	mountRoot string
	executor  executor.Executor
	log       *logrus.Entry

	lock sync.Mutex
	// port -> mounted device node
	mounted map[int]string
}

type Option func(*Plugin)

func WithMountRoot(root string) Option {
	return func(p *Plugin) {
		p.mountRoot = root
	}
}

func WithExecutor(e executor.Executor) Option {
	return func(p *Plugin) {
		p.executor = e
	}
}

func New(opts ...Option) *Plugin {
	p := &Plugin{
		mountRoot: DefaultMountRoot,
		executor:  executor.NewLocalExecutor(nil),
		log:       logrus.WithField("plugin", PluginName),
		mounted:   make(map[int]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromEnv honours MEGA4_MOUNT_ROOT.
func NewFromEnv() *Plugin {
	var opts []Option
	if root := os.Getenv(EnvMountRoot); root != "" {
		opts = append(opts, WithMountRoot(root))
	}
	return New(opts...)
}

func (p *Plugin) Name() string {
	return PluginName
}

// CanHandle accepts devices whose product name looks like mass storage.
func (p *Plugin) CanHandle(info v1beta1.PortConnectionInfo) bool {
	return info.HasDevice && (strings.Contains(info.Product, "USB") ||
		strings.Contains(info.Product, "Mass Storage") ||
		strings.Contains(info.Product, "DISK"))
}

func (p *Plugin) OnDeviceConnected(info v1beta1.PortConnectionInfo) {
	p.log.Infof("detected storage device on port %d (%s %s)", info.PortNumber, info.Manufacturer, info.Product)

	if err := p.executor.CheckReady(); err != nil {
		p.log.Errorf("cannot mount port %d: %v", info.PortNumber, err)
		return
	}

	device, err := p.findBlockDevice(info)
	if err != nil {
		p.log.Errorf("could not resolve block device for port %d: %v", info.PortNumber, err)
		return
	}

	mountPoint := p.MountPoint(info)
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		p.log.Errorf("failed to create mount point %s: %v", mountPoint, err)
		return
	}

	if _, err := p.executor.Run(executor.MountCommand, []string{device, mountPoint}); err != nil {
		p.log.Errorf("failed to mount %s: %v", device, err)
		return
	}

	p.lock.Lock()
	p.mounted[info.PortNumber] = device
	p.lock.Unlock()
	p.log.Infof("mounted %s at %s", device, mountPoint)
}

func (p *Plugin) OnDeviceDisconnected(info v1beta1.PortConnectionInfo) {
	mountPoint := p.MountPoint(info)
	p.log.Infof("device removed from port %d, unmounting %s", info.PortNumber, mountPoint)

	p.lock.Lock()
	delete(p.mounted, info.PortNumber)
	p.lock.Unlock()

	if _, err := p.executor.Run(executor.UmountCommand, []string{mountPoint}); err != nil {
		p.log.Errorf("failed to unmount %s: %v", mountPoint, err)
		return
	}
	p.log.Infof("unmounted %s", mountPoint)
}

// MountPoint is where the device on info's port is mounted.
func (p *Plugin) MountPoint(info v1beta1.PortConnectionInfo) string {
	return filepath.Join(p.mountRoot, fmt.Sprintf("port%d", info.PortNumber))
}

// Mounted returns the device node mounted for port, if any.
func (p *Plugin) Mounted(port int) (string, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	dev, ok := p.mounted[port]
	return dev, ok
}

// WriteToFile writes data to filename below the mount point of info's port.
func (p *Plugin) WriteToFile(info v1beta1.PortConnectionInfo, filename, data string) error {
	path, err := p.filePath(info, filename)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadFromFile reads filename below the mount point of info's port.
func (p *Plugin) ReadFromFile(info v1beta1.PortConnectionInfo, filename string) (string, error) {
	path, err := p.filePath(info, filename)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// Close forgets the mounts it made; mounted filesystems are left alone.
func (p *Plugin) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	for port, dev := range p.mounted {
		p.log.Infof("leaving %s mounted for port %d", dev, port)
	}
	p.mounted = make(map[int]string)
}

func (p *Plugin) filePath(info v1beta1.PortConnectionInfo, filename string) (string, error) {
	if !filepath.IsLocal(filename) {
		return "", fmt.Errorf("file %q is outside of the mount point", filename)
	}
	return filepath.Join(p.MountPoint(info), filename), nil
}

// findBlockDevice resolves the device node of a port, preferring its first
// partition. udev data from ghw is used first, lsblk second.
func (p *Plugin) findBlockDevice(info v1beta1.PortConnectionInfo) (string, error) {
	device, err := findWithGhw(info)
	if err == nil {
		return device, nil
	}
	p.log.Debugf("ghw lookup failed for port %d, trying lsblk: %v", info.PortNumber, err)

	devices, err := lsblk.List(p.executor)
	if err != nil {
		return "", fmt.Errorf("failed to list block devices: %w", err)
	}
	for _, disk := range lsblk.USBDisks(devices) {
		if !matches(info, disk.Vendor, disk.Model) {
			continue
		}
		if parts := lsblk.Partitions(devices, disk.Name); len(parts) > 0 {
			return parts[0].Path(), nil
		}
		return disk.Path(), nil
	}
	return "", fmt.Errorf("no usb block device matches %s %s", info.Manufacturer, info.Product)
}

func findWithGhw(info v1beta1.PortConnectionInfo) (string, error) {
	block, err := blockInfo()
	if err != nil {
		return "", err
	}
	for _, disk := range block.Disks {
		if !strings.Contains(disk.BusPath, "-usb-") {
			continue
		}
		if !matches(info, disk.Vendor, disk.Model) {
			continue
		}
		if len(disk.Partitions) > 0 {
			return "/dev/" + disk.Partitions[0].Name, nil
		}
		return "/dev/" + disk.Name, nil
	}
	return "", fmt.Errorf("no usb disk matches %s %s", info.Manufacturer, info.Product)
}

// matches compares the descriptor strings of a port with a disk's vendor and model.
func matches(info v1beta1.PortConnectionInfo, vendor, model string) bool {
	model, vendor = normalize(model), normalize(vendor)
	product, manufacturer := normalize(info.Product), normalize(info.Manufacturer)
	return overlaps(model, product) || overlaps(model, manufacturer) || overlaps(vendor, manufacturer)
}

func overlaps(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// udev replaces spaces with underscores and reports missing values as "unknown"
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "_", " ")))
	if s == "unknown" {
		return ""
	}
	return s
}
