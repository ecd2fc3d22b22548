package testhelper

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultTestSysfsPrefix = "sysfsusb"
	defaultFileMode        = 0o644
)

// FakeUSBDevice is one device node to be written into a fake sysfs tree.
type FakeUSBDevice struct {
	Name         string // kernel name, e.g. "1-1.2"
	Bus          int
	DevNum       int
	Vendor       uint16
	Product      uint16
	Manufacturer string
	ProductName  string
}

// SetupFakeSysfs creates a /sys/bus/usb/devices lookalike under a temp dir and returns its root.
// The caller removes the directory once done.
func SetupFakeSysfs(devices []FakeUSBDevice) (string, error) {
	tmpDir, err := os.MkdirTemp("", defaultTestSysfsPrefix)
	if err != nil {
		return "", fmt.Errorf("error creating tmp dir: %v", err)
	}

	for _, v := range devices {
		if err := writeFakeDevice(tmpDir, v); err != nil {
			os.RemoveAll(tmpDir)
			return "", err
		}
	}

	return tmpDir, nil
}

func writeFakeDevice(root string, dev FakeUSBDevice) error {
	dir := filepath.Join(root, dev.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating device dir for %s: %v", dev.Name, err)
	}

	uevent := fmt.Sprintf("MAJOR=189\nMINOR=%d\nDEVNAME=bus/usb/%03d/%03d\nDEVTYPE=usb_device\nPRODUCT=%x/%x/100\nBUSNUM=%03d\nDEVNUM=%03d\n",
		dev.DevNum, dev.Bus, dev.DevNum, dev.Vendor, dev.Product, dev.Bus, dev.DevNum)
	if err := os.WriteFile(filepath.Join(dir, "uevent"), []byte(uevent), defaultFileMode); err != nil {
		return fmt.Errorf("error writing uevent for %s: %v", dev.Name, err)
	}

	if dev.Manufacturer != "" {
		if err := os.WriteFile(filepath.Join(dir, "manufacturer"), []byte(dev.Manufacturer+"\n"), defaultFileMode); err != nil {
			return fmt.Errorf("error writing manufacturer for %s: %v", dev.Name, err)
		}
	}

	if dev.ProductName != "" {
		if err := os.WriteFile(filepath.Join(dir, "product"), []byte(dev.ProductName+"\n"), defaultFileMode); err != nil {
			return fmt.Errorf("error writing product for %s: %v", dev.Name, err)
		}
	}

	return nil
}
