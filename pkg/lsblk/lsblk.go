// The lsblk module asks the kernel which block devices sit on the USB
// transport, used when udev data is not available to ghw.

package lsblk

import (
	"regexp"
	"strings"

	"github.com/harvester/mega4hub/pkg/util/executor"
)

var lsblkArgs = []string{"-P", "-o", "NAME,PKNAME,TYPE,TRAN,VENDOR,MODEL,MOUNTPOINT"}

var pairRegexp = regexp.MustCompile(`([A-Z:-]+)="([^"]*)"`)

// BlockDevice is one line of lsblk -P output.
type BlockDevice struct {
	Name       string
	Parent     string
	Type       string
	Transport  string
	Vendor     string
	Model      string
	MountPoint string
}

// Path is the device node, e.g. /dev/sda1.
func (b BlockDevice) Path() string {
	return "/dev/" + b.Name
}

func List(e executor.Executor) ([]BlockDevice, error) {
	out, err := e.Run(executor.LsblkCommand, lsblkArgs)
	if err != nil {
		return nil, err
	}
	return Parse(string(out)), nil
}

// Parse reads KEY="value" lines as printed by lsblk -P.
func Parse(output string) []BlockDevice {
	var devices []BlockDevice
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var dev BlockDevice
		for _, m := range pairRegexp.FindAllStringSubmatch(line, -1) {
			value := unescape(strings.TrimSpace(m[2]))
			switch m[1] {
			case "NAME":
				dev.Name = value
			case "PKNAME":
				dev.Parent = value
			case "TYPE":
				dev.Type = value
			case "TRAN":
				dev.Transport = value
			case "VENDOR":
				dev.Vendor = value
			case "MODEL":
				dev.Model = value
			case "MOUNTPOINT", "MOUNTPOINTS":
				dev.MountPoint = value
			}
		}
		if dev.Name != "" {
			devices = append(devices, dev)
		}
	}
	return devices
}

// USBDisks returns the whole disks attached over usb.
func USBDisks(devices []BlockDevice) []BlockDevice {
	var disks []BlockDevice
	for _, d := range devices {
		if d.Type == "disk" && d.Transport == "usb" {
			disks = append(disks, d)
		}
	}
	return disks
}

// Partitions returns the partitions of disk, in lsblk order.
func Partitions(devices []BlockDevice, disk string) []BlockDevice {
	var parts []BlockDevice
	for _, d := range devices {
		if d.Type == "part" && d.Parent == disk {
			parts = append(parts, d)
		}
	}
	return parts
}

// lsblk hex-escapes unsafe characters, e.g. \x20 for a space
func unescape(s string) string {
	if !strings.Contains(s, `\x`) {
		return s
	}
	r := strings.NewReplacer(`\x20`, " ", `\x22`, `"`, `\x5c`, `\`)
	return r.Replace(s)
}
