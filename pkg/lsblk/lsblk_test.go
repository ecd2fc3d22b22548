package lsblk

import (
	"testing"
)

const lsblkOutputUSBStick = `NAME="sda" PKNAME="" TYPE="disk" TRAN="usb" VENDOR="SanDisk " MODEL="Ultra USB 3.0" MOUNTPOINT=""
NAME="sda1" PKNAME="sda" TYPE="part" TRAN="" VENDOR="" MODEL="" MOUNTPOINT="/mnt/mega4/port2"
NAME="nvme0n1" PKNAME="" TYPE="disk" TRAN="nvme" VENDOR="" MODEL="Samsung SSD 980 PRO 1TB" MOUNTPOINT=""
NAME="nvme0n1p1" PKNAME="nvme0n1" TYPE="part" TRAN="nvme" VENDOR="" MODEL="" MOUNTPOINT="/boot/efi"
NAME="sdb" PKNAME="" TYPE="disk" TRAN="usb" VENDOR="Generic" MODEL="Flash\x20Disk" MOUNTPOINT=""
`

func TestParse(t *testing.T) {
	devices := Parse(lsblkOutputUSBStick)
	if len(devices) != 5 {
		t.Fatalf("expected 5 block devices, got %d", len(devices))
	}

	if devices[0].Vendor != "SanDisk" {
		t.Fatalf("expected trimmed vendor SanDisk, got %q", devices[0].Vendor)
	}
	if devices[1].MountPoint != "/mnt/mega4/port2" {
		t.Fatalf("expected mount point of sda1, got %q", devices[1].MountPoint)
	}
	if devices[4].Model != "Flash Disk" {
		t.Fatalf("expected unescaped model, got %q", devices[4].Model)
	}
}

func TestUSBDisks(t *testing.T) {
	devices := Parse(lsblkOutputUSBStick)
	disks := USBDisks(devices)
	if len(disks) != 2 {
		t.Fatalf("expected 2 usb disks, got %v", disks)
	}
	if disks[0].Path() != "/dev/sda" || disks[1].Path() != "/dev/sdb" {
		t.Fatalf("unexpected usb disks %v", disks)
	}

	parts := Partitions(devices, "sda")
	if len(parts) != 1 || parts[0].Path() != "/dev/sda1" {
		t.Fatalf("expected sda1, got %v", parts)
	}
	if len(Partitions(devices, "sdb")) != 0 {
		t.Fatal("sdb has no partitions")
	}
}
