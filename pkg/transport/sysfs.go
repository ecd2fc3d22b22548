package transport

/* This file was part of the KubeVirt project, copied to this project
 * to get around private package issues.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright 2024 SUSE, LLC.
 *
 */

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// SysfsDevice is the subset of a sysfs usb device node we care about.
type SysfsDevice struct {
	Bus          int
	DeviceNumber int
	Vendor       uint16
	Product      uint16
	DevicePath   string
	Manufacturer string
	ProductName  string
}

// SysfsStrings reads descriptor strings cached by the kernel, so no device handle is needed.
type SysfsStrings struct {
	root string
}

func NewSysfsStrings(root string) *SysfsStrings {
	return &SysfsStrings{root: root}
}

// Strings returns the manufacturer and product strings of desc.
func (s *SysfsStrings) Strings(desc Descriptor) (string, string, error) {
	dev, err := s.ReadDevice(desc)
	if err != nil {
		return "", "", err
	}
	return dev.Manufacturer, dev.ProductName, nil
}

// ReadDevice parses the sysfs node of desc and checks it still describes the same device.
func (s *SysfsStrings) ReadDevice(desc Descriptor) (*SysfsDevice, error) {
	path := filepath.Join(s.root, desc.SysfsName())
	dev, err := parseSysUeventFile(path)
	if err != nil {
		return nil, err
	}

	if dev.Bus != desc.Bus || dev.DeviceNumber != desc.Address || dev.Vendor != desc.Vendor || dev.Product != desc.Product {
		return nil, fmt.Errorf("sysfs node %s describes %04x:%04x at %d/%d, expected %s", path, dev.Vendor, dev.Product, dev.Bus, dev.DeviceNumber, desc)
	}

	dev.Manufacturer = readAttribute(path, "manufacturer")
	dev.ProductName = readAttribute(path, "product")
	return dev, nil
}

func readAttribute(path, name string) string {
	data, err := os.ReadFile(filepath.Join(path, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func parseSysUeventFile(path string) (*SysfsDevice, error) {
	// Grab all details we are interested from uevent
	file, err := os.Open(filepath.Join(path, "uevent"))
	if err != nil {
		return nil, fmt.Errorf("unable to access %s/uevent: %w", path, err)
	}
	defer file.Close()

	u := SysfsDevice{}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		values := strings.Split(line, "=")
		if len(values) != 2 {
			logrus.Debugf("Skipping %s due not being key=value", line)
			continue
		}

		key, value := values[0], values[1]
		if err := parseSysUeventKeyValue(key, value, &u); err != nil {
			return nil, fmt.Errorf("error parsing %s/uevent: %w", path, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s/uevent: %w", path, err)
	}

	return &u, nil
}

func parseSysUeventKeyValue(key string, value string, u *SysfsDevice) error {
	switch key {
	case "BUSNUM":
		val, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("unable to parse BUSNUM %s", value)
		}
		u.Bus = int(val)
	case "DEVNUM":
		val, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("unable to parse DEVNUM %s", value)
		}
		u.DeviceNumber = int(val)
	case "PRODUCT":
		products := strings.Split(value, "/")
		if len(products) != 3 {
			return fmt.Errorf("PRODUCT value %s is not in the format of xx/xx/xx", value)
		}

		val, err := strconv.ParseUint(products[0], 16, 16)
		if err != nil {
			return fmt.Errorf("unable to parse PRODUCT[0] %s", value)
		}
		u.Vendor = uint16(val)

		val, err = strconv.ParseUint(products[1], 16, 16)
		if err != nil {
			return fmt.Errorf("unable to parse PRODUCT[1] %s", value)
		}
		u.Product = uint16(val)
	case "DEVNAME":
		u.DevicePath = filepath.Join("/dev", value)
	}

	return nil
}
