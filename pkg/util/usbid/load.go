// Package usbid names USB devices by vendor and product ID. The database
// embedded in gousb is used unless a usb.ids file is loaded.
package usbid

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/gousb"
	gousbid "github.com/google/gousb/usbid"
	"github.com/sirupsen/logrus"
)

var (
	lock sync.RWMutex

	// vendors and classes from a loaded usb.ids file, nil when none was loaded
	vendors map[gousb.ID]*gousbid.Vendor
	classes map[gousb.Class]*gousbid.Class
)

// Load replaces the database with the usb.ids file at path, e.g. a copy of
// http://www.linux-usb.org/usb.ids newer than the one gousb embeds.
func Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open usb id list: %w", err)
	}
	defer f.Close()

	ids, cls, err := gousbid.ParseIDs(f)
	if err != nil {
		return fmt.Errorf("failed to parse usb id list %s: %w", path, err)
	}

	lock.Lock()
	vendors, classes = ids, cls
	lock.Unlock()

	logrus.Infof("loaded %d usb vendors from %s", len(ids), path)
	return nil
}

// Reset drops a loaded file and goes back to the embedded database.
func Reset() {
	lock.Lock()
	defer lock.Unlock()
	vendors, classes = nil, nil
}

func lookupVendor(vendor gousb.ID) (*gousbid.Vendor, bool) {
	lock.RLock()
	defer lock.RUnlock()
	if vendors != nil {
		v, ok := vendors[vendor]
		return v, ok
	}
	v, ok := gousbid.Vendors[vendor]
	return v, ok
}

// DescribeWithVendorAndProduct returns "Product (Vendor)", falling back to
// "Unknown (Vendor)" and "Unknown vvvv:pppp".
func DescribeWithVendorAndProduct(vendor, product gousb.ID) string {
	v, ok := lookupVendor(vendor)
	if !ok {
		return fmt.Sprintf("Unknown %s:%s", vendor, product)
	}
	if p, ok := v.Product[product]; ok {
		return fmt.Sprintf("%s (%s)", p, v)
	}
	return fmt.Sprintf("Unknown (%s)", v)
}

// DescribeClass names a device class, e.g. "Hub" for class 9.
func DescribeClass(class gousb.Class) string {
	lock.RLock()
	defer lock.RUnlock()
	db := classes
	if db == nil {
		db = gousbid.Classes
	}
	if c, ok := db[class]; ok {
		return c.Name
	}
	return class.String()
}
