// Package deviceplugins loads device plugins from shared objects and
// dispatches hub port changes to them.
package deviceplugins

import (
	"fmt"

	"github.com/harvester/mega4hub/pkg/apis/mega4/v1beta1"
)

// Names of the symbols every plugin module must export.
const (
	CreateSymbol  = "CreatePlugin"
	DestroySymbol = "DestroyPlugin"

	// ModuleExtension is the suffix of files picked up from the plugin directory.
	ModuleExtension = ".so"
)

// DevicePlugin reacts to devices appearing on or leaving a hub port.
//
// A plugin module built with -buildmode=plugin exports
//
//	func CreatePlugin() deviceplugins.DevicePlugin
//	func DestroyPlugin(deviceplugins.DevicePlugin)
type DevicePlugin interface {
	Name() string
	CanHandle(info v1beta1.PortConnectionInfo) bool
	OnDeviceConnected(info v1beta1.PortConnectionInfo)
	OnDeviceDisconnected(info v1beta1.PortConnectionInfo)
}

type CreateFunc func() DevicePlugin

type DestroyFunc func(DevicePlugin)

// resolveEntryPoints looks up both exported symbols. Plugins may export them
// either as functions or as package level function variables.
func resolveEntryPoints(mod Module) (CreateFunc, DestroyFunc, error) {
	createSym, err := mod.Lookup(CreateSymbol)
	if err != nil {
		return nil, nil, fmt.Errorf("missing symbol %s: %w", CreateSymbol, err)
	}
	destroySym, err := mod.Lookup(DestroySymbol)
	if err != nil {
		return nil, nil, fmt.Errorf("missing symbol %s: %w", DestroySymbol, err)
	}

	var create CreateFunc
	switch fn := createSym.(type) {
	case func() DevicePlugin:
		create = fn
	case *func() DevicePlugin:
		create = *fn
	case CreateFunc:
		create = fn
	case *CreateFunc:
		create = *fn
	default:
		return nil, nil, fmt.Errorf("symbol %s has unexpected type %T", CreateSymbol, createSym)
	}

	var destroy DestroyFunc
	switch fn := destroySym.(type) {
	case func(DevicePlugin):
		destroy = fn
	case *func(DevicePlugin):
		destroy = *fn
	case DestroyFunc:
		destroy = fn
	case *DestroyFunc:
		destroy = *fn
	default:
		return nil, nil, fmt.Errorf("symbol %s has unexpected type %T", DestroySymbol, destroySym)
	}

	if create == nil || destroy == nil {
		return nil, nil, fmt.Errorf("nil entry point in module")
	}
	return create, destroy, nil
}
