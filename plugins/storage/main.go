// Command storage is the StoragePlugin module, built with
//
//	go build -buildmode=plugin -o storage.so ./plugins/storage
package main

import (
	"github.com/sirupsen/logrus"

	"github.com/harvester/mega4hub/pkg/deviceplugins"
	"github.com/harvester/mega4hub/pkg/storage"
)

func CreatePlugin() deviceplugins.DevicePlugin {
	return storage.NewFromEnv()
}

func DestroyPlugin(p deviceplugins.DevicePlugin) {
	sp, ok := p.(*storage.Plugin)
	if !ok {
		logrus.Warnf("%s asked to destroy foreign plugin %T", storage.PluginName, p)
		return
	}
	sp.Close()
}

func main() {}
