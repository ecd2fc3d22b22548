package deviceplugins

import (
	"plugin"

	"github.com/sirupsen/logrus"
)

// Module is an opened plugin object.
type Module interface {
	Lookup(symbol string) (any, error)
	Close() error
}

// Loader opens plugin objects from disk.
type Loader interface {
	Open(path string) (Module, error)
}

// GoPluginLoader opens modules built with go build -buildmode=plugin.
type GoPluginLoader struct{}

func (GoPluginLoader) Open(path string) (Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return &goModule{path: path, p: p}, nil
}

type goModule struct {
	path string
	p    *plugin.Plugin
}

func (m *goModule) Lookup(symbol string) (any, error) {
	return m.p.Lookup(symbol)
}

// Close drops the reference. The go runtime never unmaps a plugin, so the
// code stays resident until the process exits.
func (m *goModule) Close() error {
	logrus.Debugf("released plugin module %s", m.path)
	m.p = nil
	return nil
}
