package deviceplugins

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harvester/mega4hub/pkg/apis/mega4/v1beta1"
)

// registration ties a plugin instance to the module that created it.
type registration struct {
	path     string
	name     string
	module   Module
	instance DevicePlugin
	destroy  DestroyFunc

	once sync.Once
}

// release destroys the instance and then closes its module, exactly once.
func (r *registration) release() {
	r.once.Do(func() {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logrus.Errorf("plugin %s panicked while being destroyed: %v", r.name, rec)
				}
			}()
			r.destroy(r.instance)
		}()
		r.instance = nil
		if err := r.module.Close(); err != nil {
			logrus.Warnf("failed to close plugin module %s: %v", r.path, err)
		}
	})
}

func (r *registration) dispatch(info v1beta1.PortConnectionInfo, connected bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("plugin %s panicked handling port %d: %v", r.name, info.PortNumber, rec)
		}
	}()

	if !r.instance.CanHandle(info) {
		return
	}
	if connected {
		logrus.Debugf("plugin %s: device %s connected on port %d", r.name, info.GetID(), info.PortNumber)
		r.instance.OnDeviceConnected(info)
		return
	}
	logrus.Debugf("plugin %s: device %s disconnected from port %d", r.name, info.GetID(), info.PortNumber)
	r.instance.OnDeviceDisconnected(info)
}

// Manager owns every loaded plugin. Plugins are dispatched and torn down in
// load order.
type Manager struct {
	lock sync.RWMutex

	dir     string
	loader  Loader
	plugins []*registration
	paths   map[string]struct{}
	closed  bool

	watchSettle time.Duration
}

type Option func(*Manager)

// WithLoader replaces the go plugin loader.
func WithLoader(l Loader) Option {
	return func(m *Manager) {
		m.loader = l
	}
}

func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:         dir,
		loader:      GoPluginLoader{},
		paths:       make(map[string]struct{}),
		watchSettle: defaultWatchSettle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Dir() string {
	return m.dir
}

// LoadAll loads every module in the plugin directory. A missing directory and
// broken modules are logged and skipped.
func (m *Manager) LoadAll() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logrus.Warnf("plugin directory %s does not exist, no plugins loaded", m.dir)
			return nil
		}
		return fmt.Errorf("failed to read plugin directory %s: %w", m.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isModule(entry.Name()) {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		if err := m.Load(path); err != nil {
			logrus.Warnf("skipping plugin %s: %v", path, err)
		}
	}

	logrus.Infof("%d plugin(s) loaded from %s", m.PluginCount(), m.dir)
	return nil
}

// Load opens a single module and registers the plugin it creates. A path that
// is already loaded is a no-op.
func (m *Manager) Load(path string) error {
	m.lock.RLock()
	_, loaded := m.paths[path]
	closed := m.closed
	m.lock.RUnlock()
	if closed {
		return fmt.Errorf("plugin manager is closed")
	}
	if loaded {
		logrus.Debugf("plugin %s already loaded", path)
		return nil
	}

	mod, err := m.loader.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open module: %w", err)
	}

	create, destroy, err := resolveEntryPoints(mod)
	if err != nil {
		closeModule(mod, path)
		return err
	}

	instance, err := createInstance(create)
	if err != nil {
		closeModule(mod, path)
		return err
	}

	reg := &registration{
		path:     path,
		name:     pluginName(instance),
		module:   mod,
		instance: instance,
		destroy:  destroy,
	}

	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		reg.release()
		return fmt.Errorf("plugin manager is closed")
	}
	if _, loaded := m.paths[path]; loaded {
		m.lock.Unlock()
		reg.release()
		return nil
	}
	m.plugins = append(m.plugins, reg)
	m.paths[path] = struct{}{}
	m.lock.Unlock()

	logrus.Infof("loaded plugin %s from %s", reg.name, path)
	return nil
}

// HandlePortChange forwards a connect or disconnect to every plugin whose
// CanHandle accepts info. A panicking plugin is logged and skipped.
func (m *Manager) HandlePortChange(info v1beta1.PortConnectionInfo, connected bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	for _, reg := range m.plugins {
		reg.dispatch(info, connected)
	}
}

// Plugins returns the loaded instances in load order. The manager keeps
// ownership of them.
func (m *Manager) Plugins() []DevicePlugin {
	m.lock.RLock()
	defer m.lock.RUnlock()

	out := make([]DevicePlugin, 0, len(m.plugins))
	for _, reg := range m.plugins {
		out = append(out, reg.instance)
	}
	return out
}

func (m *Manager) PluginCount() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.plugins)
}

// GetPluginByName returns the first loaded plugin called name, or nil.
func (m *Manager) GetPluginByName(name string) DevicePlugin {
	m.lock.RLock()
	defer m.lock.RUnlock()

	for _, reg := range m.plugins {
		if reg.name == name {
			return reg.instance
		}
	}
	return nil
}

// Close destroys every plugin and releases its module, in load order.
func (m *Manager) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, reg := range m.plugins {
		reg.release()
		logrus.Debugf("unloaded plugin %s", reg.name)
	}
	m.plugins = nil
	m.paths = make(map[string]struct{})
	m.closed = true
}

func isModule(name string) bool {
	return strings.HasSuffix(name, ModuleExtension)
}

func createInstance(create CreateFunc) (instance DevicePlugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panicked: %v", CreateSymbol, rec)
		}
	}()
	instance = create()
	if instance == nil {
		return nil, fmt.Errorf("%s returned no plugin", CreateSymbol)
	}
	return instance, nil
}

func pluginName(p DevicePlugin) (name string) {
	defer func() {
		if rec := recover(); rec != nil {
			name = fmt.Sprintf("%T", p)
		}
	}()
	return p.Name()
}

func closeModule(mod Module, path string) {
	if err := mod.Close(); err != nil {
		logrus.Warnf("failed to close plugin module %s: %v", path, err)
	}
}
