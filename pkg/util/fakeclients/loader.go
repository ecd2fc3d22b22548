package fakeclients

import (
	"fmt"
	"sync"

	"github.com/harvester/mega4hub/pkg/apis/mega4/v1beta1"
	"github.com/harvester/mega4hub/pkg/deviceplugins"
)

// FakeLoader serves in-memory modules keyed by path and records the
// destroy/close sequence as "destroy:<plugin>" and "close:<path>".
type FakeLoader struct {
	// OnOpen runs after a module is handed out, outside the loader lock.
	OnOpen func(path string)

	lock    sync.Mutex
	modules map[string]*FakeModule
	events  []string
	opens   map[string]int
}

func NewFakeLoader() *FakeLoader {
	return &FakeLoader{
		modules: make(map[string]*FakeModule),
		opens:   make(map[string]int),
	}
}

// AddModule registers a module exporting exactly symbols.
func (l *FakeLoader) AddModule(path string, symbols map[string]any) *FakeModule {
	l.lock.Lock()
	defer l.lock.Unlock()
	m := &FakeModule{loader: l, path: path, symbols: symbols}
	l.modules[path] = m
	return m
}

// AddPlugin registers a conforming module whose factory returns p.
func (l *FakeLoader) AddPlugin(path string, p *FakePlugin) *FakeModule {
	return l.AddModule(path, map[string]any{
		deviceplugins.CreateSymbol: func() deviceplugins.DevicePlugin {
			return p
		},
		deviceplugins.DestroySymbol: func(dp deviceplugins.DevicePlugin) {
			fp := dp.(*FakePlugin)
			fp.lock.Lock()
			fp.destroyed = true
			fp.lock.Unlock()
			l.record("destroy:" + fp.PluginName)
		},
	})
}

func (l *FakeLoader) Open(path string) (deviceplugins.Module, error) {
	l.lock.Lock()
	m, ok := l.modules[path]
	if !ok {
		l.lock.Unlock()
		return nil, fmt.Errorf("%s: cannot open shared object file: invalid ELF header", path)
	}
	l.opens[path]++
	l.lock.Unlock()

	if l.OnOpen != nil {
		l.OnOpen(path)
	}
	return m, nil
}

// Events returns the recorded teardown sequence.
func (l *FakeLoader) Events() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

// Opens counts how often path was opened.
func (l *FakeLoader) Opens(path string) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.opens[path]
}

func (l *FakeLoader) record(event string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.events = append(l.events, event)
}

type FakeModule struct {
	loader  *FakeLoader
	path    string
	symbols map[string]any

	lock   sync.Mutex
	closed int
}

func (m *FakeModule) Lookup(symbol string) (any, error) {
	s, ok := m.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("plugin: symbol %s not found in plugin %s", symbol, m.path)
	}
	return s, nil
}

func (m *FakeModule) Close() error {
	m.lock.Lock()
	m.closed++
	m.lock.Unlock()
	m.loader.record("close:" + m.path)
	return nil
}

// Closed counts Close calls.
func (m *FakeModule) Closed() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.closed
}

// FakePlugin records the port changes dispatched to it.
type FakePlugin struct {
	PluginName string
	// Accept filters CanHandle, nil accepts every port with a device.
	Accept func(info v1beta1.PortConnectionInfo) bool
	Panic  bool

	lock         sync.Mutex
	connected    []v1beta1.PortConnectionInfo
	disconnected []v1beta1.PortConnectionInfo
	destroyed    bool
	// calls made after DestroyPlugin
	afterDestroy int
}

func (p *FakePlugin) Name() string {
	return p.PluginName
}

func (p *FakePlugin) CanHandle(info v1beta1.PortConnectionInfo) bool {
	if p.Accept != nil {
		return p.Accept(info)
	}
	return info.HasDevice
}

func (p *FakePlugin) OnDeviceConnected(info v1beta1.PortConnectionInfo) {
	p.lock.Lock()
	if p.destroyed {
		p.afterDestroy++
	}
	p.connected = append(p.connected, info)
	p.lock.Unlock()
	if p.Panic {
		panic(fmt.Sprintf("%s exploded", p.PluginName))
	}
}

func (p *FakePlugin) OnDeviceDisconnected(info v1beta1.PortConnectionInfo) {
	p.lock.Lock()
	if p.destroyed {
		p.afterDestroy++
	}
	p.disconnected = append(p.disconnected, info)
	p.lock.Unlock()
	if p.Panic {
		panic(fmt.Sprintf("%s exploded", p.PluginName))
	}
}

func (p *FakePlugin) Connected() []v1beta1.PortConnectionInfo {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]v1beta1.PortConnectionInfo(nil), p.connected...)
}

func (p *FakePlugin) Disconnected() []v1beta1.PortConnectionInfo {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]v1beta1.PortConnectionInfo(nil), p.disconnected...)
}

func (p *FakePlugin) Destroyed() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.destroyed
}

// CallsAfterDestroy counts dispatches that reached the plugin after it was destroyed.
func (p *FakePlugin) CallsAfterDestroy() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.afterDestroy
}
