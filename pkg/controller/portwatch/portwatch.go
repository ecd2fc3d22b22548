// Package portwatch watches MEGA4 downstream ports and reports devices
// arriving and leaving to the plugin manager.
package portwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/harvester/mega4hub/pkg/apis/mega4/v1beta1"
	"github.com/harvester/mega4hub/pkg/config"
)

// Hubs is the part of the hub controller the monitor needs.
type Hubs interface {
	ListDevices() ([]v1beta1.DeviceInfo, error)
	GetPortConnections(deviceIndex int) ([]v1beta1.PortConnectionInfo, error)
}

// Dispatcher receives port changes, usually a deviceplugins.Manager.
type Dispatcher interface {
	HandlePortChange(info v1beta1.PortConnectionInfo, connected bool)
}

// PortEvent is one device arriving on or leaving a hub port.
type PortEvent struct {
	ID        string
	Hub       string
	Connected bool
	Info      v1beta1.PortConnectionInfo
}

func (e PortEvent) action() string {
	if e.Connected {
		return "connected"
	}
	return "disconnected"
}

type Monitor struct {
	hubs       Hubs
	dispatcher Dispatcher

	devBusPath   string
	pollInterval time.Duration
	debounce     time.Duration

	// last seen port table per hub, keyed by bus port path
	previous map[string][]v1beta1.PortConnectionInfo
}

type Option func(*Monitor)

// WithDevBusPath sets the usbfs directory watched for hotplug.
func WithDevBusPath(path string) Option {
	return func(m *Monitor) {
		m.devBusPath = path
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.pollInterval = d
	}
}

func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) {
		m.debounce = d
	}
}

func NewMonitor(hubs Hubs, dispatcher Dispatcher, opts ...Option) *Monitor {
	m := &Monitor{
		hubs:         hubs,
		dispatcher:   dispatcher,
		devBusPath:   config.DefaultDevBusPath,
		pollInterval: config.DefaultPollInterval,
		debounce:     config.DefaultDebounce,
		previous:     make(map[string][]v1beta1.PortConnectionInfo),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewFromConfig builds a monitor using the runtime settings.
func NewFromConfig(hubs Hubs, dispatcher Dispatcher, cfg *config.Config) *Monitor {
	return NewMonitor(hubs, dispatcher,
		WithDevBusPath(cfg.DevBusPath),
		WithPollInterval(cfg.PollInterval),
		WithDebounce(cfg.Debounce),
	)
}

// Run syncs once, then again after every debounced usbfs change and every
// poll interval, until ctx is done. Without usbfs it only polls.
func (m *Monitor) Run(ctx context.Context) error {
	var events chan fsnotify.Event
	var errs chan error

	watcher, err := m.watch()
	if err != nil {
		logrus.Warnf("hotplug notifications unavailable, polling every %s: %v", m.pollInterval, err)
	} else {
		defer watcher.Close()
		events = watcher.Events
		errs = watcher.Errors
	}

	m.syncAndLog()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			logrus.Errorf("error watching %s: %v", m.devBusPath, err)
		case event := <-events:
			logrus.Debugf("usbfs event: %v", event)
			if event.Has(fsnotify.Create) && isDir(event.Name) {
				if err := watcher.Add(event.Name); err != nil {
					logrus.Warnf("failed to watch new bus directory %s: %v", event.Name, err)
				}
			}
			settle = time.After(m.debounce)
		case <-settle:
			settle = nil
			m.syncAndLog()
		case <-ticker.C:
			m.syncAndLog()
		}
	}
}

// watch registers the usbfs root and every bus directory below it.
func (m *Monitor) watch() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create a fsnotify watcher: %w", err)
	}
	if err := watcher.Add(m.devBusPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", m.devBusPath, err)
	}

	entries, err := os.ReadDir(m.devBusPath)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to read %s: %w", m.devBusPath, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		busDir := filepath.Join(m.devBusPath, entry.Name())
		if err := watcher.Add(busDir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch bus directory %s: %w", busDir, err)
		}
	}
	return watcher, nil
}

func (m *Monitor) syncAndLog() {
	if _, err := m.Sync(); err != nil {
		logrus.Errorf("failed to sync hub ports: %v", err)
	}
}

// Sync rescans every hub, dispatches the differences to the last scan and
// returns them. Devices present at the first sync are reported as connected.
func (m *Monitor) Sync() ([]PortEvent, error) {
	hubs, err := m.hubs.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to list hubs: %w", err)
	}

	current := make(map[string][]v1beta1.PortConnectionInfo, len(hubs))
	for i, h := range hubs {
		ports, err := m.hubs.GetPortConnections(i)
		if err != nil {
			// keep the old table, a transient failure must not look like an unplug
			logrus.Warnf("failed to read ports of hub %s: %v", h.BusPortPath, err)
			if prev, ok := m.previous[h.BusPortPath]; ok {
				current[h.BusPortPath] = prev
			}
			continue
		}
		current[h.BusPortPath] = ports
	}

	var events []PortEvent
	for hub, prev := range m.previous {
		if _, ok := current[hub]; !ok {
			logrus.Infof("hub %s is gone", hub)
			events = append(events, diffPorts(hub, prev, v1beta1.EmptyPortConnections())...)
		}
	}
	for _, h := range hubs {
		ports, ok := current[h.BusPortPath]
		if !ok {
			continue
		}
		prev, ok := m.previous[h.BusPortPath]
		if !ok {
			prev = v1beta1.EmptyPortConnections()
		}
		events = append(events, diffPorts(h.BusPortPath, prev, ports)...)
	}
	m.previous = current

	for _, e := range events {
		logrus.WithFields(logrus.Fields{
			"event":  e.ID,
			"hub":    e.Hub,
			"port":   e.Info.PortNumber,
			"device": e.Info.GetID(),
		}).Infof("device %s %s", e.Info.Product, e.action())
		m.dispatcher.HandlePortChange(e.Info, e.Connected)
	}
	return events, nil
}

// diffPorts compares two port tables of one hub. A device replaced on the
// same port yields a disconnect of the old one followed by a connect.
func diffPorts(hub string, prev, cur []v1beta1.PortConnectionInfo) []PortEvent {
	byPort := func(ports []v1beta1.PortConnectionInfo) map[int]v1beta1.PortConnectionInfo {
		out := make(map[int]v1beta1.PortConnectionInfo, len(ports))
		for _, p := range ports {
			out[p.PortNumber] = p
		}
		return out
	}
	before, after := byPort(prev), byPort(cur)

	var events []PortEvent
	for port := v1beta1.FirstPort; port <= v1beta1.LastPort; port++ {
		old, now := before[port], after[port]
		if old.SameDevice(now) {
			continue
		}
		if old.HasDevice {
			events = append(events, newEvent(hub, old, false))
		}
		if now.HasDevice {
			events = append(events, newEvent(hub, now, true))
		}
	}
	return events
}

func newEvent(hub string, info v1beta1.PortConnectionInfo, connected bool) PortEvent {
	return PortEvent{
		ID:        uuid.NewString(),
		Hub:       hub,
		Connected: connected,
		Info:      info,
	}
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
