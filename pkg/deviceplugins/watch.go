package deviceplugins

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultWatchSettle = time.Second

// WithWatchSettle sets how long a new module file must stay unchanged before Watch loads it.
func WithWatchSettle(d time.Duration) Option {
	return func(m *Manager) {
		m.watchSettle = d
	}
}

// Watch loads modules dropped into the plugin directory until ctx is done.
// Removing a module file does not unload its plugin.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create plugin directory watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("failed to watch plugin directory %s: %w", m.dir, err)
	}

	settle := m.watchSettle
	if settle <= 0 {
		settle = defaultWatchSettle
	}
	ticker := time.NewTicker(settle / 2)
	defer ticker.Stop()

	// module path -> last write seen
	pending := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.Errorf("error watching plugin directory %s: %v", m.dir, err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isModule(event.Name) {
				continue
			}
			logrus.Debugf("plugin directory event: %v", event)
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				pending[event.Name] = time.Now()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				delete(pending, event.Name)
				logrus.Infof("plugin module %s was removed, its plugin stays loaded until shutdown", event.Name)
			}
		case now := <-ticker.C:
			for path, seen := range pending {
				if now.Sub(seen) < settle {
					continue
				}
				delete(pending, path)
				if err := m.Load(path); err != nil {
					logrus.Warnf("skipping plugin %s: %v", path, err)
				}
			}
		}
	}
}
