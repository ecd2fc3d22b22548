package portwatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvester/mega4hub/pkg/apis/mega4/v1beta1"
	"github.com/harvester/mega4hub/pkg/deviceplugins"
	"github.com/harvester/mega4hub/pkg/hub"
	"github.com/harvester/mega4hub/pkg/transport"
	"github.com/harvester/mega4hub/pkg/util/fakeclients"
)

type fakeHubs struct {
	lock     sync.Mutex
	hubs     []v1beta1.DeviceInfo
	ports    map[string][]v1beta1.PortConnectionInfo
	listErr  error
	portsErr map[string]error
}

func newFakeHubs(paths ...string) *fakeHubs {
	f := &fakeHubs{
		ports:    make(map[string][]v1beta1.PortConnectionInfo),
		portsErr: make(map[string]error),
	}
	for _, p := range paths {
		f.hubs = append(f.hubs, v1beta1.DeviceInfo{BusPortPath: p, VID: 0x2109, PID: 0x2817})
		f.ports[p] = v1beta1.EmptyPortConnections()
	}
	return f
}

func (f *fakeHubs) plug(hub string, info v1beta1.PortConnectionInfo) {
	f.lock.Lock()
	defer f.lock.Unlock()
	info.HasDevice = true
	f.ports[hub][info.PortNumber-1] = info
}

func (f *fakeHubs) unplug(hub string, port int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.ports[hub][port-1] = v1beta1.PortConnectionInfo{PortNumber: port}
}

func (f *fakeHubs) ListDevices() ([]v1beta1.DeviceInfo, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]v1beta1.DeviceInfo(nil), f.hubs...), nil
}

func (f *fakeHubs) GetPortConnections(deviceIndex int) ([]v1beta1.PortConnectionInfo, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	path := f.hubs[deviceIndex].BusPortPath
	if err := f.portsErr[path]; err != nil {
		return nil, err
	}
	return append([]v1beta1.PortConnectionInfo(nil), f.ports[path]...), nil
}

type change struct {
	port      int
	vid       uint16
	connected bool
}

type recorder struct {
	lock    sync.Mutex
	changes []change
}

func (r *recorder) HandlePortChange(info v1beta1.PortConnectionInfo, connected bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.changes = append(r.changes, change{port: info.PortNumber, vid: info.VID, connected: connected})
}

func (r *recorder) get() []change {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]change(nil), r.changes...)
}

var (
	disk  = v1beta1.PortConnectionInfo{PortNumber: 1, VID: 0x0781, PID: 0x5581, Product: "Ultra"}
	mouse = v1beta1.PortConnectionInfo{PortNumber: 1, VID: 0x046d, PID: 0xc077, Product: "USB Optical Mouse"}
)

func Test_SyncDiff(t *testing.T) {
	assert := require.New(t)
	hubs := newFakeHubs("1-1")
	rec := &recorder{}
	m := NewMonitor(hubs, rec)

	events, err := m.Sync()
	assert.NoError(err)
	assert.Empty(events, "empty hub yields nothing")

	hubs.plug("1-1", disk)
	events, err = m.Sync()
	assert.NoError(err)
	assert.Len(events, 1)
	assert.True(events[0].Connected)
	assert.Equal("1-1", events[0].Hub)
	_, err = uuid.Parse(events[0].ID)
	assert.NoError(err)

	events, err = m.Sync()
	assert.NoError(err)
	assert.Empty(events, "unchanged ports yield nothing")

	// swap on the same port
	hubs.plug("1-1", mouse)
	_, err = m.Sync()
	assert.NoError(err)

	hubs.unplug("1-1", 1)
	_, err = m.Sync()
	assert.NoError(err)

	assert.Equal([]change{
		{port: 1, vid: 0x0781, connected: true},
		{port: 1, vid: 0x0781, connected: false},
		{port: 1, vid: 0x046d, connected: true},
		{port: 1, vid: 0x046d, connected: false},
	}, rec.get())
}

func Test_SyncStringChangeIsNotAnEvent(t *testing.T) {
	hubs := newFakeHubs("1-1")
	rec := &recorder{}
	m := NewMonitor(hubs, rec)
	hubs.plug("1-1", disk)
	_, err := m.Sync()
	require.NoError(t, err)

	flaky := disk
	flaky.Product = ""
	hubs.plug("1-1", flaky)
	events, err := m.Sync()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func Test_SyncHubRemoved(t *testing.T) {
	hubs := newFakeHubs("1-1", "2-1")
	rec := &recorder{}
	m := NewMonitor(hubs, rec)
	hubs.plug("2-1", disk)
	_, err := m.Sync()
	require.NoError(t, err)

	hubs.lock.Lock()
	hubs.hubs = hubs.hubs[:1]
	hubs.lock.Unlock()

	events, err := m.Sync()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Connected)
	assert.Equal(t, "2-1", events[0].Hub)
}

func Test_SyncErrors(t *testing.T) {
	hubs := newFakeHubs("1-1")
	rec := &recorder{}
	m := NewMonitor(hubs, rec)
	hubs.plug("1-1", disk)
	_, err := m.Sync()
	require.NoError(t, err)

	hubs.portsErr["1-1"] = hub.ErrDeviceCommunication
	events, err := m.Sync()
	assert.NoError(t, err)
	assert.Empty(t, events, "a failed port read is not an unplug")

	hubs.listErr = errors.New("bus gone")
	_, err = m.Sync()
	assert.Error(t, err)
	assert.Len(t, rec.get(), 1)
}

func Test_SyncWithControllerAndPlugins(t *testing.T) {
	assert := require.New(t)
	bus := fakeclients.NewFakeTransport()
	bus.AddDevice(transport.Descriptor{Bus: 1, Address: 2, Port: 1, Path: []int{1}, Vendor: 0x2109, Product: 0x2817})
	controller := hub.NewController(bus)

	loader := fakeclients.NewFakeLoader()
	storage := &fakeclients.FakePlugin{PluginName: "StoragePlugin"}
	loader.AddPlugin("/plugins/storage.so", storage)
	manager := deviceplugins.NewManager("/plugins", deviceplugins.WithLoader(loader))
	assert.NoError(manager.Load("/plugins/storage.so"))
	defer manager.Close()

	m := NewMonitor(controller, manager)
	_, err := m.Sync()
	assert.NoError(err)
	assert.Empty(storage.Connected())

	stick := bus.AddDevice(transport.Descriptor{Bus: 1, Address: 7, Port: 3, Path: []int{1, 3}, Vendor: 0x0781, Product: 0x5581})
	stick.ProductStr = "Ultra USB 3.0"
	_, err = m.Sync()
	assert.NoError(err)
	assert.Len(storage.Connected(), 1)
	assert.Equal(3, storage.Connected()[0].PortNumber)
	assert.Equal("Ultra USB 3.0", storage.Connected()[0].Product)

	bus.RemoveDevice(stick)
	_, err = m.Sync()
	assert.NoError(err)
	assert.Len(storage.Disconnected(), 1)
	assert.Equal(0, bus.OpenHandles())
}

func Test_RunReactsToUsbfsEvents(t *testing.T) {
	devBus := t.TempDir()
	busDir := filepath.Join(devBus, "001")
	require.NoError(t, os.Mkdir(busDir, 0o755))

	hubs := newFakeHubs("1-1")
	rec := &recorder{}
	m := NewMonitor(hubs, rec,
		WithDevBusPath(devBus),
		WithPollInterval(time.Hour),
		WithDebounce(20*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	// let the initial sync finish before plugging
	time.Sleep(100 * time.Millisecond)
	hubs.plug("1-1", disk)
	require.NoError(t, os.WriteFile(filepath.Join(busDir, "007"), nil, 0o644))

	require.Eventually(t, func() bool {
		return len(rec.get()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func Test_RunPollsWithoutUsbfs(t *testing.T) {
	hubs := newFakeHubs("1-1")
	hubs.plug("1-1", disk)
	rec := &recorder{}
	m := NewMonitor(hubs, rec,
		WithDevBusPath(filepath.Join(t.TempDir(), "missing")),
		WithPollInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(rec.get()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	hubs.unplug("1-1", 1)
	require.Eventually(t, func() bool {
		return len(rec.get()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
