package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/harvester/mega4hub/pkg/apis/mega4/v1beta1"
	"github.com/harvester/mega4hub/pkg/config"
	"github.com/harvester/mega4hub/pkg/controller/portwatch"
	"github.com/harvester/mega4hub/pkg/deviceplugins"
	"github.com/harvester/mega4hub/pkg/hub"
	"github.com/harvester/mega4hub/pkg/transport"
	"github.com/harvester/mega4hub/pkg/util/usbid"
)

// newTransport is swapped out by tests.
var newTransport = func(cfg *config.Config) (transport.Transport, error) {
	return transport.NewUSBTransport(cfg.ControlTimeout), nil
}

// newManager is swapped out by tests.
var newManager = func(cfg *config.Config) *deviceplugins.Manager {
	return deviceplugins.NewManager(cfg.PluginDir)
}

// scan builds a controller and runs the first scan, so hub indexes refer to
// the hubs present right now.
func scan(cfg *config.Config) (*hub.Controller, []v1beta1.DeviceInfo, func(), error) {
	if cfg.Simulate {
		c := hub.NewFromConfig(nil, cfg)
		devices, err := c.ListDevices()
		return c, devices, func() {}, err
	}

	t, err := newTransport(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open usb transport: %w", err)
	}
	cleanup := func() {
		if err := t.Close(); err != nil {
			logrus.Warnf("failed to close usb transport: %v", err)
		}
	}

	c := hub.NewFromConfig(t, cfg)
	devices, err := c.ListDevices()
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return c, devices, cleanup, nil
}

func runList(c *cli.Context, cfg *config.Config) error {
	_, devices, cleanup, err := scan(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if len(devices) == 0 {
		fmt.Fprintln(c.App.Writer, "No MEGA4 hubs found")
		return nil
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tPATH\tID\tDESCRIPTION")
	for i, d := range devices {
		fmt.Fprintf(w, "%d\t%s\t%04x:%04x\t%s\n", i, d.BusPortPath, d.VID, d.PID, d.Description)
	}
	return w.Flush()
}

func runPower(c *cli.Context, cfg *config.Config, on bool) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one port number, got %d arguments", c.NArg())
	}
	port, err := strconv.Atoi(c.Args().First())
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", c.Args().First(), err)
	}
	index := c.Int("hub")

	controller, _, cleanup, err := scan(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	state := "OFF"
	if on {
		state = "ON"
		err = controller.PowerOn(port, index)
	} else {
		err = controller.PowerOff(port, index)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "Port %d %s (hub %d)\n", port, state, index)
	return nil
}

func runStatus(c *cli.Context, cfg *config.Config) error {
	controller, _, cleanup, err := scan(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	index := c.Int("hub")
	states, err := controller.GetPortStates(index)
	if err != nil {
		return err
	}

	suffix := ""
	if states.Simulated {
		suffix = " (simulated)"
	}
	for port := v1beta1.FirstPort; port <= v1beta1.LastPort; port++ {
		state := "OFF"
		if states.IsOn(port) {
			state = "ON"
		}
		fmt.Fprintf(c.App.Writer, "Port %d: %s%s\n", port, state, suffix)
	}
	return nil
}

func runConnections(c *cli.Context, cfg *config.Config) error {
	controller, devices, cleanup, err := scan(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	indexes := make([]int, 0, len(devices))
	if c.IsSet("hub") {
		indexes = append(indexes, c.Int("hub"))
	} else {
		for i := range devices {
			indexes = append(indexes, i)
		}
	}

	for _, i := range indexes {
		ports, err := controller.GetPortConnections(i)
		if err != nil {
			return err
		}
		suffix := ""
		if controller.Simulated() {
			suffix = " (simulated)"
		}
		fmt.Fprintf(c.App.Writer, "Hub %d (%s)%s\n", i, devices[i].BusPortPath, suffix)
		for _, p := range ports {
			fmt.Fprintf(c.App.Writer, "  Port %d: %s\n", p.PortNumber, describePort(p))
		}
	}
	return nil
}

func describePort(p v1beta1.PortConnectionInfo) string {
	if !p.HasDevice {
		return "empty"
	}
	if p.Manufacturer == "" && p.Product == "" {
		return fmt.Sprintf("%s %s", p.GetID(), usbid.DescribeWithVendorAndProduct(gousb.ID(p.VID), gousb.ID(p.PID)))
	}
	return fmt.Sprintf("%s %s %s", p.GetID(), p.Manufacturer, p.Product)
}

func runPlugins(c *cli.Context, cfg *config.Config) error {
	manager := newManager(cfg)
	if err := manager.LoadAll(); err != nil {
		return err
	}
	defer manager.Close()

	if manager.PluginCount() == 0 {
		fmt.Fprintf(c.App.Writer, "No plugins in %s\n", manager.Dir())
		return nil
	}
	for _, p := range manager.Plugins() {
		fmt.Fprintln(c.App.Writer, p.Name())
	}
	return nil
}

func runWatch(c *cli.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller, _, cleanup, err := scan(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	manager := newManager(cfg)
	if err := manager.LoadAll(); err != nil {
		return err
	}
	defer manager.Close()

	monitor := portwatch.NewFromConfig(controller, manager, cfg)

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return monitor.Run(egctx)
	})
	eg.Go(func() error {
		if err := manager.Watch(egctx); err != nil {
			logrus.Warnf("plugin hot loading disabled: %v", err)
		}
		return nil
	})

	logrus.Infof("watching %d plugin(s), press ctrl-c to stop", manager.PluginCount())
	return eg.Wait()
}
