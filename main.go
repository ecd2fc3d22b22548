package main

import (
	"os"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/harvester/mega4hub/pkg/config"
	"github.com/harvester/mega4hub/pkg/util/usbid"
)

const (
	VERSION = "v0.1.0"
	appName = "mega4hub"
)

func init() {
	if debug := os.Getenv(config.EnvDebug); debug == "true" {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func main() {
	app := newApp(config.NewDefault())
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func newApp(cfg *config.Config) *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = VERSION
	app.Usage = "Switch the ports of UUGear MEGA4 USB hubs and run device plugins for the devices plugged into them."
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "plugin-dir",
			EnvVars:     []string{config.EnvPluginDir},
			Value:       cfg.PluginDir,
			Destination: &cfg.PluginDir,
			Usage:       "Directory scanned for device plugin modules (*.so)",
		},
		&cli.BoolFlag{
			Name:        "simulate",
			EnvVars:     []string{config.EnvSimulate},
			Destination: &cfg.Simulate,
			Usage:       "Do not touch any hardware, log the requests instead",
		},
		&cli.IntFlag{
			Name:        "simulated-hubs",
			Value:       cfg.SimulatedHubs,
			Destination: &cfg.SimulatedHubs,
			Usage:       "Number of virtual hubs in simulation mode",
		},
		&cli.DurationFlag{
			Name:        "settle-delay",
			Value:       cfg.SettleDelay,
			Destination: &cfg.SettleDelay,
			Usage:       "Wait after a port power change",
		},
		&cli.StringFlag{
			Name:        "usb-ids",
			EnvVars:     []string{config.EnvUSBIDs},
			Destination: &cfg.USBIDsFile,
			Usage:       "usb.ids file used to name devices instead of the built in list",
		},
		&cli.StringFlag{
			Name:        "sysfs-path",
			EnvVars:     []string{config.EnvSysfsPath},
			Value:       cfg.SysfsPath,
			Destination: &cfg.SysfsPath,
			Usage:       "Where USB devices are found in sysfs, used when a device cannot be opened",
		},
		&cli.StringFlag{
			Name:        "dev-bus-path",
			EnvVars:     []string{config.EnvDevBusPath},
			Value:       cfg.DevBusPath,
			Destination: &cfg.DevBusPath,
			Usage:       "usbfs directory watched for hotplug events",
		},
		&cli.DurationFlag{
			Name:        "poll-interval",
			EnvVars:     []string{config.EnvPollInterval},
			Value:       cfg.PollInterval,
			Destination: &cfg.PollInterval,
			Usage:       "Rescan interval of the watch command",
		},
		&cli.BoolFlag{
			Name:        "debug",
			EnvVars:     []string{config.EnvDebug},
			Destination: &cfg.Debug,
			Usage:       "Enable debug logging",
		},
	}

	app.Before = func(c *cli.Context) error {
		if cfg.Debug {
			logrus.SetLevel(logrus.DebugLevel)
		}
		if cfg.USBIDsFile != "" {
			if err := usbid.Load(cfg.USBIDsFile); err != nil {
				return err
			}
		}
		return cfg.Validate()
	}

	hubFlag := &cli.IntFlag{
		Name:    "hub",
		Aliases: []string{"d"},
		Usage:   "Index of the hub as printed by list",
	}

	app.Commands = []*cli.Command{
		{
			Name:  "list",
			Usage: "List the MEGA4 hubs on this machine",
			Action: func(c *cli.Context) error {
				return runList(c, cfg)
			},
		},
		{
			Name:      "on",
			Usage:     "Power a port on",
			ArgsUsage: "<port>",
			Flags:     []cli.Flag{hubFlag},
			Action: func(c *cli.Context) error {
				return runPower(c, cfg, true)
			},
		},
		{
			Name:      "off",
			Usage:     "Power a port off",
			ArgsUsage: "<port>",
			Flags:     []cli.Flag{hubFlag},
			Action: func(c *cli.Context) error {
				return runPower(c, cfg, false)
			},
		},
		{
			Name:  "status",
			Usage: "Show the power state of every port",
			Flags: []cli.Flag{hubFlag},
			Action: func(c *cli.Context) error {
				return runStatus(c, cfg)
			},
		},
		{
			Name:  "connections",
			Usage: "Show the devices plugged into each port",
			Flags: []cli.Flag{hubFlag},
			Action: func(c *cli.Context) error {
				return runConnections(c, cfg)
			},
		},
		{
			Name:  "plugins",
			Usage: "Load the plugin directory and list the plugins found",
			Action: func(c *cli.Context) error {
				return runPlugins(c, cfg)
			},
		},
		{
			Name:  "watch",
			Usage: "Dispatch device arrivals and removals to the plugins until interrupted",
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:        "debounce",
					Value:       cfg.Debounce,
					Destination: &cfg.Debounce,
					Usage:       "Quiet time after a hotplug event before rescanning",
				},
			},
			Action: func(c *cli.Context) error {
				return runWatch(c, cfg)
			},
		},
	}

	return app
}
