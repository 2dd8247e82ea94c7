package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/osbuild/disk-installer/internal/blockdev"
	"github.com/osbuild/disk-installer/internal/command"
	"github.com/osbuild/disk-installer/internal/common"
	"github.com/osbuild/disk-installer/internal/device"
)

const configFile = "/etc/disk-installer/disk-installer.toml"

// app carries the state shared by all subcommands.
type app struct {
	configPath string
	logLevel   string
	config     *installerConfig
	runID      string

	// nil means the real system
	runner command.Runner
	mounts blockdev.MountTable
	out    io.Writer

	device *device.Handler
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	config, err := parseConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}
	a.config = config

	level := config.LogLevel
	if cmd.Flags().Changed("log-level") {
		level = a.logLevel
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(parsed)

	if a.runID == "" {
		a.runID = common.GenerateRunID()
		logrus.AddHook(&common.RunIDHook{RunID: a.runID})
		if common.JournalAvailable() {
			logrus.AddHook(&common.JournalHook{Identifier: "disk-installer"})
		}
	}
	cmd.SetContext(common.WithRunID(cmd.Context(), a.runID))

	w := logrus.StandardLogger().WriterLevel(logrus.DebugLevel)
	defer w.Close()
	if err := toml.NewEncoder(w).Encode(config); err != nil {
		logrus.Warnf("Could not print configuration: %v", err)
	}
	return nil
}

// commandRunner returns the runner for external tools, without touching the
// block device inventory.
func (a *app) commandRunner() command.Runner {
	if a.runner == nil {
		a.runner = command.NewExecRunner()
	}
	return a.runner
}

// deviceHandler returns the device handler backed by a freshly loaded
// inventory.
func (a *app) deviceHandler(ctx context.Context) (*device.Handler, error) {
	if a.device != nil {
		return a.device, nil
	}
	runner := a.commandRunner()
	if a.mounts == nil {
		a.mounts = blockdev.SystemMountTable
	}
	inv := blockdev.NewInventory(runner, a.mounts)
	if err := inv.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("could not load block devices: %w", err)
	}
	a.device = device.NewHandler(runner, inv, a.mounts)
	a.device.SettleTimeout = a.config.SettleTimeout
	return a.device, nil
}

// writeDocument prints v as indented JSON, or as YAML when asked to.
func (a *app) writeDocument(v interface{}, format string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	switch format {
	case "json":
	case "yaml":
		data, err = yaml.JSONToYAML(data)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	_, err = fmt.Fprintln(a.out, string(data))
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:               "disk-installer",
		Short:             "Plan and apply disk layouts for a new installation",
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", configFile, "path to the configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level, overrides the configuration file")
	root.SetOut(a.out)

	root.AddCommand(
		newDevicesCmd(a),
		newLayoutsCmd(a),
		newSuggestCmd(a),
		newManualCmd(a),
		newDetectCmd(a),
		newApplyCmd(a),
		newFido2DevicesCmd(a),
	)
	return root
}

func main() {
	a := &app{out: os.Stdout}
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
