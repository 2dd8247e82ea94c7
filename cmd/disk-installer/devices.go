package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/osbuild/disk-installer/internal/disk"
	"github.com/osbuild/disk-installer/internal/luks"
)

func newTable(a *app, header table.Row) table.Writer {
	text.DisableColors()
	t := table.NewWriter()
	t.SetOutputMirror(a.out)
	t.AppendHeader(header)
	t.SetStyle(table.StyleLight)
	return t
}

func partitionRow(part disk.PartitionInfo) table.Row {
	length, _ := part.Length.Bytes()
	var flags []string
	for _, f := range part.Flags {
		flags = append(flags, string(f))
	}
	return table.Row{
		"  " + part.Path,
		humanize.IBytes(length),
		part.FSType.String(),
		strings.Join(part.Mountpoints, ","),
		strings.Join(flags, ","),
	}
}

func newDevicesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the block devices and their partitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.deviceHandler(cmd.Context())
			if err != nil {
				return err
			}

			bold := color.New(color.Bold).SprintFunc()
			t := newTable(a, table.Row{"DEVICE", "SIZE", "FILESYSTEM", "MOUNTPOINTS", "FLAGS"})
			for _, d := range dev.Inventory().Devices() {
				label := string(d.Info.PartitionTable)
				if d.Info.Model != "" {
					label = fmt.Sprintf("%s %s", d.Info.Model, label)
				}
				if d.Info.ReadOnly {
					label += " (read-only)"
				}
				t.AppendRow(table.Row{bold(d.Path()), humanize.IBytes(d.TotalBytes()), label, "", ""})
				for _, part := range d.Partitions {
					t.AppendRow(partitionRow(part))
				}
			}
			t.Render()
			return nil
		},
	}
}

func newLayoutsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "layouts",
		Short: "Print the discovered block devices as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.deviceHandler(cmd.Context())
			if err != nil {
				return err
			}
			layouts := dev.Inventory().DiskLayouts()
			if layouts == "" {
				return fmt.Errorf("could not render the disk layouts")
			}
			_, err = fmt.Fprintln(a.out, layouts)
			return err
		},
	}
}

func newFido2DevicesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fido2-devices",
		Short: "List the FIDO2 devices usable to unlock encrypted partitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := luks.ListFido2Devices(cmd.Context(), a.commandRunner())
			if err != nil {
				return err
			}
			t := newTable(a, table.Row{"PATH", "MANUFACTURER", "PRODUCT"})
			for _, d := range devices {
				t.AppendRow(table.Row{d.Path, d.Manufacturer, d.Product})
			}
			t.Render()
			return nil
		},
	}
}
