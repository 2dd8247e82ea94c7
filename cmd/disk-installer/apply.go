package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osbuild/disk-installer/internal/common"
	"github.com/osbuild/disk-installer/internal/disk"
	"github.com/osbuild/disk-installer/internal/filesystem"
)

type surveyPrompter struct{}

func (surveyPrompter) ConfirmAbort(message string) (bool, error) {
	abort := false
	err := survey.AskOne(&survey.Confirm{Message: message}, &abort)
	return abort, err
}

// warnDestructive lists what applying config will destroy.
func warnDestructive(w io.Writer, config *disk.LayoutConfiguration) {
	red := color.New(color.FgRed, color.Bold)
	for _, mod := range config.DeviceModifications {
		if mod.Wipe {
			red.Fprintf(w, "WARNING: This will DESTROY ALL DATA on %s\n", mod.DevicePath())
			continue
		}
		for _, p := range mod.Partitions {
			switch p.Status {
			case disk.StatusDelete:
				red.Fprintf(w, "WARNING: %s will be deleted\n", p.DevPath)
			case disk.StatusModify:
				red.Fprintf(w, "WARNING: %s will be recreated and formatted\n", p.DevPath)
			}
		}
	}
}

func newApplyCmd(a *app) *cobra.Command {
	var encryptionFile, mountRoot string
	var yes, noCountdown, noMount bool

	cmd := &cobra.Command{
		Use:   "apply LAYOUT",
		Short: "Partition, format and mount the devices of a layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dev, err := a.deviceHandler(ctx)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			config, err := disk.ParseLayoutConfiguration(data, dev.Inventory())
			if err != nil {
				return err
			}
			var enc *disk.DiskEncryption
			if encryptionFile != "" {
				data, err := os.ReadFile(encryptionFile)
				if err != nil {
					return err
				}
				enc, err = disk.ParseDiskEncryption(data, config)
				if err != nil {
					return err
				}
			}

			warnDestructive(a.out, config)
			if !yes {
				confirm := false
				prompt := &survey.Confirm{Message: "Do you want to continue?"}
				if err := survey.AskOne(prompt, &confirm); err != nil {
					return err
				}
				if !confirm {
					return filesystem.ErrAborted
				}
			}

			h := filesystem.NewHandler(dev, config, enc)
			h.UEFI = a.config.uefi()
			h.Countdown = a.config.Countdown
			h.Prompter = surveyPrompter{}
			h.Out = a.out
			bar := progressbar.NewOptions(h.Steps(),
				progressbar.OptionSetWriter(a.out),
				progressbar.OptionSetDescription("Applying disk layout"),
				progressbar.OptionShowCount(),
			)
			h.Progress = bar

			logrus.WithFields(logrus.Fields{
				"layout":        args[0],
				common.RunIDKey: common.RunIDFromContext(ctx),
			}).Info("Applying disk layout")
			err = h.PerformFilesystemOperations(ctx, !noCountdown && a.config.Countdown > 0)
			if errors.Is(err, filesystem.ErrAborted) {
				return err
			}
			if err != nil {
				return fmt.Errorf("could not apply disk layout: %w", err)
			}
			if err := bar.Finish(); err != nil {
				logrus.Debugf("Could not finish progress bar: %v", err)
			}
			fmt.Fprintln(a.out)

			if noMount {
				return nil
			}
			if mountRoot == "" {
				mountRoot = a.config.MountRoot
			}
			if err := h.MountOrderedLayout(ctx, mountRoot); err != nil {
				return fmt.Errorf("could not mount disk layout: %w", err)
			}
			logrus.Infof("Disk layout mounted at %s", mountRoot)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&encryptionFile, "encryption", "", "disk encryption document")
	flags.StringVar(&mountRoot, "mount-root", "", "mount the layout below this directory")
	flags.BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	flags.BoolVar(&noCountdown, "no-countdown", false, "start without a countdown")
	flags.BoolVar(&noMount, "no-mount", false, "do not mount the layout")
	return cmd
}
