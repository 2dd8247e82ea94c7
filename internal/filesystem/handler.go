// Package filesystem runs a complete disk layout configuration: the
// partitioning, formatting, encryption and subvolume creation of every
// device, and the ordered mounting of the result.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/disk-installer/internal/device"
	"github.com/osbuild/disk-installer/internal/disk"
	"github.com/osbuild/disk-installer/internal/luks"
)

// ErrAborted is returned when the user aborts during the countdown.
var ErrAborted = errors.New("aborted by user")

// Prompter asks the user a yes/no question.
type Prompter interface {
	ConfirmAbort(message string) (bool, error)
}

// Progress receives one Add(1) per completed step. progressbar.ProgressBar
// satisfies it.
type Progress interface {
	Describe(description string)
	Add(n int) error
}

type nopProgress struct{}

func (nopProgress) Describe(string) {}
func (nopProgress) Add(int) error { return nil }

type Handler struct {
	device *device.Handler
	layout *disk.LayoutConfiguration
	enc    *disk.DiskEncryption

	// Creates GPT tables when set, MBR otherwise.
	UEFI bool
	// Seconds to count down before the first destructive step.
	Countdown int
	Prompter  Prompter
	Progress  Progress
	Out       io.Writer
}

// NewHandler returns a handler for layout. enc may be nil.
func NewHandler(dev *device.Handler, layout *disk.LayoutConfiguration, enc *disk.DiskEncryption) *Handler {
	return &Handler{
		device:    dev,
		layout:    layout,
		enc:       enc,
		Countdown: 5,
		Progress:  nopProgress{},
		Out:       os.Stdout,
	}
}

func (h *Handler) partitionTable() disk.PartitionTableType {
	if h.UEFI {
		return disk.PartitionTableGPT
	}
	return disk.PartitionTableMBR
}

func (h *Handler) preMounted() bool {
	if h.layout.Type == disk.LayoutTypePreMounted {
		logrus.Infof("Disk layout is pre-mounted at %s, not performing any device operations", h.layout.RelativeMountpoint)
		return true
	}
	return false
}

func hasSubvolumes(p *disk.PartitionModification) bool {
	return p.IsCreateOrModify() && p.FSType == disk.FilesystemBtrfs && len(p.Btrfs) > 0
}

func (h *Handler) enrollFido2() bool {
	return h.enc != nil && h.enc.HSMDevice != nil
}

// Steps is the number of progress steps PerformFilesystemOperations
// reports.
func (h *Handler) Steps() int {
	if h.layout.Type == disk.LayoutTypePreMounted {
		return 0
	}
	steps := 0
	for _, mod := range h.layout.DeviceModifications {
		steps += 2
		for _, p := range mod.Partitions {
			if hasSubvolumes(p) {
				steps++
			}
			if h.enrollFido2() && h.enc.ShouldEncrypt(p) {
				steps++
			}
		}
	}
	return steps
}

func (h *Handler) step(ctx context.Context, description string, fn func(ctx context.Context) error) error {
	h.Progress.Describe(description)
	if err := fn(ctx); err != nil {
		return err
	}
	if err := h.Progress.Add(1); err != nil {
		logrus.Debugf("Could not update progress: %v", err)
	}
	return nil
}

// validate checks everything that can be checked without touching a
// device.
func (h *Handler) validate() error {
	if err := h.layout.Validate(); err != nil {
		return err
	}
	if err := h.enc.Validate(h.layout); err != nil {
		return err
	}
	for _, mod := range h.layout.DeviceModifications {
		if err := mod.Validate(h.partitionTable()); err != nil {
			return err
		}
	}
	return nil
}

// PerformFilesystemOperations applies every device modification of the
// layout in turn. Nothing is done for pre-mounted layouts.
func (h *Handler) PerformFilesystemOperations(ctx context.Context, showCountdown bool) error {
	if h.preMounted() {
		return nil
	}
	if len(h.layout.DeviceModifications) == 0 {
		logrus.Debug("No device modifications required")
		return nil
	}
	if err := h.validate(); err != nil {
		return err
	}

	if showCountdown {
		if err := h.countdown(ctx); err != nil {
			return err
		}
	}

	table := h.partitionTable()
	for _, mod := range h.layout.DeviceModifications {
		devPath := mod.DevicePath()

		if err := h.step(ctx, fmt.Sprintf("Partitioning %s", devPath), func(ctx context.Context) error {
			return h.device.Partition(ctx, mod, table)
		}); err != nil {
			return err
		}

		if err := h.step(ctx, fmt.Sprintf("Formatting %s", devPath), func(ctx context.Context) error {
			return h.device.Format(ctx, mod, h.enc)
		}); err != nil {
			return err
		}

		for _, p := range mod.Partitions {
			if !hasSubvolumes(p) {
				continue
			}
			if err := h.step(ctx, fmt.Sprintf("Creating subvolumes on %s", p.DevPath), func(ctx context.Context) error {
				return h.device.CreateBtrfsVolumes(ctx, p, h.enc)
			}); err != nil {
				return err
			}
		}

		if !h.enrollFido2() {
			continue
		}
		for _, p := range mod.Partitions {
			if !h.enc.ShouldEncrypt(p) {
				continue
			}
			if err := h.step(ctx, fmt.Sprintf("Enrolling FIDO2 device for %s", p.DevPath), func(ctx context.Context) error {
				return luks.EnrollFido2(ctx, h.device.Runner(), h.enc.HSMDevice, p.DevPath, h.enc.Password)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
