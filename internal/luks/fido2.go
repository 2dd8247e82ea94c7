package luks

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/disk-installer/internal/command"
	"github.com/osbuild/disk-installer/internal/disk"
)

var vt100Escape = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

// parseFido2Devices parses the table printed by
// `systemd-cryptenroll --fido2-device=list`:
//
//	PATH         MANUFACTURER PRODUCT
//	/dev/hidraw1 Yubico       YubiKey OTP+FIDO+CCID
//
// Columns are split at the offsets of the header labels.
func parseFido2Devices(out string) []disk.Fido2Device {
	out = vt100Escape.ReplaceAllString(out, "")

	manufacturerPos, productPos := -1, -1
	var devices []disk.Fido2Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.Contains(line, "/dev") {
			if m, p := strings.Index(line, "MANUFACTURER"), strings.Index(line, "PRODUCT"); m >= 0 && p > m {
				manufacturerPos, productPos = m, p
			}
			continue
		}
		if manufacturerPos < 0 || len(line) < manufacturerPos {
			continue
		}

		product := ""
		manufacturerEnd := len(line)
		if len(line) > productPos {
			product = line[productPos:]
			manufacturerEnd = productPos
		}
		devices = append(devices, disk.Fido2Device{
			Path:         strings.TrimSpace(line[:manufacturerPos]),
			Manufacturer: strings.TrimSpace(line[manufacturerPos:manufacturerEnd]),
			Product:      strings.TrimSpace(product),
		})
	}
	return devices
}

// ListFido2Devices returns the FIDO2 tokens systemd-cryptenroll can use.
func ListFido2Devices(ctx context.Context, r command.Runner) ([]disk.Fido2Device, error) {
	res, err := command.Run(ctx, r, "systemd-cryptenroll", "--fido2-device=list")
	if err != nil {
		return nil, &disk.DiskError{
			Msg:    "could not list FIDO2 devices",
			Cmd:    "systemd-cryptenroll --fido2-device=list",
			Output: command.OutputOf(err),
			Err:    err,
		}
	}
	return parseFido2Devices(string(res.Stdout)), nil
}

// EnrollFido2 adds a FIDO2 token as an additional key of the LUKS2 container
// on devPath. The current passphrase is handed over in the environment;
// the token may still ask for its PIN or a touch.
func EnrollFido2(ctx context.Context, r command.Runner, hsm *disk.Fido2Device, devPath, password string) error {
	if hsm == nil || hsm.Path == "" {
		return disk.NewValidationError("no FIDO2 device given for %s", devPath)
	}

	cmd := command.New("systemd-cryptenroll", fmt.Sprintf("--fido2-device=%s", hsm.Path), devPath)
	cmd.Env = []string{"PASSWORD=" + password}

	logger := logrus.WithFields(logrus.Fields{"device": devPath, "fido2": hsm.Path})
	logger.Info("Enrolling FIDO2 device")
	if _, err := r.Run(ctx, cmd); err != nil {
		return &disk.DiskError{
			Msg:    fmt.Sprintf("could not enroll FIDO2 device %s for %s", hsm.Path, devPath),
			Cmd:    cmd.String(),
			Output: command.OutputOf(err),
			Err:    err,
		}
	}
	logger.Info("FIDO2 device enrolled")
	return nil
}
