package blockdev

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/osbuild/disk-installer/internal/command"
	"github.com/osbuild/disk-installer/internal/disk"
)

var lsblkColumns = []string{
	"NAME", "PATH", "PKNAME", "TYPE", "SIZE", "LOG-SEC", "MODEL", "RO",
	"FSTYPE", "UUID", "PARTUUID", "MOUNTPOINTS",
}

// LsblkInfo is one entry of `lsblk --json` output.
type LsblkInfo struct {
	Name        string      `json:"name"`
	Path        string      `json:"path"`
	PKName      string      `json:"pkname"`
	Type        string      `json:"type"`
	Size        flexUint    `json:"size"`
	LogSec      flexUint    `json:"log-sec"`
	Model       string      `json:"model"`
	RO          flexBool    `json:"ro"`
	FSType      string      `json:"fstype"`
	UUID        string      `json:"uuid"`
	PartUUID    string      `json:"partuuid"`
	Mountpoints []*string   `json:"mountpoints"`
	Children    []LsblkInfo `json:"children"`
}

// MountpointList returns the mountpoints of the entry, skipping the null
// placeholders lsblk prints for unmounted devices.
func (i *LsblkInfo) MountpointList() []string {
	var mountpoints []string
	for _, mp := range i.Mountpoints {
		if mp != nil && *mp != "" {
			mountpoints = append(mountpoints, *mp)
		}
	}
	return mountpoints
}

func (i *LsblkInfo) filesystemType() disk.FilesystemType {
	fs, err := disk.ParseFilesystemType(i.FSType)
	if err != nil {
		return disk.FilesystemNone
	}
	return fs
}

type lsblkOutput struct {
	BlockDevices []LsblkInfo `json:"blockdevices"`
}

// flexUint accepts numbers both as JSON numbers and as strings; older lsblk
// versions quote them.
type flexUint uint64

func (u *flexUint) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*u = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", data, err)
	}
	*u = flexUint(n)
	return nil
}

// flexBool accepts true/false as well as "0"/"1" and 0/1.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true", "1":
		*b = true
	case "false", "0", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

func parseLsblk(data []byte) ([]LsblkInfo, error) {
	var out lsblkOutput
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out.BlockDevices, nil
}

// Lsblk queries lsblk for the given device paths, or all devices if none are
// given.
func Lsblk(ctx context.Context, r command.Runner, paths ...string) ([]LsblkInfo, error) {
	args := []string{"--json", "--bytes", "--output", strings.Join(lsblkColumns, ",")}
	args = append(args, paths...)

	res, err := command.Run(ctx, r, "lsblk", args...)
	if err != nil {
		return nil, &disk.DiskError{
			Msg:    "could not list block devices",
			Cmd:    command.New("lsblk", args...).String(),
			Output: command.OutputOf(err),
			Err:    err,
		}
	}

	infos, err := parseLsblk(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("cannot decode lsblk output: %w", err)
	}
	return infos, nil
}
