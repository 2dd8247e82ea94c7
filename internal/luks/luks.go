// Package luks formats, opens and closes LUKS2 containers with cryptsetup
// and enrolls FIDO2 tokens into them with systemd-cryptenroll.
package luks

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/disk-installer/internal/command"
	"github.com/osbuild/disk-installer/internal/disk"
)

// GeneratedKeySize is the length of the random key used when a container
// is formatted without a password.
const GeneratedKeySize = 64

var formatOptions = []string{
	"--batch-mode",
	"--type", "luks2",
	"--pbkdf", "argon2id",
	"--hash", "sha512",
	"--key-size", "512",
	"--iter-time", "10000",
	"--use-urandom",
	"--key-file", "-",
}

// Luks2 is a LUKS2 container on a block device together with the
// device-mapper name it is opened as.
type Luks2 struct {
	Path       string
	MapperName string
	Password   string

	runner command.Runner
	key    []byte
}

// MapperNameFor returns the default device-mapper name for a container on
// path.
func MapperNameFor(path string) string {
	return "luks-" + filepath.Base(path)
}

// New returns a handle for the container on path. An empty mapperName
// selects MapperNameFor(path).
func New(r command.Runner, path, mapperName, password string) *Luks2 {
	if mapperName == "" {
		mapperName = MapperNameFor(path)
	}
	return &Luks2{
		Path:       path,
		MapperName: mapperName,
		Password:   password,
		runner:     r,
	}
}

// MapperDev is the device node of the opened container.
func (l *Luks2) MapperDev() string {
	return filepath.Join("/dev/mapper", l.MapperName)
}

// Key returns the key the container is formatted and opened with: the
// password, or a random key generated on first use when there is none.
func (l *Luks2) Key() ([]byte, error) {
	if l.key != nil {
		return l.key, nil
	}
	if l.Password != "" {
		l.key = []byte(l.Password)
		return l.key, nil
	}

	key := make([]byte, GeneratedKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("cannot generate key for %s: %w", l.Path, err)
	}
	l.key = key
	return l.key, nil
}

func (l *Luks2) run(ctx context.Context, msg string, stdin []byte, args ...string) error {
	cmd := command.New("cryptsetup", args...)
	cmd.Stdin = stdin
	if _, err := l.runner.Run(ctx, cmd); err != nil {
		return &disk.DiskError{
			Msg:    msg,
			Cmd:    cmd.String(),
			Output: command.OutputOf(err),
			Err:    err,
		}
	}
	return nil
}

// Encrypt formats the device as a LUKS2 container and returns the key it
// was formatted with.
func (l *Luks2) Encrypt(ctx context.Context) ([]byte, error) {
	key, err := l.Key()
	if err != nil {
		return nil, err
	}

	logger := logrus.WithField("device", l.Path)
	logger.Info("Encrypting device")

	args := append(append([]string{}, formatOptions...), "luksFormat", l.Path)
	if err := l.run(ctx, fmt.Sprintf("could not encrypt %s", l.Path), key, args...); err != nil {
		return nil, err
	}

	logger.Info("Device encrypted")
	return key, nil
}

// Unlock opens the container as MapperName.
func (l *Luks2) Unlock(ctx context.Context) error {
	key, err := l.Key()
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{"device": l.Path, "mapper": l.MapperName}).Debug("Unlocking LUKS2 device")
	return l.run(ctx, fmt.Sprintf("could not unlock %s", l.Path), key,
		"open", "--type", "luks2", "--key-file", "-", l.Path, l.MapperName)
}

// Lock closes the container. Closing a container that is not open does
// nothing.
func (l *Luks2) Lock(ctx context.Context) error {
	unlocked, err := l.IsUnlocked(ctx)
	if err != nil {
		return err
	}
	if !unlocked {
		return nil
	}

	logrus.WithFields(logrus.Fields{"device": l.Path, "mapper": l.MapperName}).Debug("Locking LUKS2 device")
	return l.run(ctx, fmt.Sprintf("could not lock %s", l.MapperName), nil, "close", l.MapperName)
}

// IsUnlocked reports whether MapperName is an active mapping.
func (l *Luks2) IsUnlocked(ctx context.Context) (bool, error) {
	_, err := command.Run(ctx, l.runner, "cryptsetup", "status", l.MapperName)
	if err == nil {
		return true, nil
	}
	var exitErr *command.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}
