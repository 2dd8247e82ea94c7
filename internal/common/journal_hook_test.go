package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestJournalFields(t *testing.T) {
	fields := journalFields("disk-installer", logrus.Fields{
		"device":   "/dev/sda",
		"run_id":   "2Bf0",
		"_private": 1,
		"fs-type":  "btrfs",
		"":         "dropped",
	})

	assert.Equal(t, map[string]string{
		"DEVICE":            "/dev/sda",
		"RUN_ID":            "2Bf0",
		"PRIVATE":           "1",
		"FS_TYPE":           "btrfs",
		"SYSLOG_IDENTIFIER": "disk-installer",
	}, fields)
}
