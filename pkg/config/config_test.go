package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
)

func TestMissingFileYieldsDefaults(t *testing.T) {
	settings := loadFrom([]string{filepath.Join(t.TempDir(), "settings.json")}, logex.Discard)

	assert.Assert(t, settings.PollingIntervalS == 60)
	assert.EqualString(t, string(settings.UnmountMode), "PASSIVE")
	assert.Assert(t, settings.GdcEnabled)
	assert.Assert(t, settings.Smart.Reallocated == 5)
	assert.Assert(t, settings.Temperature.SsdCritical == 70)
	assert.Assert(t, settings.RetentionSizeKb == 1024)
}

func TestInvalidJsonForcesPassive(t *testing.T) {
	path := writeSettings(t, `{ this is not json`)

	settings := loadFrom([]string{path}, logex.Discard)

	assert.Assert(t, settings.PollingIntervalS == 60)
	assert.EqualString(t, string(settings.UnmountMode), "PASSIVE")
}

func TestPartialOverrides(t *testing.T) {
	path := writeSettings(t, `{
		"general": {"polling_interval_s": 120},
		"alert_thresholds": {"smart": {"reallocated": 10}},
		"emergency_unmount": {"mode": "active", "cooldown_s": 600},
		"gdc": {"enabled": false}
	}`)

	settings := loadFrom([]string{path}, logex.Discard)

	assert.Assert(t, settings.PollingIntervalS == 120)
	assert.Assert(t, settings.Smart.Reallocated == 10)
	assert.Assert(t, settings.Smart.Pending == 1) // untouched default
	assert.EqualString(t, string(settings.UnmountMode), "ACTIVE")
	assert.Assert(t, settings.UnmountCooldownS == 600)
	assert.Assert(t, !settings.GdcEnabled)
}

func TestUnknownUnmountModeStaysPassive(t *testing.T) {
	path := writeSettings(t, `{"emergency_unmount": {"mode": "YOLO"}}`)

	settings := loadFrom([]string{path}, logex.Discard)

	assert.EqualString(t, string(settings.UnmountMode), "PASSIVE")
}

func TestPollingIntervalClamped(t *testing.T) {
	tooFast := loadFrom([]string{writeSettings(t, `{"general": {"polling_interval_s": 1}}`)}, logex.Discard)
	assert.Assert(t, tooFast.PollingIntervalS == 10)

	tooSlow := loadFrom([]string{writeSettings(t, `{"general": {"polling_interval_s": 99999}}`)}, logex.Discard)
	assert.Assert(t, tooSlow.PollingIntervalS == 3600)
}

func TestDeviceMonitored(t *testing.T) {
	path := writeSettings(t, `{"disk_selection": {"monitored_devices": {"sdb": false, "sdc": true}}}`)

	settings := loadFrom([]string{path}, logex.Discard)

	assert.Assert(t, settings.DeviceMonitored("sda")) // unlisted = monitored
	assert.Assert(t, !settings.DeviceMonitored("sdb"))
	assert.Assert(t, settings.DeviceMonitored("sdc"))
}

func TestFirstExistingPathWins(t *testing.T) {
	etcStyle := writeSettings(t, `{"general": {"polling_interval_s": 30}}`)
	homeStyle := writeSettings(t, `{"general": {"polling_interval_s": 90}}`)

	settings := loadFrom([]string{etcStyle, homeStyle}, logex.Discard)
	assert.Assert(t, settings.PollingIntervalS == 30)

	settings = loadFrom([]string{filepath.Join(t.TempDir(), "nope.json"), homeStyle}, logex.Discard)
	assert.Assert(t, settings.PollingIntervalS == 90)
}

func writeSettings(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settings.json")
	assert.Ok(t, os.WriteFile(path, []byte(content), 0644))

	return path
}
