// Daemon settings. A missing, unreadable or invalid settings file must never
// stop the daemon: it runs with defaults and emergency unmount forced PASSIVE.
package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/logex"
)

type UnmountMode string

const (
	UnmountModePassive UnmountMode = "PASSIVE"
	UnmountModeActive  UnmountMode = "ACTIVE"
)

type SmartThresholds struct {
	Reallocated   int `json:"reallocated"`
	Pending       int `json:"pending"`
	Uncorrectable int `json:"uncorrectable"`
	Timeout       int `json:"timeout"`
}

type TemperatureThresholds struct {
	HddWarning  int `json:"hdd_warning"`
	HddCritical int `json:"hdd_critical"`
	SsdWarning  int `json:"ssd_warning"`
	SsdCritical int `json:"ssd_critical"`
}

type Settings struct {
	Language         string
	PollingIntervalS int
	MonitoredDevices map[string]bool // absent device name = monitored
	Smart            SmartThresholds
	Temperature      TemperatureThresholds
	UnmountMode      UnmountMode
	UnmountCooldownS int
	GdcEnabled       bool
	RetentionSizeKb  int
}

func Defaults() Settings {
	return Settings{
		Language:         "en",
		PollingIntervalS: 60,
		MonitoredDevices: map[string]bool{},
		Smart: SmartThresholds{
			Reallocated:   5,
			Pending:       1,
			Uncorrectable: 1,
			Timeout:       5,
		},
		Temperature: TemperatureThresholds{
			HddWarning:  50,
			HddCritical: 60,
			SsdWarning:  60,
			SsdCritical: 70,
		},
		UnmountMode:      UnmountModePassive,
		UnmountCooldownS: 1800,
		GdcEnabled:       true,
		RetentionSizeKb:  1024,
	}
}

// wire format of settings.json. pointers tell "absent" apart from zero so
// absent keys keep their defaults.
type settingsFile struct {
	General struct {
		Language         *string `json:"language"`
		PollingIntervalS *int    `json:"polling_interval_s"`
	} `json:"general"`
	DiskSelection struct {
		MonitoredDevices map[string]bool `json:"monitored_devices"`
	} `json:"disk_selection"`
	AlertThresholds struct {
		Smart struct {
			Reallocated   *int `json:"reallocated"`
			Pending       *int `json:"pending"`
			Uncorrectable *int `json:"uncorrectable"`
			Timeout       *int `json:"timeout"`
		} `json:"smart"`
		Temperature struct {
			HddWarning  *int `json:"hdd_warning"`
			HddCritical *int `json:"hdd_critical"`
			SsdWarning  *int `json:"ssd_warning"`
			SsdCritical *int `json:"ssd_critical"`
		} `json:"temperature"`
	} `json:"alert_thresholds"`
	EmergencyUnmount struct {
		Mode      *string `json:"mode"`
		CooldownS *int    `json:"cooldown_s"`
	} `json:"emergency_unmount"`
	Gdc struct {
		Enabled *bool `json:"enabled"`
	} `json:"gdc"`
	Logging struct {
		RetentionSizeKb *int `json:"retention_size_kb"`
	} `json:"logging"`
}

func candidatePaths() []string {
	paths := []string{"/etc/levyvahti/settings.json"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".levyvahti", "settings.json"))
	}

	return paths
}

func Load(logger *log.Logger) Settings {
	return loadFrom(candidatePaths(), logger)
}

func loadFrom(paths []string, logger *log.Logger) Settings {
	logl := logex.Levels(logex.NonNil(logger))

	for _, path := range paths {
		exists, err := fileexists.Exists(path)
		if err != nil || !exists {
			continue
		}

		settings, err := parseFile(path)
		if err != nil {
			logl.Error.Printf("%s invalid (%v) - using defaults, emergency unmount forced PASSIVE", path, err)

			fallback := Defaults()
			fallback.UnmountMode = UnmountModePassive
			return fallback
		}

		logl.Info.Printf("settings loaded from %s", path)
		return settings
	}

	logl.Info.Printf("no settings file found - using defaults")
	return Defaults()
}

func parseFile(path string) (Settings, error) {
	wire := settingsFile{}
	if err := jsonfile.Read(path, &wire, false); err != nil {
		return Settings{}, err
	}

	settings := Defaults()

	setString(&settings.Language, wire.General.Language)
	setInt(&settings.PollingIntervalS, wire.General.PollingIntervalS)

	if wire.DiskSelection.MonitoredDevices != nil {
		settings.MonitoredDevices = wire.DiskSelection.MonitoredDevices
	}

	setInt(&settings.Smart.Reallocated, wire.AlertThresholds.Smart.Reallocated)
	setInt(&settings.Smart.Pending, wire.AlertThresholds.Smart.Pending)
	setInt(&settings.Smart.Uncorrectable, wire.AlertThresholds.Smart.Uncorrectable)
	setInt(&settings.Smart.Timeout, wire.AlertThresholds.Smart.Timeout)

	setInt(&settings.Temperature.HddWarning, wire.AlertThresholds.Temperature.HddWarning)
	setInt(&settings.Temperature.HddCritical, wire.AlertThresholds.Temperature.HddCritical)
	setInt(&settings.Temperature.SsdWarning, wire.AlertThresholds.Temperature.SsdWarning)
	setInt(&settings.Temperature.SsdCritical, wire.AlertThresholds.Temperature.SsdCritical)

	if wire.EmergencyUnmount.Mode != nil {
		switch strings.ToUpper(*wire.EmergencyUnmount.Mode) {
		case string(UnmountModeActive):
			settings.UnmountMode = UnmountModeActive
		default: // anything unrecognized stays PASSIVE
			settings.UnmountMode = UnmountModePassive
		}
	}
	setInt(&settings.UnmountCooldownS, wire.EmergencyUnmount.CooldownS)

	if wire.Gdc.Enabled != nil {
		settings.GdcEnabled = *wire.Gdc.Enabled
	}

	setInt(&settings.RetentionSizeKb, wire.Logging.RetentionSizeKb)

	return normalize(settings), nil
}

func normalize(s Settings) Settings {
	if s.PollingIntervalS < 10 {
		s.PollingIntervalS = 10
	}
	if s.PollingIntervalS > 3600 {
		s.PollingIntervalS = 3600
	}
	if s.UnmountCooldownS <= 0 {
		s.UnmountCooldownS = Defaults().UnmountCooldownS
	}
	if s.RetentionSizeKb <= 0 {
		s.RetentionSizeKb = Defaults().RetentionSizeKb
	}

	return s
}

// default is to monitor everything; the map is an opt-out list
func (s Settings) DeviceMonitored(osName string) bool {
	monitored, listed := s.MonitoredDevices[osName]
	if !listed {
		return true
	}

	return monitored
}

func setInt(target *int, source *int) {
	if source != nil {
		*target = *source
	}
}

func setString(target *string, source *string) {
	if source != nil {
		*target = *source
	}
}
