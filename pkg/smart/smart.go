// Wraps an external smartctl invocation. The reader only classifies failures,
// it never infers device health from one - aggregation is the GDC manager's job.
package smart

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/levyvahti/pkg/lvtypes"
)

type OutcomeKind string

const (
	OutcomeSuccess    OutcomeKind = "success"
	OutcomeTimeout    OutcomeKind = "timeout"
	OutcomeParseError OutcomeKind = "parse_error"
	OutcomeNoSupport  OutcomeKind = "no_support"
	OutcomeVanished   OutcomeKind = "vanished"
)

// exactly one variant per read. non-success variants carry only Elapsed (and
// Err for diagnostics); attribute fields are meaningful for OutcomeSuccess.
type Outcome struct {
	Kind                   OutcomeKind
	Attributes             lvtypes.AttributeMap
	Identity               lvtypes.DeviceIdentity
	Bus                    lvtypes.Bus
	Rotational             *bool
	CapacityBytes          uint64
	TemperatureMaxLifetime int
	Elapsed                time.Duration
	Err                    error
}

type Reader interface {
	Read(ctx context.Context, osName string, busHint lvtypes.Bus) Outcome
}

type Backend func(ctx context.Context, device string, busHint lvtypes.Bus) ([]byte, error)

func SmartCtlBackend(ctx context.Context, device string, busHint lvtypes.Bus) ([]byte, error) {
	args := []string{"--json", "--all", device}
	if busHint != "" && busHint != lvtypes.BusUnknown {
		args = append(args, "--device="+string(busHint))
	}

	stdout, err := exec.CommandContext(ctx, "smartctl", args...).Output()

	return stdout, SilenceSmartCtlAutomationHostileErrors(err)
}

type smartCtlReader struct {
	back     Backend
	deadline time.Duration
}

func NewReader(back Backend, deadline time.Duration) Reader {
	return &smartCtlReader{back: back, deadline: deadline}
}

func (s *smartCtlReader) Read(ctx context.Context, osName string, busHint lvtypes.Bus) Outcome {
	devicePath := "/dev/" + osName

	if exists, err := fileexists.Exists(devicePath); err == nil && !exists {
		return Outcome{Kind: OutcomeVanished}
	}

	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	started := time.Now()
	output, err := s.back(ctx, devicePath, busHint)
	elapsed := time.Since(started)

	if ctx.Err() == context.DeadlineExceeded {
		return Outcome{Kind: OutcomeTimeout, Elapsed: elapsed, Err: ctx.Err()}
	}

	report, parseErr := parseSmartCtlJsonReport(output)
	if parseErr != nil {
		if err != nil { // exec failed and no usable JSON either
			return Outcome{Kind: OutcomeParseError, Elapsed: elapsed, Err: err}
		}

		return Outcome{Kind: OutcomeParseError, Elapsed: elapsed, Err: parseErr}
	}

	if reportsNoSmartSupport(report) {
		return Outcome{Kind: OutcomeNoSupport, Elapsed: elapsed}
	}

	outcome := Outcome{
		Kind: OutcomeSuccess,
		Identity: lvtypes.DeviceIdentity{
			Model:  report.ModelName,
			Serial: report.SerialNumber,
		},
		Bus:                    busFromReport(report, busHint),
		CapacityBytes:          report.UserCapacity.Bytes,
		TemperatureMaxLifetime: report.Temperature.LifetimeMax,
		Attributes:             attributesFromReport(report),
		Elapsed:                elapsed,
	}

	if report.RotationRate != nil {
		rotational := *report.RotationRate > 0
		outcome.Rotational = &rotational
	}

	return outcome
}

func parseSmartCtlJsonReport(reportJson []byte) (*SmartCtlJsonReport, error) {
	rep := &SmartCtlJsonReport{}

	if err := json.Unmarshal(reportJson, rep); err != nil {
		return nil, err
	}

	if len(rep.JsonFormatVersion) < 2 || rep.JsonFormatVersion[0] != 1 {
		return nil, errors.New("invalid json_format_version")
	}

	if rep.PowerOnTime.Hours < 0 {
		return nil, errors.New("inconsistent report: negative power_on_time")
	}

	return rep, nil
}

func reportsNoSmartSupport(rep *SmartCtlJsonReport) bool {
	if rep.SmartSupport != nil && !rep.SmartSupport.Available {
		return true
	}

	for _, msg := range rep.Smartctl.Messages {
		if strings.Contains(msg.String, "Unknown USB bridge") ||
			strings.Contains(msg.String, "SMART support is: Unavailable") {
			return true
		}
	}

	return false
}

func busFromReport(rep *SmartCtlJsonReport, hint lvtypes.Bus) lvtypes.Bus {
	devType := rep.Device.Type

	switch {
	case strings.HasPrefix(devType, "usb"):
		return lvtypes.BusUsb
	case devType == "nvme":
		return lvtypes.BusNvme
	case devType == "sat":
		return lvtypes.BusSat
	case devType == "ata" || devType == "scsi":
		return lvtypes.BusAta
	}

	if hint != "" {
		return hint
	}

	return lvtypes.BusUnknown
}

func attributesFromReport(rep *SmartCtlJsonReport) lvtypes.AttributeMap {
	attrs := lvtypes.AttributeMap{}

	for _, row := range rep.AtaSmartAttributes.Table {
		raw := row.Raw.Value
		if raw < 0 {
			raw = 0
		}

		// temperature raw packs lifetime min/max into the high bytes on many
		// drives; the current reading is the low 16 bits
		if row.Id == lvtypes.AttrTemperature && raw > 0xffff {
			raw = raw & 0xffff
		}

		attrs[row.Id] = lvtypes.SmartAttribute{
			ID:         row.Id,
			Name:       row.Name,
			Raw:        uint64(raw),
			Normalized: uint8(row.Value),
			Worst:      uint8(row.Worst),
			Threshold:  uint8(row.Thresh),
			Flags:      row.Flags.String,
		}
	}

	// NVMe devices publish no ATA attribute table - synthesize the interpreted
	// IDs from the NVMe health log so the scoring model sees one vocabulary
	if nvme := rep.NvmeSmartHealthInformationLog; nvme != nil {
		put := func(id int, name string, raw uint64) {
			if _, has := attrs[id]; !has {
				attrs[id] = lvtypes.SmartAttribute{ID: id, Name: name, Raw: raw}
			}
		}

		put(lvtypes.AttrTemperature, "Temperature_Celsius", uint64(nvme.Temperature))
		put(lvtypes.AttrPowerOnHours, "Power_On_Hours", uint64(nvme.PowerOnHours))
		put(lvtypes.AttrPowerCycleCount, "Power_Cycle_Count", uint64(nvme.PowerCycles))

		if nvme.MediaErrors > 0 {
			put(lvtypes.AttrReportedUncorrectable, "Media_Errors", uint64(nvme.MediaErrors))
		}

		remaining := 100 - nvme.PercentageUsed
		if remaining < 0 {
			remaining = 0
		}
		put(lvtypes.AttrPercentLifetimeRemaining, "Percent_Lifetime_Remain", uint64(remaining))

		if nvme.DataUnitsWritten > 0 {
			// a data unit is 1000 * 512 bytes => 1000 LBAs of 512 bytes
			put(lvtypes.AttrTotalLbasWritten, "Total_LBAs_Written", uint64(nvme.DataUnitsWritten)*1000)
		}
	}

	// some drives publish power-on/cycle/temperature only at the report top level
	if _, has := attrs[lvtypes.AttrPowerOnHours]; !has && rep.PowerOnTime.Hours > 0 {
		attrs[lvtypes.AttrPowerOnHours] = lvtypes.SmartAttribute{
			ID:   lvtypes.AttrPowerOnHours,
			Name: "Power_On_Hours",
			Raw:  uint64(rep.PowerOnTime.Hours),
		}
	}
	if _, has := attrs[lvtypes.AttrPowerCycleCount]; !has && rep.PowerCycleCount > 0 {
		attrs[lvtypes.AttrPowerCycleCount] = lvtypes.SmartAttribute{
			ID:   lvtypes.AttrPowerCycleCount,
			Name: "Power_Cycle_Count",
			Raw:  uint64(rep.PowerCycleCount),
		}
	}
	if _, has := attrs[lvtypes.AttrTemperature]; !has && rep.Temperature.Current > 0 {
		attrs[lvtypes.AttrTemperature] = lvtypes.SmartAttribute{
			ID:   lvtypes.AttrTemperature,
			Name: "Temperature_Celsius",
			Raw:  uint64(rep.Temperature.Current),
		}
	}

	return attrs
}

func SilenceSmartCtlAutomationHostileErrors(err error) error {
	if err != nil {
		if exitError, is := err.(*exec.ExitError); is {
			// unset bits 4-8 because they're not errors in getting the report itself
			// https://sourceforge.net/p/smartmontools/mailman/message/7330895/
			masked := exitError.ExitCode() &^ 0xf8

			if masked == 0 { // not error anymore
				return nil
			}
		}
	}

	return err
}
