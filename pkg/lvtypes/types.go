// Shared data model for the disk health monitor
package lvtypes

import (
	"regexp"
	"time"
)

// (model, serial) is the durable identity of a device. The OS-level name
// ("sda", "nvme0n1") is ephemeral and never used as a history key.
type DeviceIdentity struct {
	Model  string `json:"model"`
	Serial string `json:"serial"`
}

var unsafeForPath = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// filesystem- and URL-safe form, used as history directory name and map key
func (d DeviceIdentity) Key() string {
	return unsafeForPath.ReplaceAllString(d.Model, "_") + "_" + unsafeForPath.ReplaceAllString(d.Serial, "_")
}

func (d DeviceIdentity) Empty() bool {
	return d.Model == "" && d.Serial == ""
}

type Bus string

const (
	BusAta     Bus = "ata"
	BusSat     Bus = "sat"
	BusNvme    Bus = "nvme"
	BusUsb     Bus = "usb"
	BusUnknown Bus = "unknown"
)

type ScanOutcome string

const (
	ScanOutcomeSuccess    ScanOutcome = "success"
	ScanOutcomeTimeout    ScanOutcome = "timeout"
	ScanOutcomeParseError ScanOutcome = "parse_error"
	ScanOutcomeNoSupport  ScanOutcome = "no_support"
	ScanOutcomeVanished   ScanOutcome = "vanished"
)

type GdcState string

const (
	GdcStateOK           GdcState = "OK"
	GdcStateSuspect      GdcState = "SUSPECT"
	GdcStateConfirmed    GdcState = "CONFIRMED"
	GdcStateTerminal     GdcState = "TERMINAL"
	GdcStateUnassessable GdcState = "UNASSESSABLE"
)

type HealthState string

const (
	HealthStateExcellent  HealthState = "excellent"
	HealthStateGood       HealthState = "good"
	HealthStateAcceptable HealthState = "acceptable"
	HealthStateWarning    HealthState = "warning"
	HealthStatePoor       HealthState = "poor"
	HealthStateCritical   HealthState = "critical"
	HealthStateDead       HealthState = "dead"
	HealthStateUnknown    HealthState = "unknown"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type ScoreComponent struct {
	Value        uint64  `json:"value"`
	Weight       float64 `json:"weight"`
	PartialScore float64 `json:"partial_score"`
}

type ComponentBreakdown map[string]ScoreComponent

// an attribute whose individual value crosses a severity threshold and must
// be surfaced independently of the aggregate score
type EscalatedAttribute struct {
	Name     string   `json:"name"`
	Value    uint64   `json:"value"`
	Severity Severity `json:"severity"`
}

type DecisionStatus string

const (
	DecisionOK        DecisionStatus = "OK"
	DecisionWarning   DecisionStatus = "WARNING"
	DecisionCritical  DecisionStatus = "CRITICAL"
	DecisionEmergency DecisionStatus = "EMERGENCY"
)

func (d DecisionStatus) rank() int {
	switch d {
	case DecisionOK:
		return 0
	case DecisionWarning:
		return 1
	case DecisionCritical:
		return 2
	case DecisionEmergency:
		return 3
	default:
		return -1
	}
}

func (d DecisionStatus) AtLeast(other DecisionStatus) bool {
	return d.rank() >= other.rank()
}

func WorstStatus(statuses ...DecisionStatus) DecisionStatus {
	worst := DecisionOK
	for _, status := range statuses {
		if status.rank() > worst.rank() {
			worst = status
		}
	}

	return worst
}

type Decision struct {
	Status              DecisionStatus `json:"status"`
	Reasons             []string       `json:"reasons"`
	RecommendedActions  []string       `json:"recommended_actions"`
	CanEmergencyUnmount bool           `json:"can_emergency_unmount"`
	Notes               []string       `json:"notes"`
}

// what the scan snapshot holds per device. Either a placeholder
// (ScanningInProgress=true, ScanOutcome empty) or a completed entry.
type DeviceRecord struct {
	OsName                 string               `json:"os_name"`
	Identity               DeviceIdentity       `json:"identity"`
	CapacityBytes          uint64               `json:"capacity_bytes"`
	Rotational             bool                 `json:"rotational"`
	Bus                    Bus                  `json:"bus"`
	Attributes             AttributeMap         `json:"attributes"`
	ScanOutcome            ScanOutcome          `json:"scan_outcome,omitempty"`
	HealthScore            int                  `json:"health_score"`
	HealthState            HealthState          `json:"health_state"`
	Components             ComponentBreakdown   `json:"component_breakdown"`
	EscalatedAttributes    []EscalatedAttribute `json:"escalated_attributes"`
	GdcState               GdcState             `json:"gdc_state"`
	Decision               *Decision            `json:"decision,omitempty"`
	ScanningInProgress     bool                 `json:"scanning_in_progress"`
	LastSmartResponseMs    int64                `json:"last_smart_response_ms"`
	TemperatureMaxLifetime int                  `json:"temperature_max_lifetime,omitempty"`
	Monitored              bool                 `json:"monitored"`
	LastScanAt             time.Time            `json:"last_scan_at"`
}

func (d *DeviceRecord) Clone() DeviceRecord {
	clone := *d
	clone.Attributes = d.Attributes.Clone()

	if d.Components != nil {
		clone.Components = make(ComponentBreakdown, len(d.Components))
		for name, comp := range d.Components {
			clone.Components[name] = comp
		}
	}

	clone.EscalatedAttributes = append([]EscalatedAttribute(nil), d.EscalatedAttributes...)

	if d.Decision != nil {
		decision := *d.Decision
		decision.Reasons = append([]string(nil), d.Decision.Reasons...)
		decision.RecommendedActions = append([]string(nil), d.Decision.RecommendedActions...)
		decision.Notes = append([]string(nil), d.Decision.Notes...)
		clone.Decision = &decision
	}

	return clone
}
