// Decision engine: pure function from a device record (plus the previous
// logged observation) to a severity ladder verdict. Evaluates only - actions
// belong to the unmount executor.
package decision

import (
	"fmt"

	"github.com/function61/levyvahti/pkg/config"
	"github.com/function61/levyvahti/pkg/lvtypes"
)

type Config struct {
	Smart       config.SmartThresholds
	Temperature config.TemperatureThresholds
}

func DefaultConfig() Config {
	defaults := config.Defaults()

	return Config{
		Smart:       defaults.Smart,
		Temperature: defaults.Temperature,
	}
}

// values from the previous logged history record; nil pointer = no baseline
type PreviousObservation struct {
	Reallocated *uint64
	Pending     *uint64
	HealthScore *int
}

type metricVerdict struct {
	severity        lvtypes.DecisionStatus
	emergencySignal bool
	increasing      bool
	message         string
}

func Evaluate(rec *lvtypes.DeviceRecord, prev *PreviousObservation, cfg Config) lvtypes.Decision {
	decision := lvtypes.Decision{
		Status:             lvtypes.DecisionOK,
		Reasons:            []string{},
		RecommendedActions: []string{},
		Notes:              []string{},
	}

	isUsb := rec.Bus == lvtypes.BusUsb
	if isUsb {
		decision.Notes = append(decision.Notes, "USB connection: SMART data may be unreliable")
	}

	// a device whose telemetry cannot be evaluated is not a failing device
	if rec.GdcState == lvtypes.GdcStateUnassessable {
		decision.Notes = append(decision.Notes, "unassessable")
		return decision
	}

	switch rec.GdcState {
	case lvtypes.GdcStateSuspect, lvtypes.GdcStateConfirmed, lvtypes.GdcStateTerminal:
		decision.Notes = append(decision.Notes,
			fmt.Sprintf("SMART delivery unreliable (ghost drive state: %s)", rec.GdcState))
	}

	if len(rec.Attributes) == 0 {
		return decision
	}

	reallocVerdict := evaluateReallocated(rec.Attributes, prev, isUsb, cfg.Smart)
	pendingVerdict := evaluatePending(rec.Attributes, prev, isUsb, cfg.Smart)
	tempVerdict := evaluateTemperature(rec.Attributes, rec.Rotational, cfg.Temperature)
	uncorrVerdict := evaluateSimpleThreshold(rec.Attributes, lvtypes.AttrReportedUncorrectable,
		uint64(cfg.Smart.Uncorrectable), "uncorrectable errors reported: %d")
	timeoutVerdict := evaluateSimpleThreshold(rec.Attributes, lvtypes.AttrCommandTimeout,
		uint64(cfg.Smart.Timeout), "command timeouts: %d")

	verdicts := []metricVerdict{reallocVerdict, pendingVerdict, tempVerdict, uncorrVerdict, timeoutVerdict}

	severities := []lvtypes.DecisionStatus{}
	for _, verdict := range verdicts {
		severities = append(severities, verdict.severity)
	}
	decision.Status = lvtypes.WorstStatus(severities...)

	// combination rule: media actively degrading on two fronts at once
	bothTrendingUp := reallocVerdict.increasing && pendingVerdict.increasing
	if bothTrendingUp {
		decision.Status = lvtypes.DecisionEmergency
		decision.Reasons = append(decision.Reasons, "EMERGENCY: both reallocated and pending sectors increasing")
	}

	// a lone emergency signal is not enough: require two concurrent signals
	// or the combination rule
	if decision.Status == lvtypes.DecisionEmergency {
		emergencySignals := 0
		for _, verdict := range verdicts {
			if verdict.emergencySignal {
				emergencySignals++
			}
		}

		if emergencySignals < 2 && !bothTrendingUp {
			decision.Status = lvtypes.DecisionCritical
			decision.Reasons = append(decision.Reasons, "single emergency signal - downgraded to CRITICAL")
		}
	}

	for _, verdict := range verdicts {
		if verdict.severity.AtLeast(lvtypes.DecisionWarning) && verdict.message != "" {
			decision.Reasons = append(decision.Reasons, verdict.message)
		}
	}

	// health score adds context only, never changes status
	if prev != nil && prev.HealthScore != nil {
		drop := *prev.HealthScore - rec.HealthScore
		dropThreshold := 3 * usbMultiplier(isUsb)
		if drop > dropThreshold {
			decision.Reasons = append(decision.Reasons,
				fmt.Sprintf("health score dropped %d points (informational)", drop))
		}
	}

	decision.RecommendedActions = recommendedActions(decision.Status, tempVerdict)

	decision.CanEmergencyUnmount = decision.Status == lvtypes.DecisionEmergency

	return decision
}

func usbMultiplier(isUsb bool) int {
	if isUsb {
		return 2
	}
	return 1
}

func evaluateReallocated(attrs lvtypes.AttributeMap, prev *PreviousObservation, isUsb bool, thresholds config.SmartThresholds) metricVerdict {
	current, found := attrs.Raw(lvtypes.AttrReallocatedSectors)
	if !found {
		return metricVerdict{severity: lvtypes.DecisionOK}
	}

	mult := uint64(usbMultiplier(isUsb))

	verdict := metricVerdict{severity: lvtypes.DecisionOK}

	if prev != nil && prev.Reallocated != nil {
		previous := *prev.Reallocated

		if current > previous {
			verdict.increasing = true
			delta := current - previous

			switch {
			case delta >= 100*mult:
				verdict.severity = lvtypes.DecisionEmergency
				verdict.emergencySignal = true
				verdict.message = fmt.Sprintf("reallocated sectors increased rapidly by %d (%d -> %d)", delta, previous, current)
				return verdict
			case delta >= 10*mult:
				verdict.severity = lvtypes.DecisionCritical
				verdict.message = fmt.Sprintf("reallocated sectors increased by %d (%d -> %d)", delta, previous, current)
				return verdict
			default:
				verdict.severity = lvtypes.DecisionWarning
				verdict.message = fmt.Sprintf("reallocated sectors increased by %d (%d -> %d)", delta, previous, current)
				return verdict
			}
		}
	}

	switch {
	case current >= 500*mult:
		verdict.severity = lvtypes.DecisionEmergency
		verdict.emergencySignal = true
		verdict.message = fmt.Sprintf("reallocated sectors critically high: %d", current)
	case current >= 50*mult:
		verdict.severity = lvtypes.DecisionCritical
		verdict.message = fmt.Sprintf("reallocated sectors high: %d", current)
	case current >= uint64(thresholds.Reallocated)*mult:
		verdict.severity = lvtypes.DecisionWarning
		verdict.message = fmt.Sprintf("reallocated sectors detected: %d", current)
	}

	return verdict
}

func evaluatePending(attrs lvtypes.AttributeMap, prev *PreviousObservation, isUsb bool, thresholds config.SmartThresholds) metricVerdict {
	current, found := attrs.Raw(lvtypes.AttrPendingSectors)
	if !found {
		return metricVerdict{severity: lvtypes.DecisionOK}
	}

	verdict := metricVerdict{severity: lvtypes.DecisionOK}

	if current == 0 {
		return verdict
	}

	if current >= uint64(thresholds.Pending)*uint64(usbMultiplier(isUsb)) {
		verdict.severity = lvtypes.DecisionWarning
		verdict.message = fmt.Sprintf("pending sectors detected: %d", current)
	}

	if prev != nil && prev.Pending != nil && current > *prev.Pending {
		verdict.increasing = true
		verdict.severity = lvtypes.DecisionCritical
		verdict.message = fmt.Sprintf("pending sectors increasing (%d -> %d)", *prev.Pending, current)
	}

	if current >= 50*uint64(usbMultiplier(isUsb)) {
		verdict.severity = lvtypes.DecisionCritical
		verdict.message = fmt.Sprintf("pending sectors critically high: %d", current)
	}

	return verdict
}

func evaluateTemperature(attrs lvtypes.AttributeMap, rotational bool, thresholds config.TemperatureThresholds) metricVerdict {
	temp, found := attrs.Raw(lvtypes.AttrTemperature)
	if !found || temp == 0 {
		return metricVerdict{severity: lvtypes.DecisionOK}
	}

	warning, critical := thresholds.SsdWarning, thresholds.SsdCritical
	if rotational {
		warning, critical = thresholds.HddWarning, thresholds.HddCritical
	}
	emergency := critical + 5

	verdict := metricVerdict{severity: lvtypes.DecisionOK}

	switch {
	case temp >= uint64(emergency):
		verdict.severity = lvtypes.DecisionEmergency
		verdict.emergencySignal = true
		verdict.message = fmt.Sprintf("temperature critical: %d°C (>= %d°C)", temp, emergency)
	case temp >= uint64(critical):
		verdict.severity = lvtypes.DecisionCritical
		verdict.message = fmt.Sprintf("temperature high: %d°C (>= %d°C)", temp, critical)
	case temp >= uint64(warning):
		verdict.severity = lvtypes.DecisionWarning
		verdict.message = fmt.Sprintf("temperature elevated: %d°C (>= %d°C)", temp, warning)
	}

	return verdict
}

func evaluateSimpleThreshold(attrs lvtypes.AttributeMap, attrID int, threshold uint64, messageFormat string) metricVerdict {
	current, found := attrs.Raw(attrID)
	if !found || threshold == 0 || current < threshold {
		return metricVerdict{severity: lvtypes.DecisionOK}
	}

	return metricVerdict{
		severity: lvtypes.DecisionWarning,
		message:  fmt.Sprintf(messageFormat, current),
	}
}

func recommendedActions(status lvtypes.DecisionStatus, tempVerdict metricVerdict) []string {
	switch status {
	case lvtypes.DecisionWarning:
		return []string{"monitor disk closely", "schedule backup if not recent"}
	case lvtypes.DecisionCritical:
		actions := []string{"backup immediately", "plan disk replacement"}
		if tempVerdict.severity.AtLeast(lvtypes.DecisionCritical) {
			actions = append(actions, "improve cooling immediately")
		}
		return actions
	case lvtypes.DecisionEmergency:
		return []string{"backup in progress or disk failure imminent", "replace disk urgently", "emergency unmount recommended"}
	default:
		return []string{}
	}
}
